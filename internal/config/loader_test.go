package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
hipaa_mode: true
audit:
  hash_salt: unit-test-salt
router:
  mode: hybrid
phi:
  mode: strict
providers:
  local_llm:
    name: anyllm
    model: llama3
  cloud_llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
sources:
  - name: kb
    kind: internal_kb
  - name: pubmed
    kind: literature
    url: https://search.example.com/pubmed
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if !cfg.HIPAAMode {
		t.Error("HIPAAMode = false, want true")
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: ':1234'\n"))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Router.Mode != RouterHybrid {
		t.Errorf("Router.Mode = %q, want hybrid", cfg.Router.Mode)
	}
	if cfg.PHI.Mode != PHIStrict {
		t.Errorf("PHI.Mode = %q, want strict", cfg.PHI.Mode)
	}
	if cfg.Search.TimeoutMs != DefaultSearchTimeoutMs {
		t.Errorf("Search.TimeoutMs = %d, want %d", cfg.Search.TimeoutMs, DefaultSearchTimeoutMs)
	}
	if cfg.Search.TopK != DefaultTopK {
		t.Errorf("Search.TopK = %d, want %d", cfg.Search.TopK, DefaultTopK)
	}
	if cfg.Breaker.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("Breaker.FailureThreshold = %d, want %d", cfg.Breaker.FailureThreshold, DefaultFailureThreshold)
	}
	if cfg.Breaker.TimeoutSec != DefaultBreakerTimeoutSec {
		t.Errorf("Breaker.TimeoutSec = %d, want %d", cfg.Breaker.TimeoutSec, DefaultBreakerTimeoutSec)
	}
	if cfg.Context.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("Context.HistoryLimit = %d, want %d", cfg.Context.HistoryLimit, DefaultHistoryLimit)
	}
	if cfg.Context.CacheTTLSec != DefaultCacheTTLSec {
		t.Errorf("Context.CacheTTLSec = %d, want %d", cfg.Context.CacheTTLSec, DefaultCacheTTLSec)
	}
	if cfg.Voice.SilenceMs != DefaultSilenceMs || cfg.Voice.EndpointMs != DefaultEndpointMs {
		t.Errorf("Voice endpointing = (%d, %d), want (%d, %d)",
			cfg.Voice.SilenceMs, cfg.Voice.EndpointMs, DefaultSilenceMs, DefaultEndpointMs)
	}
	if cfg.LLM.Streaming == nil || !*cfg.LLM.Streaming {
		t.Error("LLM.Streaming default should be true")
	}
	if cfg.Voice.BargeInEnabled == nil || !*cfg.Voice.BargeInEnabled {
		t.Error("Voice.BargeInEnabled default should be true")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: ':1'\n"))
	if err == nil {
		t.Fatal("LoadFromReader() should reject unknown field listen_adr")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "hipaa rejects phi off",
			mutate:  func(c *Config) { c.HIPAAMode = true; c.PHI.Mode = PHIOff },
			wantErr: "phi.mode off",
		},
		{
			name:    "hipaa rejects cloud_only",
			mutate:  func(c *Config) { c.HIPAAMode = true; c.Router.Mode = RouterCloudOnly },
			wantErr: "cloud_only",
		},
		{
			name:   "non-hipaa allows cloud_only",
			mutate: func(c *Config) { c.HIPAAMode = false; c.Router.Mode = RouterCloudOnly },
		},
		{
			name:    "bad router mode",
			mutate:  func(c *Config) { c.Router.Mode = "roundrobin" },
			wantErr: "router.mode",
		},
		{
			name:    "bad confidence threshold",
			mutate:  func(c *Config) { c.Search.ConfidenceThreshold = 1.5 },
			wantErr: "confidence_threshold",
		},
		{
			name: "duplicate source name",
			mutate: func(c *Config) {
				c.Sources = append(c.Sources, SourceConfig{Name: "kb", Kind: SourceInternalKB})
			},
			wantErr: "duplicate source",
		},
		{
			name: "external source needs url",
			mutate: func(c *Config) {
				c.Sources = append(c.Sources, SourceConfig{Name: "uptodate", Kind: SourceGuidelines})
			},
			wantErr: "url is required",
		},
		{
			name: "phi mcp server must be local",
			mutate: func(c *Config) {
				c.Tools.MCPServers = []MCPServerConfig{{
					Name:        "emr",
					Transport:   "streamable-http",
					URL:         "https://emr.example.com/mcp",
					RequiresPHI: true,
				}}
			},
			wantErr: "requires_phi",
		},
		{
			name:    "hipaa requires audit salt",
			mutate:  func(c *Config) { c.HIPAAMode = true; c.Audit.HashSalt = "" },
			wantErr: "audit.hash_salt",
		},
		{
			name: "phi mcp server on loopback ok",
			mutate: func(c *Config) {
				c.Tools.MCPServers = []MCPServerConfig{{
					Name:        "emr",
					Transport:   "streamable-http",
					URL:         "http://127.0.0.1:7777/mcp",
					RequiresPHI: true,
				}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	cfg := baseConfig(t)
	cfg.HIPAAMode = true
	cfg.PHI.Mode = PHIOff
	cfg.Search.ConfidenceThreshold = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, want := range []string{"phi.mode off", "confidence_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func baseConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("base config: %v", err)
	}
	cfg.HIPAAMode = false
	return cfg
}
