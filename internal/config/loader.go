package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr             = ":8080"
	DefaultRequestTimeoutSec      = 30
	DefaultSearchTimeoutMs        = 5000
	DefaultMaxParallelSources     = 3
	DefaultResultLimitPerSource   = 10
	DefaultConfidenceThreshold    = 0.3
	DefaultTopK                   = 5
	DefaultTemperature            = 0.2
	DefaultMaxTokens              = 1024
	DefaultVADThreshold           = 0.5
	DefaultSilenceMs              = 500
	DefaultEndpointMs             = 800
	DefaultPreRollMs              = 300
	DefaultSampleRate             = 16000
	DefaultFailureThreshold       = 5
	DefaultBreakerTimeoutSec      = 60
	DefaultHalfOpenRequests       = 1
	DefaultSuccessThreshold       = 2
	DefaultHistoryLimit           = 10
	DefaultCacheTTLSec            = 1800
	DefaultConfirmationTimeoutSec = 60
	DefaultToolTimeoutSec         = 10
	DefaultAuditFlushSec          = 5
)

// Load reads and parses the YAML configuration file at path, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML configuration from r, applies defaults, and
// validates the result. Unknown fields are rejected so that typos fail at
// startup rather than silently falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.RequestTimeoutSec == 0 {
		c.Server.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if c.Router.Mode == "" {
		c.Router.Mode = RouterHybrid
	}
	if c.PHI.Mode == "" {
		c.PHI.Mode = PHIStrict
	}
	if c.Search.TimeoutMs == 0 {
		c.Search.TimeoutMs = DefaultSearchTimeoutMs
	}
	if c.Search.MaxParallelSources == 0 {
		c.Search.MaxParallelSources = DefaultMaxParallelSources
	}
	if c.Search.ResultLimitPerSource == 0 {
		c.Search.ResultLimitPerSource = DefaultResultLimitPerSource
	}
	if c.Search.ConfidenceThreshold == 0 {
		c.Search.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.Search.TopK == 0 {
		c.Search.TopK = DefaultTopK
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.LLM.Streaming == nil {
		t := true
		c.LLM.Streaming = &t
	}
	if c.Voice.VADThreshold == 0 {
		c.Voice.VADThreshold = DefaultVADThreshold
	}
	if c.Voice.SilenceMs == 0 {
		c.Voice.SilenceMs = DefaultSilenceMs
	}
	if c.Voice.EndpointMs == 0 {
		c.Voice.EndpointMs = DefaultEndpointMs
	}
	if c.Voice.PreRollMs == 0 {
		c.Voice.PreRollMs = DefaultPreRollMs
	}
	if c.Voice.BargeInEnabled == nil {
		t := true
		c.Voice.BargeInEnabled = &t
	}
	if c.Voice.SampleRate == 0 {
		c.Voice.SampleRate = DefaultSampleRate
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.TimeoutSec == 0 {
		c.Breaker.TimeoutSec = DefaultBreakerTimeoutSec
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = DefaultHalfOpenRequests
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Context.HistoryLimit == 0 {
		c.Context.HistoryLimit = DefaultHistoryLimit
	}
	if c.Context.CacheTTLSec == 0 {
		c.Context.CacheTTLSec = DefaultCacheTTLSec
	}
	if c.Audit.FlushIntervalSec == 0 {
		c.Audit.FlushIntervalSec = DefaultAuditFlushSec
	}
	if c.Tools.ConfirmationTimeoutSec == 0 {
		c.Tools.ConfirmationTimeoutSec = DefaultConfirmationTimeoutSec
	}
	if c.Tools.DefaultTimeoutSec == 0 {
		c.Tools.DefaultTimeoutSec = DefaultToolTimeoutSec
	}
	for i := range c.Sources {
		if c.Sources[i].TimeoutMs == 0 {
			c.Sources[i].TimeoutMs = c.Search.TimeoutMs
		}
	}
}

// Validate checks the configuration for invalid values. All problems are
// joined into a single error so operators see everything at once.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if !c.Router.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("config: router.mode %q is not one of hybrid, local_only, cloud_only", c.Router.Mode))
	}
	if !c.PHI.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("config: phi.mode %q is not one of strict, lenient, off", c.PHI.Mode))
	}

	// HIPAA mode forbids configurations that could route protected health
	// information to external services.
	if c.HIPAAMode {
		if c.PHI.Mode == PHIOff {
			errs = append(errs, errors.New("config: phi.mode off is not permitted when hipaa_mode is true"))
		}
		if c.Router.Mode == RouterCloudOnly {
			errs = append(errs, errors.New("config: router.mode cloud_only is not permitted when hipaa_mode is true"))
		}
		if c.Audit.HashSalt == "" {
			errs = append(errs, errors.New("config: audit.hash_salt is required when hipaa_mode is true"))
		}
	}

	if c.Search.ConfidenceThreshold < 0 || c.Search.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: search.confidence_threshold %v must be in [0, 1]", c.Search.ConfidenceThreshold))
	}
	if c.Search.MaxParallelSources < 1 {
		errs = append(errs, fmt.Errorf("config: search.max_parallel_sources %d must be at least 1", c.Search.MaxParallelSources))
	}
	if c.Search.TopK < 1 {
		errs = append(errs, fmt.Errorf("config: search.top_k %d must be at least 1", c.Search.TopK))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("config: llm.temperature %v must be in [0, 2]", c.LLM.Temperature))
	}
	if c.Voice.VADThreshold < 0 || c.Voice.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: voice.vad_threshold %v must be in [0, 1]", c.Voice.VADThreshold))
	}
	if c.Context.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("config: context.history_limit %d must be at least 1", c.Context.HistoryLimit))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("config: sources[%d]: name must not be empty", i))
			continue
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("config: sources[%d]: duplicate source name %q", i, src.Name))
		}
		seen[src.Name] = true
		if !src.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("config: source %q: kind %q is not one of internal_kb, literature, guidelines, notes", src.Name, src.Kind))
		}
		if src.Kind != SourceInternalKB && src.URL == "" {
			errs = append(errs, fmt.Errorf("config: source %q: url is required for kind %q", src.Name, src.Kind))
		}
	}

	for i, srv := range c.Tools.MCPServers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("config: tools.mcp_servers[%d]: name must not be empty", i))
			continue
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("config: mcp server %q: command is required for stdio transport", srv.Name))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("config: mcp server %q: url is required for streamable-http transport", srv.Name))
			} else if srv.RequiresPHI && !isLoopbackURL(srv.URL) {
				errs = append(errs, fmt.Errorf("config: mcp server %q: requires_phi servers must use stdio or a loopback url", srv.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("config: mcp server %q: transport %q is not one of stdio, streamable-http", srv.Name, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// Warn logs advisory (non-fatal) configuration observations.
func (c *Config) Warn(log *slog.Logger) {
	if !c.HIPAAMode && c.Router.Mode == RouterCloudOnly {
		log.Warn("router.mode cloud_only routes all queries to the cloud model; protected health information leaving the premises is metered but not blocked")
	}
	if c.PHI.Mode == PHIOff {
		log.Warn("phi.mode off disables PHI detection entirely")
	}
	if c.Cache.RedisAddr == "" {
		log.Warn("cache.redis_addr not set; using in-process conversation cache (single-instance only)")
	}
}

// SlogLevel converts the configured level to a slog.Level.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasPrefix(host, "127.")
}
