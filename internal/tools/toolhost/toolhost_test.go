package toolhost

import (
	"context"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/halcyon-health/halcyon/internal/tools"
)

func TestRegisterServer_ConfigValidation(t *testing.T) {
	h := New(tools.NewRegistry())
	defer h.Close()

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"empty name", ServerConfig{Transport: TransportStdio, Command: "/bin/true"}},
		{"unknown transport", ServerConfig{Name: "s", Transport: "carrier-pigeon"}},
		{"stdio without command", ServerConfig{Name: "s", Transport: TransportStdio}},
		{"http without url", ServerConfig{Name: "s", Transport: TransportStreamableHTTP}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.RegisterServer(context.Background(), tt.cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}

func TestBuildDefinition_PolicyMapping(t *testing.T) {
	sdkTool := mcpsdk.Tool{
		Name:        "lookup_formulary",
		Description: "Look up the hospital formulary.",
	}

	t.Run("remote server is never PHI-capable", func(t *testing.T) {
		def := buildDefinition(sdkTool, ServerConfig{Name: "formulary"})
		if def.RequiresPHI {
			t.Error("remote MCP tool marked PHI-capable")
		}
		if def.RiskLevel != "medium" {
			t.Errorf("risk = %q, want medium default", def.RiskLevel)
		}
		if def.Category != "mcp:formulary" {
			t.Errorf("category = %q", def.Category)
		}
	})

	t.Run("local server may carry PHI", func(t *testing.T) {
		def := buildDefinition(sdkTool, ServerConfig{
			Name:                "ehr",
			Local:               true,
			RiskLevel:           "high",
			RequireConfirmation: true,
			RateLimitPerMinute:  5,
			TimeoutSeconds:      20,
		})
		if !def.RequiresPHI || !def.RequiresConfirmation {
			t.Errorf("definition = %+v", def)
		}
		if def.RiskLevel != "high" || def.RateLimitPerMinute != 5 || def.TimeoutSeconds != 20 {
			t.Errorf("policy fields not carried: %+v", def)
		}
	})
}

func TestSchemaToMap(t *testing.T) {
	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v, want object default", m)
	}
	in := map[string]any{"type": "object", "properties": map[string]any{}}
	if m := schemaToMap(in); m["type"] != "object" {
		t.Errorf("map schema = %v", m)
	}
	type schemaStruct struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(schemaStruct{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantExe  string
		wantArgs int
	}{
		{"/bin/foo --bar baz", "/bin/foo", 2},
		{"mcp-server", "mcp-server", 0},
		{"", "", 0},
		{"   ", "", 0},
	}
	for _, tt := range tests {
		exe, args := splitCommand(tt.in)
		if exe != tt.wantExe || len(args) != tt.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %d args)", tt.in, exe, len(args))
		}
	}
}

func TestRemoteTool_ServerGone(t *testing.T) {
	h := New(tools.NewRegistry())
	rt := &remoteTool{host: h, server: "gone"}
	if _, err := rt.Invoke(context.Background(), "{}"); err == nil {
		t.Error("expected error for a disconnected server")
	}
}
