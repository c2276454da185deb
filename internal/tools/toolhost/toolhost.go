// Package toolhost connects to external MCP servers via the official Go SDK
// and exposes their tool catalogues as [tools.Handler] implementations, so
// remote tools flow through the same validation, PHI routing, rate-limit, and
// confirmation pipeline as builtin tools.
//
// Remote MCP tools are never PHI-capable: protected health information may
// only reach local collaborators, and an MCP server's locality cannot be
// proven from its catalogue. Deployments that run an MCP server inside the
// trust boundary can mark it Local in its [ServerConfig].
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP speaks the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to import tools from.
type ServerConfig struct {
	// Name uniquely identifies the server.
	Name string

	// Transport selects stdio or streamable-http.
	Transport Transport

	// Command is the subprocess command line for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string

	// Local marks a server running inside the trust boundary. Only local
	// servers may host PHI-capable tools.
	Local bool

	// RiskLevel applies to every tool imported from this server.
	// Defaults to "medium".
	RiskLevel string

	// RequireConfirmation forces a confirmation round-trip for every tool
	// imported from this server.
	RequireConfirmation bool

	// RateLimitPerMinute caps per-user calls to each imported tool.
	RateLimitPerMinute int

	// TimeoutSeconds bounds each tool execution.
	TimeoutSeconds int
}

// serverConn is a live connection to an MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
	cfg     ServerConfig
}

// Host manages MCP server connections and registers their tools with a
// [tools.Registry].
type Host struct {
	mu       sync.Mutex
	servers  map[string]serverConn
	imported map[string]string // tool name → server name

	client   *mcpsdk.Client
	registry *tools.Registry
}

// New returns a Host that registers imported tools with registry.
func New(registry *tools.Registry) *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "halcyon-toolhost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		servers:  make(map[string]serverConn),
		imported: make(map[string]string),
		client:   client,
		registry: registry,
	}
}

// RegisterServer connects to the server described by cfg and imports its tool
// catalogue. Re-registering a name closes the old connection first.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolhost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolhost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolhost: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolhost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolhost: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for toolName, srv := range h.imported {
			if srv == cfg.Name {
				delete(h.imported, toolName)
			}
		}
	}
	h.servers[cfg.Name] = serverConn{session: session, cfg: cfg}

	for _, mcpTool := range discovered {
		handler := &remoteTool{
			host:   h,
			server: cfg.Name,
			def:    buildDefinition(mcpTool, cfg),
		}
		if err := h.registry.Register(handler); err != nil {
			return fmt.Errorf("toolhost: register tool %q from %q: %w", mcpTool.Name, cfg.Name, err)
		}
		h.imported[mcpTool.Name] = cfg.Name
	}
	return nil
}

// Imported returns the tool → server mapping of everything the host has
// registered.
func (h *Host) Imported() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.imported))
	for k, v := range h.imported {
		out[k] = v
	}
	return out
}

// Close shuts down all server connections. The Host must not be used after
// Close returns.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolhost: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	return firstErr
}

// buildDefinition converts an SDK tool into a [types.ToolDefinition], applying
// the server's policy fields.
func buildDefinition(t mcpsdk.Tool, cfg ServerConfig) types.ToolDefinition {
	risk := cfg.RiskLevel
	if risk == "" {
		risk = "medium"
	}
	return types.ToolDefinition{
		Name:                 t.Name,
		Description:          t.Description,
		Parameters:           schemaToMap(t.InputSchema),
		Category:             "mcp:" + cfg.Name,
		RequiresPHI:          cfg.Local,
		RequiresConfirmation: cfg.RequireConfirmation,
		RiskLevel:            risk,
		RateLimitPerMinute:   cfg.RateLimitPerMinute,
		TimeoutSeconds:       cfg.TimeoutSeconds,
		Idempotent:           false,
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		// A typed nil pointer marshals to JSON null and leaves m nil.
		return map[string]any{"type": "object"}
	}
	return m
}

// remoteTool adapts one imported MCP tool to [tools.Handler].
type remoteTool struct {
	host   *Host
	server string
	def    types.ToolDefinition
}

// Definition implements [tools.Handler].
func (r *remoteTool) Definition() types.ToolDefinition { return r.def }

// Invoke implements [tools.Handler]. It routes the call to the owning server
// session and concatenates the text content of the result.
func (r *remoteTool) Invoke(ctx context.Context, args string) (string, error) {
	r.host.mu.Lock()
	conn, ok := r.host.servers[r.server]
	r.host.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("toolhost: server %q not connected for tool %q", r.server, r.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("toolhost: invalid args JSON for tool %q: %w", r.def.Name, err)
		}
	}

	result, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      r.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("toolhost: call to tool %q failed: %w", r.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("toolhost: tool %q reported an error: %s", r.def.Name, sb.String())
	}
	return sb.String(), nil
}

var _ tools.Handler = (*remoteTool)(nil)

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
