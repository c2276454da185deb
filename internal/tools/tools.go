// Package tools implements the tool execution pipeline: a registry of
// schema-validated tool handlers, the per-call state machine
// (received → validated → authorized → rate_checked → awaiting_confirmation →
// executing → terminal), a sliding-window rate limiter, and the confirmation
// broker that correlates user approvals with pending tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// State is one step of the tool-call lifecycle.
type State string

const (
	StateReceived             State = "received"
	StateValidated            State = "validated"
	StateAuthorized           State = "authorized"
	StateRateChecked          State = "rate_checked"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
	StateTimeout              State = "timeout"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Call is one tracked tool invocation.
type Call struct {
	// ID is the unique tool-call identifier. Confirmation responses are
	// correlated by this id.
	ID string

	// Name is the registered tool name.
	Name string

	// Arguments is the raw JSON argument payload as received.
	Arguments string

	// UserID and SessionID identify the caller.
	UserID    string
	SessionID string

	// TraceID is the per-request trace identifier.
	TraceID string

	// State is the current lifecycle state.
	State State

	// PHIInvolved reports whether PHI was detected in the arguments.
	PHIInvolved bool

	// CreatedAt is when the call was received; UpdatedAt tracks the last
	// state transition.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is the outcome of a tool call.
type Result struct {
	// CallID references the originating [Call].
	CallID string

	// Name is the tool name, repeated for convenience.
	Name string

	// Success reports whether execution produced a usable payload.
	Success bool

	// Content is the JSON result payload; empty on failure.
	Content string

	// ErrorKind and ErrorMessage describe the failure. ErrorKind is one of
	// the boundary error codes (VALIDATION_ERROR, PERMISSION_DENIED,
	// PHI_VIOLATION, RATE_LIMIT_EXCEEDED, TOOL_TIMEOUT, TOOL_INTERNAL_ERROR)
	// or empty on success.
	ErrorKind    string
	ErrorMessage string

	// State is the terminal state the call ended in.
	State State

	// Duration covers the executing phase only.
	Duration time.Duration
}

// Handler executes a registered tool. Implementations must be safe for
// concurrent use.
type Handler interface {
	// Definition describes the tool, including its argument schema.
	Definition() types.ToolDefinition

	// Invoke runs the tool with a validated JSON argument payload and
	// returns a JSON result payload.
	Invoke(ctx context.Context, args string) (string, error)
}

// Registry holds the registered tool handlers, keyed by tool name. Argument
// schemas are compiled once at registration time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds h to the registry, compiling its argument schema. A handler
// with the same name replaces the previous registration.
func (r *Registry) Register(h Handler) error {
	def := h.Definition()
	if def.Name == "" {
		return fmt.Errorf("tools: handler has no name")
	}

	var schema *jsonschema.Schema
	if def.Parameters != nil {
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("tools: schema for %q: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = h
	if schema != nil {
		r.schemas[def.Name] = schema
	} else {
		delete(r.schemas, def.Name)
	}
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Definitions returns every registered tool definition, sorted by name, for
// inclusion in LLM prompts.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.handlers))
	for _, h := range r.handlers {
		defs = append(defs, h.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateArgs checks rawArgs against the tool's compiled schema. A tool
// registered without a schema accepts any JSON object.
func (r *Registry) ValidateArgs(name, rawArgs string) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if rawArgs == "" {
		rawArgs = "{}"
	}
	var payload any
	if err := json.Unmarshal([]byte(rawArgs), &payload); err != nil {
		return fmt.Errorf("tools: arguments are not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("tools: arguments rejected by schema: %w", err)
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the document contains only the plain
	// map/slice/scalar shapes the compiler expects.
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}
