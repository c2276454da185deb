package anyllm

import (
	"testing"

	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────────

// TestConvertMessage_Roles checks that role and content survive conversion.
func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role    string
		content string
	}{
		{"system", "You are a clinical assistant."},
		{"user", "What is the renal dosing for vancomycin?"},
		{"assistant", "Vancomycin dosing depends on creatinine clearance."},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := convertMessage(types.Message{Role: tt.role, Content: tt.content})
			if got.Role != tt.role {
				t.Errorf("role = %q, want %q", got.Role, tt.role)
			}
			if got.ContentString() != tt.content {
				t.Errorf("content = %q, want %q", got.ContentString(), tt.content)
			}
		})
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "drug_interactions", Arguments: `{"drugs":["warfarin"]}`},
		},
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "drug_interactions" {
		t.Errorf("tool call = %+v, want id call_1 / drug_interactions", tc)
	}
	if tc.Type != "function" {
		t.Errorf("tool call type = %q, want function", tc.Type)
	}
}

// TestConvertMessage_ToolResult checks tool-role message conversion.
func TestConvertMessage_ToolResult(t *testing.T) {
	m := types.Message{Role: "tool", Content: `{"severity":"major"}`, ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", got.ToolCallID)
	}
}

// ── constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "llama3"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("chatterbox", "llama3"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNewOllama(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	if p.ModelID() != "llama3" {
		t.Errorf("ModelID() = %q, want llama3", p.ModelID())
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "llama3"}
	req := llm.CompletionRequest{
		SystemPrompt: "You are a clinical assistant.",
		Messages:     []types.Message{{Role: "user", Content: "hello"}},
		Tools: []types.ToolDefinition{{
			Name:        "drug_interactions",
			Description: "Check for drug-drug interactions.",
			Parameters:  map[string]any{"type": "object"},
		}},
		Temperature: 0.2,
		MaxTokens:   512,
	}
	params := p.buildParams(req)

	if params.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", params.Model)
	}
	// System prompt must be prepended as a system-role message.
	if len(params.Messages) != 2 || params.Messages[0].Role != "system" {
		t.Fatalf("Messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Error("Temperature not propagated")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Error("MaxTokens not propagated")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name == "" {
		t.Errorf("Tools = %+v, want 1 function tool", params.Tools)
	}
}

// ── capabilities ──────────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
	}{
		{"llama3", 8_192},
		{"llama3.1:8b", 128_000},
		{"mistral-7b", 32_768},
		{"some-unknown-model", 8_192},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantContext {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantContext)
			}
		})
	}
}
