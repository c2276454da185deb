package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// recordEmitter captures everything the responder pushes at the voice
// pipeline: text fragments and tool lifecycle events, in arrival order.
type recordEmitter struct {
	mu     sync.Mutex
	texts  []string
	events []string
}

func (e *recordEmitter) Text(fragment string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, fragment)
	return nil
}

func (e *recordEmitter) ToolStarted(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "start:"+name)
}

func (e *recordEmitter) ToolFinished(name string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf("finish:%s:%t", name, success))
}

func (e *recordEmitter) spoken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.texts, "")
}

// stubRunner answers every tool call with a fixed payload.
type stubRunner struct {
	mu    sync.Mutex
	calls []tools.Request
}

func (r *stubRunner) Execute(_ context.Context, req tools.Request) tools.Result {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return tools.Result{CallID: "tc-1", Name: req.Name, Success: true, Content: `{"interactions":[]}`}
}

func (r *stubRunner) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{
		Name:        "drug_interactions",
		Description: "Check for known interactions between two drugs.",
		Category:    "clinical_reference",
	}}
}

func TestVoiceResponder_StreamsAnswerText(t *testing.T) {
	env := newTestEnv(t)
	em := &recordEmitter{}

	responder := env.orch.VoiceResponder("s1", "u1")
	if err := responder.Respond(context.Background(), "first-line therapy for type 2 diabetes", em); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := em.spoken(); got != "Start metformin 500 mg twice daily. [1]" {
		t.Errorf("spoken = %q", got)
	}
	// The exchange persists exactly like a typed query.
	if msgs := env.st.Messages["s1"]; len(msgs) != 2 {
		t.Errorf("persisted messages = %d, want 2", len(msgs))
	}
}

func TestVoiceResponder_SpeaksClarification(t *testing.T) {
	env := newTestEnv(t)
	em := &recordEmitter{}

	responder := env.orch.VoiceResponder("s1", "u1")
	if err := responder.Respond(context.Background(), "best treatment for diabetes", em); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	// Clarifications never stream; the assembled question is spoken whole.
	if len(em.texts) != 1 || !strings.Contains(em.texts[0], "type 1") {
		t.Errorf("spoken = %v, want the clarification question", em.texts)
	}
}

func TestVoiceResponder_SurfacesToolLifecycle(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{}
	env.orch.deps.Tools = runner
	env.cloud.ModelCapabilities = types.ModelCapabilities{SupportsToolCalling: true}

	// Round one requests a tool, round two answers with its result.
	var round int
	env.cloud.StreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 2)
		round++
		if round == 1 {
			ch <- llm.Chunk{
				ToolCalls:    []types.ToolCall{{ID: "tc-1", Name: "drug_interactions", Arguments: `{"drugs":["warfarin","acetaminophen"]}`}},
				FinishReason: "tool_calls",
			}
		} else {
			ch <- llm.Chunk{Text: "No major interaction is documented. [1]"}
			ch <- llm.Chunk{FinishReason: "stop"}
		}
		close(ch)
		return ch, nil
	}

	em := &recordEmitter{}
	responder := env.orch.VoiceResponder("s1", "u1")
	if err := responder.Respond(context.Background(), "check warfarin against acetaminophen", em); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(runner.calls) != 1 || runner.calls[0].Name != "drug_interactions" {
		t.Fatalf("tool calls = %+v", runner.calls)
	}
	if runner.calls[0].SessionID != "s1" || runner.calls[0].UserID != "u1" {
		t.Errorf("tool request identity = %+v", runner.calls[0])
	}
	want := []string{"start:drug_interactions", "finish:drug_interactions:true"}
	if len(em.events) != len(want) || em.events[0] != want[0] || em.events[1] != want[1] {
		t.Errorf("tool events = %v, want %v", em.events, want)
	}
	if got := em.spoken(); !strings.Contains(got, "No major interaction") {
		t.Errorf("spoken = %q", got)
	}
}
