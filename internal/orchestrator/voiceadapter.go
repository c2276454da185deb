package orchestrator

import (
	"context"

	"github.com/halcyon-health/halcyon/internal/answer"
	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/internal/voice"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// VoiceResponder binds the orchestrator to one voice session, satisfying
// [voice.Responder]. Voice turns run the same lifecycle as text queries; tool
// activity is surfaced to the pipeline so its state machine can report
// tool_calling, and clarification or degraded answers are spoken since they
// produce no streamed chunks.
func (o *Orchestrator) VoiceResponder(sessionID, userID string) voice.Responder {
	return &voiceResponder{o: o, sessionID: sessionID, userID: userID}
}

type voiceResponder struct {
	o         *Orchestrator
	sessionID string
	userID    string
}

var _ voice.Responder = (*voiceResponder)(nil)

func (v *voiceResponder) Respond(ctx context.Context, transcript string, out voice.Emitter) error {
	runner := v.o.deps.Tools
	if runner != nil {
		runner = &notifyingRunner{inner: runner, out: out}
	}

	emitted := false
	resp, err := v.o.handle(ctx, Request{
		SessionID: v.sessionID,
		UserID:    v.userID,
		Query:     transcript,
	}, func(c answer.Chunk) error {
		emitted = true
		return out.Text(c.Text)
	}, runner)
	if err != nil {
		return err
	}

	// Clarifications and degraded answers are assembled without streaming.
	if !emitted && resp.Answer != "" {
		return out.Text(resp.Answer)
	}
	return nil
}

// notifyingRunner reports tool lifecycle events to the voice pipeline while
// delegating execution.
type notifyingRunner struct {
	inner answer.ToolRunner
	out   voice.Emitter
}

func (n *notifyingRunner) Execute(ctx context.Context, req tools.Request) tools.Result {
	n.out.ToolStarted(req.Name)
	res := n.inner.Execute(ctx, req)
	n.out.ToolFinished(req.Name, res.Success)
	return res
}

func (n *notifyingRunner) Definitions() []types.ToolDefinition {
	return n.inner.Definitions()
}
