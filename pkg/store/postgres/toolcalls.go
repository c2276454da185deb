package postgres

import (
	"context"
	"fmt"

	"github.com/halcyon-health/halcyon/pkg/store"
)

// SaveToolCall implements [store.ConversationStore]. It upserts the terminal
// record of a tool execution; a retried call replaces its earlier record.
func (s *Store) SaveToolCall(ctx context.Context, rec store.ToolCallRecord) error {
	const q = `
		INSERT INTO tool_calls
		    (id, session_id, user_id, trace_id, name, arguments, state, success,
		     result, error_kind, error_message, phi_involved, created_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		    state         = EXCLUDED.state,
		    success       = EXCLUDED.success,
		    result        = EXCLUDED.result,
		    error_kind    = EXCLUDED.error_kind,
		    error_message = EXCLUDED.error_message,
		    duration_ns   = EXCLUDED.duration_ns`

	args := rec.Arguments
	if args == "" {
		args = "{}"
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.UserID,
		rec.TraceID,
		rec.Name,
		args,
		rec.State,
		rec.Success,
		rec.Result,
		rec.ErrorKind,
		rec.ErrorMessage,
		rec.PHIInvolved,
		rec.CreatedAt,
		rec.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: save tool call %q: %w", rec.ID, err)
	}
	return nil
}
