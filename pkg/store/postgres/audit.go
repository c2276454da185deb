package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/halcyon-health/halcyon/pkg/store"
)

// AppendAuditRecords implements [store.ConversationStore]. Batches are written
// with COPY for throughput; the audit logger flushes every few hundred
// milliseconds under load.
//
// The audit trail is at-least-once: on failure the caller retries the whole
// batch, and duplicate ids are tolerated by readers.
func (s *Store) AppendAuditRecords(ctx context.Context, recs []store.AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		detail := r.Detail
		if detail == "" {
			detail = "{}"
		}
		rows = append(rows, []any{
			r.ID,
			r.Timestamp,
			r.TraceID,
			r.UserHash,
			r.SessionID,
			r.Action,
			r.Subject,
			r.Outcome,
			r.PHIInvolved,
			detail,
			r.Duration.Nanoseconds(),
		})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"audit_events"},
		[]string{"id", "timestamp", "trace_id", "user_hash", "session_id",
			"action", "subject", "outcome", "phi_involved", "detail", "duration_ns"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres store: append audit records: %w", err)
	}
	return nil
}
