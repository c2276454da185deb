package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// AppendMessage implements [store.ConversationStore]. The message and its
// citations are written in one transaction so an assistant message can never
// be persisted without the citations it references.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg types.Message, citations []types.Citation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: append message: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertMsg = `
		INSERT INTO messages (id, session_id, role, content, tool_call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.Exec(ctx, insertMsg,
		msg.ID,
		sessionID,
		msg.Role,
		msg.Content,
		msg.ToolCallID,
		msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}

	if len(citations) > 0 {
		rows := make([][]any, 0, len(citations))
		for _, c := range citations {
			rows = append(rows, []any{msg.ID, c.Index, c.SourceKind, c.Title, c.URL, c.EvidenceGrade})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"citations"},
			[]string{"message_id", "idx", "source_kind", "title", "url", "evidence_grade"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres store: append citations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: append message: commit: %w", err)
	}
	return nil
}

// RecentMessages implements [store.ConversationStore]. It selects the most
// recent limit messages by descending timestamp, then reverses them so the
// caller receives chronological order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	const q = `
		SELECT id, role, content, tool_call_id, created_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		if err := row.Scan(&m.ID, &m.Role, &m.Content, &m.ToolCallID, &m.CreatedAt); err != nil {
			return types.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}
