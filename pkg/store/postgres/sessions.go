package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/halcyon-health/halcyon/pkg/store"
)

// CreateSession implements [store.ConversationStore].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	prefs, err := json.Marshal(sess.Preferences)
	if err != nil {
		return fmt.Errorf("postgres store: marshal preferences: %w", err)
	}

	const q = `
		INSERT INTO sessions (id, user_id, clinical_context, preferences, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, q,
		sess.ID,
		sess.UserID,
		sess.ClinicalContext,
		prefs,
		sess.CreatedAt,
		sess.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.ConversationStore]. Returns [store.ErrNotFound]
// when no session with the given id exists.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `
		SELECT id, user_id, clinical_context, preferences, created_at, last_activity_at
		FROM   sessions
		WHERE  id = $1`

	var (
		sess  store.Session
		prefs []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.ClinicalContext,
		&prefs,
		&sess.CreatedAt,
		&sess.LastActivityAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, fmt.Errorf("postgres store: get session %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session %q: %w", id, err)
	}
	if err := json.Unmarshal(prefs, &sess.Preferences); err != nil {
		return store.Session{}, fmt.Errorf("postgres store: unmarshal preferences: %w", err)
	}
	return sess, nil
}

// UpdateSession implements [store.ConversationStore]. Returns
// [store.ErrNotFound] when the session does not exist.
func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	prefs, err := json.Marshal(sess.Preferences)
	if err != nil {
		return fmt.Errorf("postgres store: marshal preferences: %w", err)
	}

	const q = `
		UPDATE sessions
		SET    clinical_context = $2,
		       preferences      = $3,
		       last_activity_at = $4
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sess.ID, sess.ClinicalContext, prefs, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("postgres store: update session %q: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: update session %q: %w", sess.ID, store.ErrNotFound)
	}
	return nil
}
