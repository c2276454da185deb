// Package postgres provides the PostgreSQL-backed implementation of
// [store.ConversationStore] and [store.KnowledgeBase].
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.AppendMessage(ctx, sessionID, msg, citations)
//	results, _ := st.SearchChunks(ctx, queryVec, 10)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL - sessions, messages, citations
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversation = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    clinical_context TEXT         NOT NULL DEFAULT '',
    preferences      JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE TABLE IF NOT EXISTS messages (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    tool_call_id TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created
    ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS citations (
    message_id     TEXT     NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
    idx            INT      NOT NULL,
    source_kind    TEXT     NOT NULL DEFAULT '',
    title          TEXT     NOT NULL DEFAULT '',
    url            TEXT     NOT NULL DEFAULT '',
    evidence_grade TEXT     NOT NULL DEFAULT '',
    PRIMARY KEY (message_id, idx)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Tool call + audit DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlToolsAudit = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id            TEXT         PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    user_id       TEXT         NOT NULL,
    trace_id      TEXT         NOT NULL DEFAULT '',
    name          TEXT         NOT NULL,
    arguments     JSONB        NOT NULL DEFAULT '{}',
    state         TEXT         NOT NULL,
    success       BOOLEAN      NOT NULL DEFAULT false,
    result        TEXT         NOT NULL DEFAULT '',
    error_kind    TEXT         NOT NULL DEFAULT '',
    error_message TEXT         NOT NULL DEFAULT '',
    phi_involved  BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns   BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_session
    ON tool_calls (session_id);

CREATE TABLE IF NOT EXISTS audit_events (
    id           TEXT         PRIMARY KEY,
    timestamp    TIMESTAMPTZ  NOT NULL,
    trace_id     TEXT         NOT NULL DEFAULT '',
    user_hash    TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    action       TEXT         NOT NULL,
    subject      TEXT         NOT NULL DEFAULT '',
    outcome      TEXT         NOT NULL,
    phi_involved BOOLEAN      NOT NULL DEFAULT false,
    detail       JSONB        NOT NULL DEFAULT '{}',
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp
    ON audit_events (timestamp);

CREATE INDEX IF NOT EXISTS idx_audit_events_session
    ON audit_events (session_id);

CREATE INDEX IF NOT EXISTS idx_audit_events_trace
    ON audit_events (trace_id);
`

// ddlKB returns the knowledge base DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlKB(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_chunks (
    id             TEXT         PRIMARY KEY,
    title          TEXT         NOT NULL DEFAULT '',
    content        TEXT         NOT NULL,
    url            TEXT         NOT NULL DEFAULT '',
    evidence_grade TEXT         NOT NULL DEFAULT '',
    embedding      vector(%d),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_embedding
    ON kb_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_fts
    ON kb_chunks USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversation,
		ddlToolsAudit,
		ddlKB(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
