// Package store defines the persistence interfaces for sessions, messages,
// tool calls, audit events, and the internal knowledge base.
//
// The orchestrator depends only on these interfaces; the schema is owned by
// the backend. The production backend is PostgreSQL (see the postgres
// subpackage); the mock subpackage provides in-memory doubles for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Preferences is a user's per-session preference snapshot. It influences
// source selection and voice output.
type Preferences struct {
	// PreferredSources are moved to the front of the selected source order.
	PreferredSources []string `json:"preferred_sources,omitempty"`

	// ExcludedSources are removed from selection entirely.
	ExcludedSources []string `json:"excluded_sources,omitempty"`

	// VoiceID selects the TTS voice for voice sessions.
	VoiceID string `json:"voice_id,omitempty"`

	// Language is a BCP-47 tag for STT/TTS.
	Language string `json:"language,omitempty"`
}

// Session is the persistent record of a conversation session.
type Session struct {
	// ID is the session identifier (UUID).
	ID string

	// UserID identifies the clinician who owns the session.
	UserID string

	// ClinicalContext is optional pinned context (e.g., a case description)
	// included in every prompt for the session.
	ClinicalContext string

	// Preferences is the user's preference snapshot.
	Preferences Preferences

	// CreatedAt and LastActivityAt bound the session's lifecycle. Sessions
	// expire from the cache after an idle interval but persist here until
	// deleted by retention policy.
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ToolCallRecord is the persistent record of one tool execution, linked to its
// result. Arguments are stored redacted: PHI spans are replaced by kind
// markers before persistence.
type ToolCallRecord struct {
	ID        string
	SessionID string
	UserID    string
	TraceID   string
	Name      string

	// Arguments is the redacted JSON argument payload.
	Arguments string

	// State is the terminal state: completed, failed, cancelled, or timeout.
	State string

	// Success reports whether execution produced a usable result.
	Success bool

	// Result is the JSON result payload; empty on failure.
	Result string

	// ErrorKind and ErrorMessage describe the failure, if any.
	ErrorKind    string
	ErrorMessage string

	// PHIInvolved reports whether PHI was present in the call.
	PHIInvolved bool

	CreatedAt time.Time
	Duration  time.Duration
}

// AuditRecord is one tamper-evident audit trail entry. User identifiers are
// hashed and payloads redacted before the record reaches the store.
type AuditRecord struct {
	ID        string
	Timestamp time.Time
	TraceID   string

	// UserHash is the salted hash of the acting user's identifier.
	UserHash string

	SessionID string

	// Action is the event kind (e.g., "query.completed", "tool.executed").
	Action string

	// Subject identifies what was acted on (message id, tool-call id).
	Subject string

	// Outcome is "success", "failure", "cancelled", or "denied".
	Outcome string

	// PHIInvolved reports whether the underlying payload contained PHI.
	PHIInvolved bool

	// Detail is a redacted JSON payload with event-specific fields.
	Detail string

	Duration time.Duration
}

// ConversationStore is the persistence interface the orchestrator depends on.
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s Session) error

	// GetSession returns the session with the given id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (Session, error)

	// UpdateSession replaces the session's mutable fields (clinical context,
	// preferences, last activity).
	UpdateSession(ctx context.Context, s Session) error

	// AppendMessage appends a message to the session's history, together with
	// its citations when the message is an assistant response.
	AppendMessage(ctx context.Context, sessionID string, msg types.Message, citations []types.Citation) error

	// RecentMessages returns the most recent limit messages for the session
	// in chronological order (oldest first).
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error)

	// SaveToolCall upserts a tool call's terminal record.
	SaveToolCall(ctx context.Context, rec ToolCallRecord) error

	// AppendAuditRecords persists a batch of audit records. At-least-once:
	// callers may retry the whole batch on failure.
	AppendAuditRecords(ctx context.Context, recs []AuditRecord) error
}

// Chunk is one pre-embedded passage in the internal knowledge base.
type Chunk struct {
	// ID uniquely identifies the chunk (document id + offset).
	ID string

	// Title is the source document title.
	Title string

	// Content is the passage text.
	Content string

	// URL is an internal pointer to the full document.
	URL string

	// EvidenceGrade is optional evidence metadata (e.g., "A", "IIb").
	EvidenceGrade string

	// Embedding is the dense vector for semantic search. Its dimension must
	// match the store's configured embedding dimension.
	Embedding []float32

	UpdatedAt time.Time
}

// ChunkResult is a Chunk with its cosine distance to the query vector.
type ChunkResult struct {
	Chunk

	// Distance is the cosine distance; lower is more similar.
	Distance float64
}

// KnowledgeBase is the internal KB's semantic search interface, backed by a
// vector index.
type KnowledgeBase interface {
	// IndexChunk upserts a pre-embedded chunk.
	IndexChunk(ctx context.Context, chunk Chunk) error

	// SearchChunks returns the topK chunks closest to the query embedding,
	// most similar first.
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]ChunkResult, error)
}
