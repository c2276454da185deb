// Package mock provides in-memory test doubles for the store interfaces.
//
// Store keeps everything in maps and slices guarded by a mutex, making it a
// functional stand-in for the postgres backend in unit tests. Error fields
// allow failure injection per operation.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Store is a mock implementation of [store.ConversationStore] and
// [store.KnowledgeBase].
type Store struct {
	mu sync.Mutex

	// --- Failure injection ---

	// CreateSessionErr, GetSessionErr, UpdateSessionErr, AppendMessageErr,
	// RecentMessagesErr, SaveToolCallErr, AppendAuditErr, SearchChunksErr
	// are returned by the corresponding methods when non-nil.
	CreateSessionErr  error
	GetSessionErr     error
	UpdateSessionErr  error
	AppendMessageErr  error
	RecentMessagesErr error
	SaveToolCallErr   error
	AppendAuditErr    error
	IndexChunkErr     error
	SearchChunksErr   error

	// GetSessionFunc, if non-nil, overrides GetSession entirely. Useful for
	// simulating slow loads or counting store round-trips.
	GetSessionFunc func(ctx context.Context, id string) (store.Session, error)

	// SearchChunksResult is returned by SearchChunks when set; otherwise the
	// indexed chunks are returned in insertion order with distance 0.
	SearchChunksResult []store.ChunkResult

	// --- State ---

	Sessions  map[string]store.Session
	Messages  map[string][]types.Message  // keyed by session id
	Citations map[string][]types.Citation // keyed by message id
	ToolCalls map[string]store.ToolCallRecord
	AuditRecs []store.AuditRecord
	Chunks    []store.Chunk
}

// New returns an empty mock Store.
func New() *Store {
	return &Store{
		Sessions:  make(map[string]store.Session),
		Messages:  make(map[string][]types.Message),
		Citations: make(map[string][]types.Citation),
		ToolCalls: make(map[string]store.ToolCallRecord),
	}
}

// CreateSession implements store.ConversationStore.
func (s *Store) CreateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateSessionErr != nil {
		return s.CreateSessionErr
	}
	s.Sessions[sess.ID] = sess
	return nil
}

// GetSession implements store.ConversationStore.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	s.mu.Lock()
	fn := s.GetSessionFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetSessionErr != nil {
		return store.Session{}, s.GetSessionErr
	}
	sess, ok := s.Sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// UpdateSession implements store.ConversationStore.
func (s *Store) UpdateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateSessionErr != nil {
		return s.UpdateSessionErr
	}
	if _, ok := s.Sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	s.Sessions[sess.ID] = sess
	return nil
}

// AppendMessage implements store.ConversationStore.
func (s *Store) AppendMessage(_ context.Context, sessionID string, msg types.Message, citations []types.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendMessageErr != nil {
		return s.AppendMessageErr
	}
	s.Messages[sessionID] = append(s.Messages[sessionID], msg)
	if len(citations) > 0 {
		s.Citations[msg.ID] = append([]types.Citation(nil), citations...)
	}
	return nil
}

// RecentMessages implements store.ConversationStore.
func (s *Store) RecentMessages(_ context.Context, sessionID string, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentMessagesErr != nil {
		return nil, s.RecentMessagesErr
	}
	msgs := append([]types.Message(nil), s.Messages[sessionID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SaveToolCall implements store.ConversationStore.
func (s *Store) SaveToolCall(_ context.Context, rec store.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveToolCallErr != nil {
		return s.SaveToolCallErr
	}
	s.ToolCalls[rec.ID] = rec
	return nil
}

// AppendAuditRecords implements store.ConversationStore.
func (s *Store) AppendAuditRecords(_ context.Context, recs []store.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendAuditErr != nil {
		return s.AppendAuditErr
	}
	s.AuditRecs = append(s.AuditRecs, recs...)
	return nil
}

// IndexChunk implements store.KnowledgeBase.
func (s *Store) IndexChunk(_ context.Context, chunk store.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IndexChunkErr != nil {
		return s.IndexChunkErr
	}
	for i, c := range s.Chunks {
		if c.ID == chunk.ID {
			s.Chunks[i] = chunk
			return nil
		}
	}
	s.Chunks = append(s.Chunks, chunk)
	return nil
}

// SearchChunks implements store.KnowledgeBase.
func (s *Store) SearchChunks(_ context.Context, _ []float32, topK int) ([]store.ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchChunksErr != nil {
		return nil, s.SearchChunksErr
	}
	if s.SearchChunksResult != nil {
		return s.SearchChunksResult, nil
	}
	out := make([]store.ChunkResult, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		out = append(out, store.ChunkResult{Chunk: c})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// AuditRecords returns a copy of the appended audit records. Thread-safe.
func (s *Store) AuditRecords() []store.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditRecord, len(s.AuditRecs))
	copy(out, s.AuditRecs)
	return out
}

// Compile-time interface checks.
var (
	_ store.ConversationStore = (*Store)(nil)
	_ store.KnowledgeBase     = (*Store)(nil)
)
