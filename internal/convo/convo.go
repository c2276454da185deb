// Package convo is the conversation-context layer: a write-through cache in
// front of the persistent store, with single-flight loads so concurrent
// requests for the same session share one store round-trip, and a FIFO cap on
// the in-context history.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/halcyon-health/halcyon/pkg/cache"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	// DefaultTTL is how long a cached context lives without being refreshed.
	DefaultTTL = 30 * time.Minute

	// DefaultHistoryLimit caps the in-context message history. Older messages
	// stay in the store but drop out of the working context FIFO.
	DefaultHistoryLimit = 10
)

// Context is the per-session working state the orchestrator consumes.
type Context struct {
	// Session carries identity, pinned clinical context, and preferences.
	Session store.Session `json:"session"`

	// Messages is the trailing history in chronological order, capped.
	Messages []types.Message `json:"messages"`
}

// Manager implements the write-through conversation context store.
type Manager struct {
	cache        cache.Cache
	store        store.ConversationStore
	ttl          time.Duration
	historyLimit int

	loads singleflight.Group

	// mu guards locks; each session gets its own mutex so writers to
	// different sessions never contend.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTTL overrides the cache TTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithHistoryLimit overrides the in-context history cap.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// NewManager builds a [Manager] over the given cache and store.
func NewManager(c cache.Cache, s store.ConversationStore, opts ...Option) *Manager {
	m := &Manager{
		cache:        c,
		store:        s,
		ttl:          DefaultTTL,
		historyLimit: DefaultHistoryLimit,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the working context for sessionID, loading it from the store on
// a cache miss. Concurrent misses for the same session share a single load.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Context, error) {
	if cached, err := m.cache.Get(ctx, cacheKey(sessionID)); err == nil {
		var cc Context
		if err := json.Unmarshal(cached, &cc); err == nil {
			return &cc, nil
		}
		// Corrupt entry: fall through to a fresh load.
		slog.Warn("dropping corrupt cached context", "session_id", sessionID)
		_ = m.cache.Delete(ctx, cacheKey(sessionID))
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("context cache read failed", "session_id", sessionID, "err", err)
	}

	v, err, _ := m.loads.Do(sessionID, func() (any, error) {
		return m.load(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// load reads the session row and trailing history from the store and primes
// the cache.
func (m *Manager) load(ctx context.Context, sessionID string) (*Context, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("convo: load session: %w", err)
	}
	msgs, err := m.store.RecentMessages(ctx, sessionID, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("convo: load history: %w", err)
	}

	cc := &Context{Session: sess, Messages: msgs}
	m.prime(ctx, cc)
	return cc, nil
}

// CreateSession persists a new session and primes its (empty) context.
func (m *Manager) CreateSession(ctx context.Context, sess store.Session) (*Context, error) {
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("convo: create session: %w", err)
	}
	cc := &Context{Session: sess}
	m.prime(ctx, cc)
	return cc, nil
}

// UpdateSession writes the session's mutable fields through to the store and
// refreshes the cached context.
func (m *Manager) UpdateSession(ctx context.Context, sess store.Session) error {
	unlock := m.lockSession(sess.ID)
	defer unlock()

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("convo: update session: %w", err)
	}

	cc, err := m.Get(ctx, sess.ID)
	if err != nil {
		// Store write succeeded; the next Get reloads.
		_ = m.cache.Delete(ctx, cacheKey(sess.ID))
		return nil
	}
	cc.Session = sess
	m.prime(ctx, cc)
	return nil
}

// AppendMessage persists msg (with its citations) and updates the cached
// context, dropping the oldest message once the history cap is reached.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg types.Message, citations []types.Citation) error {
	unlock := m.lockSession(sessionID)
	defer unlock()

	// Snapshot the context before the write: a post-write load would already
	// contain msg and appending it again would duplicate it.
	cc, ccErr := m.Get(ctx, sessionID)

	if err := m.store.AppendMessage(ctx, sessionID, msg, citations); err != nil {
		return fmt.Errorf("convo: append message: %w", err)
	}

	if ccErr != nil {
		// Persisted but no context to update: the next Get reloads.
		_ = m.cache.Delete(ctx, cacheKey(sessionID))
		return nil
	}

	cc.Messages = append(cc.Messages, msg)
	if excess := len(cc.Messages) - m.historyLimit; excess > 0 {
		cc.Messages = append([]types.Message(nil), cc.Messages[excess:]...)
	}
	cc.Session.LastActivityAt = msg.CreatedAt
	m.prime(ctx, cc)
	return nil
}

// Invalidate drops the cached context for sessionID.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) {
	_ = m.cache.Delete(ctx, cacheKey(sessionID))
}

// prime writes cc to the cache. Cache failures are logged, never fatal: the
// store remains the source of truth.
func (m *Manager) prime(ctx context.Context, cc *Context) {
	data, err := json.Marshal(cc)
	if err != nil {
		slog.Warn("context marshal failed", "session_id", cc.Session.ID, "err", err)
		return
	}
	if err := m.cache.Set(ctx, cacheKey(cc.Session.ID), data, m.ttl); err != nil {
		slog.Warn("context cache write failed", "session_id", cc.Session.ID, "err", err)
	}
}

// lockSession acquires the per-session write lock.
func (m *Manager) lockSession(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func cacheKey(sessionID string) string { return "convo:" + sessionID }
