// Package audit implements the asynchronous audit logger: non-blocking event
// submission, background batching into the persistent store, salted user-id
// hashing, and PHI redaction of payloads before anything is persisted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second

	// maxPending caps how many records are held across store outages before
	// the oldest are dropped (with an error log).
	maxPending = 8192
)

// Event is one auditable action. Detail values must already be free of raw
// PHI; use [Redact] on any text that may contain detected entities.
type Event struct {
	TraceID   string
	UserID    string // raw; hashed before persistence
	SessionID string

	// Action is the event kind (e.g., "query.completed", "tool.executed").
	Action string

	// Subject identifies what was acted on (message id, tool-call id).
	Subject string

	// Outcome is "success", "failure", "cancelled", or "denied".
	Outcome string

	PHIInvolved bool
	Detail      map[string]any
	Duration    time.Duration
}

// Logger is the asynchronous audit sink.
type Logger struct {
	store store.ConversationStore
	salt  string

	events        chan store.AuditRecord
	batchSize     int
	flushInterval time.Duration

	dropped uint64 // guarded by mu
	mu      sync.Mutex

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a [Logger].
type Option func(*Logger)

// WithQueueSize overrides the submission queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.events = make(chan store.AuditRecord, n)
		}
	}
}

// WithBatchSize overrides how many records are written per store call.
func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// New builds a [Logger] and starts its background writer. salt is mixed into
// user-id hashes so records cannot be joined against other deployments.
func New(st store.ConversationStore, salt string, opts ...Option) *Logger {
	l := &Logger{
		store:         st,
		salt:          salt,
		events:        make(chan store.AuditRecord, defaultQueueSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Log submits an event. Never blocks: when the queue is full the event is
// dropped and counted, which trades completeness for never stalling the
// request path.
func (l *Logger) Log(e Event) {
	rec := l.toRecord(e)
	select {
	case l.events <- rec:
	default:
		l.mu.Lock()
		l.dropped++
		n := l.dropped
		l.mu.Unlock()
		slog.Error("audit queue full, event dropped",
			"action", e.Action, "total_dropped", n)
	}
}

// Dropped returns how many events have been discarded due to a full queue.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops the background writer after flushing everything already
// queued. ctx bounds the final flush.
func (l *Logger) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the background writer: it accumulates records and flushes them when
// the batch fills or the interval elapses. Failed batches are kept and
// retried on the next flush (at-least-once), bounded by maxPending.
func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var pending []store.AuditRecord
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.store.AppendAuditRecords(ctx, pending)
		cancel()
		if err != nil {
			slog.Error("audit flush failed, retrying next interval",
				"records", len(pending), "err", err)
			if over := len(pending) - maxPending; over > 0 {
				slog.Error("audit backlog overflow, dropping oldest records",
					"dropped", over)
				pending = pending[over:]
			}
			return
		}
		pending = pending[:0]
	}

	for {
		select {
		case rec := <-l.events:
			pending = append(pending, rec)
			if len(pending) >= l.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.stop:
			// Drain whatever was queued before the stop.
			for {
				select {
				case rec := <-l.events:
					pending = append(pending, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) toRecord(e Event) store.AuditRecord {
	detail := "{}"
	if len(e.Detail) > 0 {
		if data, err := json.Marshal(e.Detail); err == nil {
			detail = string(data)
		}
	}
	return store.AuditRecord{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		TraceID:     e.TraceID,
		UserHash:    l.HashUser(e.UserID),
		SessionID:   e.SessionID,
		Action:      e.Action,
		Subject:     e.Subject,
		Outcome:     e.Outcome,
		PHIInvolved: e.PHIInvolved,
		Detail:      detail,
		Duration:    e.Duration,
	}
}

// HashUser returns the salted hash persisted in place of a raw user id.
func (l *Logger) HashUser(userID string) string {
	if userID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(l.salt + ":" + userID))
	return hex.EncodeToString(sum[:16])
}

// Redact replaces every detected PHI span in text with its kind marker
// ("[PERSON_NAME]", "[MRN]", ...). Entities must carry valid, non-overlapping
// [Start, End) offsets as produced by the detector; the full text is never
// persisted alongside the redaction.
func Redact(text string, entities []types.PHIEntity) string {
	if len(entities) == 0 {
		return text
	}

	var sb []byte
	last := 0
	for _, ent := range entities {
		if ent.Start < last || ent.End > len(text) || ent.Start > ent.End {
			continue // overlapping or out-of-range span
		}
		sb = append(sb, text[last:ent.Start]...)
		sb = append(sb, '[')
		sb = append(sb, kindMarker(ent.Kind)...)
		sb = append(sb, ']')
		last = ent.End
	}
	sb = append(sb, text[last:]...)
	return string(sb)
}

func kindMarker(kind types.PHIEntityKind) string {
	marker := make([]byte, 0, len(kind))
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		marker = append(marker, c)
	}
	return string(marker)
}
