package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// ErrQueueClosed is returned by [Queue.Push] and [Queue.Pop] after Close.
var ErrQueueClosed = errors.New("voice: audio queue closed")

// Queue is the bounded outbound audio queue between TTS and the client
// connection. Push blocks when the queue is full, which pauses synthesis and
// gives the pipeline its backpressure. A barge-in truncates whatever has not
// been delivered yet.
//
// The queue also tracks how many bytes of the current response the client has
// actually played, so a cancelled response can report its playback offset.
type Queue struct {
	ch         chan types.AudioChunk
	sampleRate int

	mu          sync.Mutex
	playedBytes int64
	closed      bool
}

// NewQueue builds a queue holding at most depth pending chunks. sampleRate is
// the PCM16 mono sample rate used to convert played bytes into a duration.
func NewQueue(depth, sampleRate int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{
		ch:         make(chan types.AudioChunk, depth),
		sampleRate: sampleRate,
	}
}

// Push enqueues chunk, blocking while the queue is full. It returns ctx's
// error if the context ends first.
func (q *Queue) Push(ctx context.Context, chunk types.AudioChunk) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next chunk, blocking until one is available.
func (q *Queue) Pop(ctx context.Context) (types.AudioChunk, error) {
	select {
	case chunk, ok := <-q.ch:
		if !ok {
			return types.AudioChunk{}, ErrQueueClosed
		}
		return chunk, nil
	case <-ctx.Done():
		return types.AudioChunk{}, ctx.Err()
	}
}

// Truncate drops every chunk that has not been popped yet and returns how
// many were dropped. Used on barge-in so stale speech never reaches the
// client after a cancellation.
func (q *Queue) Truncate() int {
	dropped := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return dropped
			}
			dropped++
		default:
			return dropped
		}
	}
}

// MarkPlayed records that n more bytes of the current response were delivered
// for playback.
func (q *Queue) MarkPlayed(n int) {
	q.mu.Lock()
	q.playedBytes += int64(n)
	q.mu.Unlock()
}

// ResetPlayback zeroes the played-byte counter at the start of a response.
func (q *Queue) ResetPlayback() {
	q.mu.Lock()
	q.playedBytes = 0
	q.mu.Unlock()
}

// PlaybackOffset returns how far into the current response playback had
// progressed, derived from played bytes at the configured PCM16 mono rate.
func (q *Queue) PlaybackOffset() time.Duration {
	q.mu.Lock()
	bytes := q.playedBytes
	q.mu.Unlock()
	if q.sampleRate <= 0 {
		return 0
	}
	samples := bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(q.sampleRate)
}

// Close marks the queue closed. Pending chunks remain poppable; further
// pushes fail with [ErrQueueClosed].
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
	}
}
