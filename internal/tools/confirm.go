package tools

import (
	"context"
	"sync"
	"time"
)

// DefaultConfirmationTimeout bounds how long a call waits in
// awaiting_confirmation before it is cancelled.
const DefaultConfirmationTimeout = 60 * time.Second

// ConfirmationPublisher delivers a confirmation request to the user, typically
// as an event on the session's outgoing stream. The user's response comes back
// through [ConfirmationBroker.Resolve], correlated by call.ID.
type ConfirmationPublisher func(ctx context.Context, call Call)

// ConfirmationBroker matches pending confirmation waits with user responses.
// Each call id carries at most one single-shot signal.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewConfirmationBroker returns an empty broker.
func NewConfirmationBroker() *ConfirmationBroker {
	return &ConfirmationBroker{pending: make(map[string]chan bool)}
}

// register creates the single-shot signal for callID. The executor registers
// before publishing the confirmation request, so a response arriving straight
// after publication always finds its waiter.
func (b *ConfirmationBroker) register(callID string) chan bool {
	ch := make(chan bool, 1)
	b.mu.Lock()
	b.pending[callID] = ch
	b.mu.Unlock()
	return ch
}

// await blocks on a registered signal until the user responds, the timeout
// elapses, or ctx is cancelled. Returns (approved, ok): ok is false when no
// response arrived in time.
func (b *ConfirmationBroker) await(ctx context.Context, callID string, ch chan bool, timeout time.Duration) (bool, bool) {
	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved, true
	case <-timer.C:
		return false, false
	case <-ctx.Done():
		return false, false
	}
}

// wait registers a single-shot signal for callID and blocks until the user
// responds, the timeout elapses, or ctx is cancelled. Returns (approved, ok):
// ok is false when no response arrived in time.
func (b *ConfirmationBroker) wait(ctx context.Context, callID string, timeout time.Duration) (bool, bool) {
	return b.await(ctx, callID, b.register(callID), timeout)
}

// Resolve delivers the user's response for callID. Returns false when no call
// is waiting (already resolved, timed out, or unknown id).
func (b *ConfirmationBroker) Resolve(callID string, approved bool) bool {
	b.mu.Lock()
	ch, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- approved
	return true
}

// Pending reports whether callID is still awaiting a response.
func (b *ConfirmationBroker) Pending(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[callID]
	return ok
}
