// Package mock provides a test double for the vad.Engine interface.
//
// Engine hands out whatever SessionHandle the test injects, so detection
// scripts stay next to the tests that need them. The zero value returns a
// session that reports silence for every frame.
package mock

import (
	"sync"

	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a silent session is
	// returned instead.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned by every NewSession call.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns the injected session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return silentSession{}, nil
}

// silentSession classifies every frame as silence.
type silentSession struct{}

func (silentSession) ProcessFrame([]byte) (types.VADEvent, error) {
	return types.VADEvent{Type: types.VADSilence}, nil
}

func (silentSession) Reset() {}

func (silentSession) Close() error { return nil }
