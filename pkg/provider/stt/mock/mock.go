// Package mock provides test doubles for the stt interfaces.
//
// Session exposes its transcript channels directly so tests can script
// recognition results: send Transcript values on PartialsCh or FinalsCh to
// drive the consumer, then close both to end the stream.
package mock

import (
	"context"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, StartStream returns a
	// fresh Session with buffered channels, for tests that only need a
	// working stream and never inspect it.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned by every StartStream call.
	StartStreamErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// StartStream records cfg and returns Session or StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}, nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. The test owns the
// channels; set them before handing the Session to the code under test.
type Session struct {
	mu sync.Mutex

	// PartialsCh is returned by Partials.
	PartialsCh chan types.Transcript

	// FinalsCh is returned by Finals.
	FinalsCh chan types.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Keywords holds the list from the most recent SetKeywords call.
	Keywords []stt.KeywordBoost

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sendAudioCalls int
}

// SendAudio counts the call and discards the audio.
func (s *Session) SendAudio(_ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendAudioCalls++
	return s.SendAudioErr
}

// SendAudioCallCount reports how many chunks were delivered. Safe to call
// while the audio pump is still running.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendAudioCalls
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript { return s.FinalsCh }

// SetKeywords replaces Keywords with a copy of the argument.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Keywords = append([]stt.KeywordBoost(nil), keywords...)
	return nil
}

// Close counts the call and returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
