// Package mock provides a test double for the phi.Detector interface.
//
// Use Detector to inject verdicts and verify the texts submitted for
// classification.
//
// Example:
//
//	det := &mock.Detector{
//	    Verdict: types.PHIVerdict{HasPHI: true},
//	}
//	v, _ := det.Detect(ctx, "patient John Smith, MRN 12345678")
package mock

import (
	"context"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// DetectCall records a single invocation of Detect.
type DetectCall struct {
	// Ctx is the context passed to Detect.
	Ctx context.Context
	// Text is the text passed to Detect.
	Text string
}

// Detector is a mock implementation of phi.Detector.
type Detector struct {
	mu sync.Mutex

	// Verdict is returned by every Detect call unless DetectFunc is set.
	Verdict types.PHIVerdict

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// DetectFunc, if non-nil, overrides Verdict/DetectErr entirely.
	DetectFunc func(ctx context.Context, text string) (types.PHIVerdict, error)

	// ModeResult is returned by Mode. Defaults to phi.ModeStrict if empty.
	ModeResult phi.Mode

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall
}

// Detect records the call and returns the configured verdict.
func (d *Detector) Detect(ctx context.Context, text string) (types.PHIVerdict, error) {
	d.mu.Lock()
	d.DetectCalls = append(d.DetectCalls, DetectCall{Ctx: ctx, Text: text})
	fn := d.DetectFunc
	verdict, err := d.Verdict, d.DetectErr
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, text)
	}
	return verdict, err
}

// Mode returns ModeResult, defaulting to phi.ModeStrict.
func (d *Detector) Mode() phi.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ModeResult == "" {
		return phi.ModeStrict
	}
	return d.ModeResult
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = nil
}

// Ensure Detector implements phi.Detector at compile time.
var _ phi.Detector = (*Detector)(nil)
