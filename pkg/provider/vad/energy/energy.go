// Package energy implements a lightweight energy-gate VAD engine.
//
// The engine classifies each PCM16 frame by its RMS amplitude, smoothed with an
// exponential moving average to suppress single-frame spikes (door slams, clicks).
// It has no model weights and no external dependencies, which makes it the
// default engine for deployments that cannot run Silero on-prem - and the
// fallback when a model-backed engine's circuit is open.
//
// Probability mapping: RMS is normalised against full-scale PCM16 and compressed
// so that normal speech levels (roughly -30 to -10 dBFS) land in the 0.4–0.9
// range, matching the thresholds used for model-backed engines.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad energy: session is closed")

const (
	// smoothingAlpha is the EMA weight for the newest frame's probability.
	smoothingAlpha = 0.3

	// fullScale is the maximum absolute PCM16 sample value.
	fullScale = 32768.0

	// referenceRMS is the normalised RMS mapped to probability 0.5. Roughly
	// -26 dBFS, a quiet but clearly audible speaking level.
	referenceRMS = 0.05
)

// Engine creates energy-gate VAD sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a ready Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg and returns a new session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("vad energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("vad energy: silence threshold %v must be in [0, %v]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	// 2 bytes per PCM16 sample, mono.
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{cfg: cfg, frameBytes: frameBytes}, nil
}

// session is a single-stream energy gate. Not safe for concurrent use.
type session struct {
	cfg        vad.Config
	frameBytes int

	smoothed float64
	inSpeech bool
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one PCM16 frame.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("vad energy: frame is %d bytes, expected %d",
			len(frame), s.frameBytes)
	}

	p := frameProbability(frame)
	s.smoothed = smoothingAlpha*p + (1-smoothingAlpha)*s.smoothed

	ev := types.VADEvent{Probability: s.smoothed}
	switch {
	case !s.inSpeech && s.smoothed >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = types.VADSpeechStart
	case s.inSpeech && s.smoothed <= s.cfg.SilenceThreshold:
		s.inSpeech = false
		ev.Type = types.VADSpeechEnd
	case s.inSpeech:
		ev.Type = types.VADSpeechContinue
	default:
		ev.Type = types.VADSilence
	}
	return ev, nil
}

// Reset clears the smoothing history and speech flag.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.smoothed = 0
	s.inSpeech = false
}

// Close marks the session closed. Safe to call multiple times.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// frameProbability maps a PCM16 frame's RMS to a pseudo-probability in [0,1].
func frameProbability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		f := float64(sample)
		sum += f * f
	}
	rms := math.Sqrt(sum/float64(n)) / fullScale

	// Logistic compression around the reference level keeps the output in a
	// range comparable to model-backed probability scores.
	p := 1 / (1 + math.Exp(-6*(math.Log10(rms+1e-9)-math.Log10(referenceRMS))))
	return p
}
