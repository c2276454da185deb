// Package vad defines the interface for voice activity detection backends.
//
// A VAD engine wraps a frame-level speech detector (an energy gate, WebRTC
// VAD, or a model such as Silero) behind stateful per-stream sessions, so
// concurrent audio streams keep independent smoothing state. Detection is
// synchronous: ProcessFrame classifies one frame and returns, which lets the
// voice pipeline gate STT input and spot barge-in without adding latency.
package vad

import "github.com/halcyon-health/halcyon/pkg/types"

// Config parameterises one VAD session.
type Config struct {
	// SampleRate of the PCM16 frames in Hz, typically 16000.
	SampleRate int

	// FrameSizeMs is the fixed frame duration. ProcessFrame rejects frames
	// of any other size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts
	// as speech. Raising it trades missed soft speech for fewer false
	// starts in noisy exam rooms.
	SpeechThreshold float64

	// SilenceThreshold ends an active speech segment when the probability
	// falls below it. Must not exceed SpeechThreshold; the gap between the
	// two is the hysteresis band.
	SilenceThreshold float64
}

// SessionHandle is one stream's detection state. Sessions are not safe for
// concurrent use unless an implementation says otherwise; Reset clears state
// between utterances without closing.
type SessionHandle interface {
	// ProcessFrame classifies one raw little-endian PCM16 frame at the
	// configured rate and size. It must not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset drops accumulated smoothing state, for stream restarts.
	Reset()

	// Close releases session resources. ProcessFrame errors afterwards and
	// Reset becomes a no-op; closing twice is safe.
	Close() error
}

// Engine creates sessions and must allow concurrent NewSession calls.
type Engine interface {
	// NewSession returns a session ready for frames, or an error when the
	// configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
