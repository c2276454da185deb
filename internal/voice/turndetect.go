package voice

import (
	"fmt"
	"time"

	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Default turn-detection timing. Values are tuned for conversational clinical
// speech at 16 kHz mono.
const (
	// DefaultPreRoll is how much audio preceding a detected speech start is
	// replayed into STT, so clipped first syllables are still transcribed.
	DefaultPreRoll = 300 * time.Millisecond

	// DefaultFinalizeSilence is the trailing silence after which the
	// utterance is considered complete enough for the STT provider to commit
	// a final transcript.
	DefaultFinalizeSilence = 500 * time.Millisecond

	// DefaultEndpoint is the trailing silence after which the turn ends and
	// the pipeline moves on to answering.
	DefaultEndpoint = 800 * time.Millisecond
)

// TurnEventKind enumerates the events a [TurnDetector] can raise.
type TurnEventKind int

const (
	// TurnNone means the frame changed nothing.
	TurnNone TurnEventKind = iota

	// TurnSpeechStart means the user just started speaking. The event
	// carries the buffered pre-roll frames.
	TurnSpeechStart

	// TurnSpeechContinue means the user is still speaking.
	TurnSpeechContinue

	// TurnTrailingSilence means the user paused but the endpointing window is
	// still open. Frames are still forwarded so a server-side endpointer sees
	// the silence it needs to commit a final transcript.
	TurnTrailingSilence

	// TurnFinalizePending means trailing silence has passed the finalization
	// threshold; the STT provider's final transcript is imminent.
	TurnFinalizePending

	// TurnEnded means trailing silence has passed the endpointing window and
	// the utterance is over.
	TurnEnded
)

// TurnEvent is the result of feeding one audio frame to a [TurnDetector].
type TurnEvent struct {
	Kind TurnEventKind

	// PreRoll holds the buffered frames captured before the speech start.
	// Only set when Kind is [TurnSpeechStart].
	PreRoll [][]byte
}

// TurnConfig parameterises a [TurnDetector]. Zero values fall back to the
// package defaults.
type TurnConfig struct {
	// FrameDuration is the length of each audio frame fed to the detector.
	FrameDuration time.Duration

	PreRoll         time.Duration
	FinalizeSilence time.Duration
	Endpoint        time.Duration
}

// TurnDetector converts frame-level VAD decisions into turn-level events:
// speech start with pre-roll, finalization, and endpointing. It owns no
// goroutines; callers feed frames synchronously from the audio ingress loop.
//
// TurnDetector is not safe for concurrent use.
type TurnDetector struct {
	session  vad.SessionHandle
	frameDur time.Duration
	finalize time.Duration
	endpoint time.Duration

	preRoll    [][]byte
	preRollCap int

	speaking  bool
	silence   time.Duration
	finalized bool
}

// NewTurnDetector wraps session with turn-level endpointing logic. The
// detector takes ownership of per-turn VAD state but not of the session
// itself; closing the session remains the caller's job.
func NewTurnDetector(session vad.SessionHandle, cfg TurnConfig) *TurnDetector {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = DefaultPreRoll
	}
	if cfg.FinalizeSilence <= 0 {
		cfg.FinalizeSilence = DefaultFinalizeSilence
	}
	if cfg.Endpoint <= 0 {
		cfg.Endpoint = DefaultEndpoint
	}

	capFrames := int(cfg.PreRoll / cfg.FrameDuration)
	if capFrames < 1 {
		capFrames = 1
	}
	return &TurnDetector{
		session:    session,
		frameDur:   cfg.FrameDuration,
		finalize:   cfg.FinalizeSilence,
		endpoint:   cfg.Endpoint,
		preRollCap: capFrames,
	}
}

// Feed processes one PCM16 frame and returns the resulting turn event.
func (d *TurnDetector) Feed(frame []byte) (TurnEvent, error) {
	ev, err := d.session.ProcessFrame(frame)
	if err != nil {
		return TurnEvent{}, fmt.Errorf("voice: vad frame: %w", err)
	}

	switch ev.Type {
	case types.VADSpeechStart, types.VADSpeechContinue:
		if !d.speaking {
			d.speaking = true
			d.silence = 0
			d.finalized = false
			return TurnEvent{Kind: TurnSpeechStart, PreRoll: d.takePreRoll()}, nil
		}
		d.silence = 0
		return TurnEvent{Kind: TurnSpeechContinue}, nil

	case types.VADSpeechEnd, types.VADSilence:
		if !d.speaking {
			d.bufferPreRoll(frame)
			return TurnEvent{Kind: TurnNone}, nil
		}
		d.silence += d.frameDur
		if d.silence >= d.endpoint {
			d.Reset()
			return TurnEvent{Kind: TurnEnded}, nil
		}
		if d.silence >= d.finalize && !d.finalized {
			d.finalized = true
			return TurnEvent{Kind: TurnFinalizePending}, nil
		}
		return TurnEvent{Kind: TurnTrailingSilence}, nil
	}
	return TurnEvent{Kind: TurnNone}, nil
}

// Reset clears turn state (speech flag, silence counter, pre-roll buffer)
// and the underlying VAD session's smoothing history.
func (d *TurnDetector) Reset() {
	d.speaking = false
	d.silence = 0
	d.finalized = false
	d.preRoll = nil
	d.session.Reset()
}

// bufferPreRoll appends a copy of frame to the pre-roll ring, dropping the
// oldest frame once the ring covers the configured pre-roll duration.
func (d *TurnDetector) bufferPreRoll(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.preRoll = append(d.preRoll, cp)
	if len(d.preRoll) > d.preRollCap {
		d.preRoll = d.preRoll[1:]
	}
}

func (d *TurnDetector) takePreRoll() [][]byte {
	pr := d.preRoll
	d.preRoll = nil
	return pr
}
