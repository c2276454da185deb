package voice

import (
	"errors"
	"testing"
	"time"
)

func feedFrames(t *testing.T, d *TurnDetector, n int) []TurnEventKind {
	t.Helper()
	frame := make([]byte, 640)
	kinds := make([]TurnEventKind, 0, n)
	for i := 0; i < n; i++ {
		ev, err := d.Feed(frame)
		if err != nil {
			t.Fatalf("Feed frame %d: %v", i, err)
		}
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestTurnDetector_SpeechStartCarriesPreRoll(t *testing.T) {
	vadS := &scriptVAD{events: speechAfterSilence(20, 1)}
	d := NewTurnDetector(vadS, TurnConfig{FrameDuration: 20 * time.Millisecond})

	kinds := feedFrames(t, d, 20)
	for i, k := range kinds {
		if k != TurnNone {
			t.Fatalf("silence frame %d produced %v", i, k)
		}
	}

	ev, err := d.Feed(make([]byte, 640))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev.Kind != TurnSpeechStart {
		t.Fatalf("kind = %v, want speech start", ev.Kind)
	}
	// 300ms pre-roll at 20ms frames.
	if len(ev.PreRoll) != 15 {
		t.Errorf("pre-roll = %d frames, want 15", len(ev.PreRoll))
	}
}

func TestTurnDetector_FinalizeThenEndpoint(t *testing.T) {
	vadS := &scriptVAD{events: speechThenSilence(3, 45)}
	d := NewTurnDetector(vadS, TurnConfig{FrameDuration: 20 * time.Millisecond})

	kinds := feedFrames(t, d, 48)

	var pendingAt, endedAt = -1, -1
	for i, k := range kinds {
		switch k {
		case TurnFinalizePending:
			if pendingAt >= 0 {
				t.Fatalf("finalize pending raised twice (frames %d and %d)", pendingAt, i)
			}
			pendingAt = i
		case TurnEnded:
			if endedAt >= 0 {
				t.Fatalf("turn ended twice (frames %d and %d)", endedAt, i)
			}
			endedAt = i
		}
	}
	// Speech covers frames 0–2; silence accumulates from frame 3 in 20ms
	// steps: 500ms at frame 27, 800ms at frame 42.
	if pendingAt != 27 {
		t.Errorf("finalize pending at frame %d, want 27", pendingAt)
	}
	if endedAt != 42 {
		t.Errorf("turn ended at frame %d, want 42", endedAt)
	}
	if vadS.resetCount() == 0 {
		t.Error("vad session not reset after endpoint")
	}
}

func TestTurnDetector_SpeechResetsSilenceCounter(t *testing.T) {
	events := speechThenSilence(1, 20) // 400ms silence, below finalization
	events = append(events, speechThenSilence(1, 45)...)
	vadS := &scriptVAD{events: events}
	d := NewTurnDetector(vadS, TurnConfig{FrameDuration: 20 * time.Millisecond})

	kinds := feedFrames(t, d, len(events))
	for i, k := range kinds[:21] {
		if k == TurnFinalizePending || k == TurnEnded {
			t.Fatalf("frame %d raised %v before the silence threshold", i, k)
		}
	}
	var ended bool
	for _, k := range kinds {
		if k == TurnEnded {
			ended = true
		}
	}
	if !ended {
		t.Error("turn never ended after the second silence run")
	}
}

func TestTurnDetector_VADErrorPropagates(t *testing.T) {
	vadS := &scriptVAD{err: errors.New("frame size mismatch")}
	d := NewTurnDetector(vadS, TurnConfig{FrameDuration: 20 * time.Millisecond})
	if _, err := d.Feed(make([]byte, 640)); err == nil {
		t.Fatal("expected vad error")
	}
}
