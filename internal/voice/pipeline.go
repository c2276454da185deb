// Package voice implements the bidirectional real-time voice pipeline:
// microphone audio in, STT, the query pipeline, TTS, speaker audio out, with
// natural-turn detection and barge-in.
//
// # Architecture
//
//  1. Inbound PCM16 frames feed a [TurnDetector] (frame-level VAD plus
//     endpointing). Speech frames, including a pre-roll buffer, stream into
//     the STT session.
//  2. Trailing silence past the endpointing window ends the turn; the STT
//     provider's final transcript starts a response turn.
//  3. The configured [Responder] generates the answer. Text fragments flow
//     through a [Chunker] into a streaming TTS synthesis.
//  4. Synthesised audio lands on a bounded [Queue]; a full queue pauses
//     synthesis (backpressure).
//  5. Speech detected while the assistant is speaking fires a barge-in:
//     the in-flight generation is cancelled, the queue truncated, and the
//     playback offset of the cancelled response recorded.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	"github.com/halcyon-health/halcyon/pkg/provider/tts"
	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// State is the voice pipeline state for one session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateToolCalling
	StateGenerating
	StateSpeaking
	StateCancelled
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateToolCalling:
		return "tool_calling"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Emitter receives generation output for one voice turn. The pipeline uses
// the calls to drive state transitions and feed the sentence chunker.
type Emitter interface {
	// Text delivers one streamed text fragment. It returns an error once the
	// turn has been cancelled, which the responder must propagate.
	Text(fragment string) error

	// ToolStarted reports that a tool call is in flight.
	ToolStarted(name string)

	// ToolFinished reports the tool call's outcome.
	ToolFinished(name string, success bool)
}

// Responder produces the assistant's answer for a finalized transcript. The
// query orchestrator satisfies this for voice turns, reusing the same
// routing, generation, and tool machinery as text queries.
type Responder interface {
	Respond(ctx context.Context, transcript string, out Emitter) error
}

// Cancellation describes a response that was cut off by a barge-in or an
// explicit client cancel.
type Cancellation struct {
	ResponseID     string
	PlaybackOffset time.Duration
	Reason         string
}

const (
	defaultSampleRate       = 16000
	defaultFrameDuration    = 20 * time.Millisecond
	defaultQueueDepth       = 32
	defaultFirstAudioBudget = 10 * time.Second

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35

	// finalTranscriptWait bounds how long a turn waits for the STT final
	// after the endpointing window closed.
	finalTranscriptWait = 3 * time.Second

	// textBufDepth absorbs several chunked sentences without blocking the
	// generation goroutine on synthesis.
	textBufDepth = 16
)

// Pipeline builds voice sessions over a fixed set of providers.
//
// Pipeline is safe for concurrent use; each client connection gets its own
// [Session].
type Pipeline struct {
	sttP      stt.Provider
	ttsP      tts.Provider
	vadE      vad.Engine
	responder Responder
	voice     types.VoiceProfile
	metrics   *observe.Metrics

	sampleRate       int
	frameDur         time.Duration
	queueDepth       int
	firstAudioBudget time.Duration
	language         string
	keywords         []stt.KeywordBoost
	turnCfg          TurnConfig
	speechThreshold  float64
	silenceThreshold float64
	bargeInEnabled   bool
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithSampleRate sets the PCM16 sample rate for STT input and playback
// offset accounting. Default 16000.
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithFrameDuration sets the inbound audio frame duration. Default 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.frameDur = d
		}
	}
}

// WithQueueDepth bounds the outbound audio queue. Default 32 chunks.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithFirstAudioBudget sets the voice-turn deadline for producing the first
// audio chunk. A turn that blows the budget is cancelled. Default 10s.
func WithFirstAudioBudget(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.firstAudioBudget = d
		}
	}
}

// WithLanguage sets the BCP-47 recognition language.
func WithLanguage(tag string) Option {
	return func(p *Pipeline) { p.language = tag }
}

// WithKeywords seeds the STT vocabulary boost list, typically with drug and
// procedure names for the deployment.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(p *Pipeline) { p.keywords = kw }
}

// WithTurnConfig overrides the turn-detection timing.
func WithTurnConfig(cfg TurnConfig) Option {
	return func(p *Pipeline) { p.turnCfg = cfg }
}

// WithVADThresholds sets the speech and silence probability thresholds.
func WithVADThresholds(speech, silence float64) Option {
	return func(p *Pipeline) {
		p.speechThreshold = speech
		p.silenceThreshold = silence
	}
}

// WithBargeIn controls whether detected user speech interrupts assistant
// playback. Explicit client barge-in requests are honoured either way.
// Default true.
func WithBargeIn(enabled bool) Option {
	return func(p *Pipeline) { p.bargeInEnabled = enabled }
}

// WithMetrics attaches the instrument set.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a voice Pipeline over the given providers and responder.
func New(sttP stt.Provider, ttsP tts.Provider, vadE vad.Engine, responder Responder, voice types.VoiceProfile, opts ...Option) *Pipeline {
	p := &Pipeline{
		sttP:             sttP,
		ttsP:             ttsP,
		vadE:             vadE,
		responder:        responder,
		voice:            voice,
		sampleRate:       defaultSampleRate,
		frameDur:         defaultFrameDuration,
		queueDepth:       defaultQueueDepth,
		firstAudioBudget: defaultFirstAudioBudget,
		speechThreshold:  defaultSpeechThreshold,
		silenceThreshold: defaultSilenceThreshold,
		bargeInEnabled:   true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartSession opens the STT and VAD sessions for one client connection and
// returns a ready [Session] in the idle state.
func (p *Pipeline) StartSession(ctx context.Context, sessionID string) (*Session, error) {
	sttSess, err := p.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: p.sampleRate,
		Channels:   1,
		Language:   p.language,
		Keywords:   p.keywords,
	})
	if err != nil {
		return nil, fmt.Errorf("voice: start stt stream: %w", err)
	}

	vadSess, err := p.vadE.NewSession(vad.Config{
		SampleRate:       p.sampleRate,
		FrameSizeMs:      int(p.frameDur / time.Millisecond),
		SpeechThreshold:  p.speechThreshold,
		SilenceThreshold: p.silenceThreshold,
	})
	if err != nil {
		sttSess.Close()
		return nil, fmt.Errorf("voice: start vad session: %w", err)
	}

	turnCfg := p.turnCfg
	if turnCfg.FrameDuration == 0 {
		turnCfg.FrameDuration = p.frameDur
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:            sessionID,
		p:             p,
		ctx:           sessCtx,
		cancelSession: cancel,
		sttSess:       sttSess,
		vadSess:       vadSess,
		detector:      NewTurnDetector(vadSess, turnCfg),
		queue:         NewQueue(p.queueDepth, p.sampleRate),
		state:         StateIdle,
		states:        make(chan State, 16),
		finalsOut:     make(chan types.Transcript, 16),
		cancellations: make(chan Cancellation, 4),
	}
	s.wg.Add(1)
	go s.watchFinals()
	if p.metrics != nil {
		p.metrics.ActiveVoiceSessions.Add(ctx, 1)
	}
	return s, nil
}

// Session is one client's voice pipeline instance. Audio ingress is single-
// threaded (call [Session.SendAudio] from one goroutine); everything else is
// safe for concurrent use.
type Session struct {
	id            string
	p             *Pipeline
	ctx           context.Context
	cancelSession context.CancelFunc
	sttSess       stt.SessionHandle
	vadSess       vad.SessionHandle
	detector      *TurnDetector
	queue         *Queue

	mu           sync.Mutex
	state        State
	turnCancel   context.CancelFunc
	responseID   string
	pendingTurn  bool
	pendingFinal *types.Transcript
	firstTokenAt time.Time
	closed       bool

	states        chan State
	finalsOut     chan types.Transcript
	cancellations chan Cancellation
	wg            sync.WaitGroup
}

// State returns the current pipeline state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States returns state-change notifications. Slow consumers miss
// intermediate states, never the latest.
func (s *Session) States() <-chan State { return s.states }

// Partials returns the STT provider's interim transcripts, for client UI
// feedback only.
func (s *Session) Partials() <-chan types.Transcript { return s.sttSess.Partials() }

// Finals returns the authoritative transcripts as they are committed.
func (s *Session) Finals() <-chan types.Transcript { return s.finalsOut }

// Audio returns the bounded outbound audio queue. The consumer pops chunks,
// delivers them, and calls [Queue.MarkPlayed] with the delivered byte count.
func (s *Session) Audio() *Queue { return s.queue }

// Cancellations reports responses cut off by barge-in or client cancel.
func (s *Session) Cancellations() <-chan Cancellation { return s.cancellations }

// SendAudio feeds one inbound PCM16 frame through turn detection and, while
// the user is speaking, into STT. The frame length must match the pipeline's
// configured frame duration.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("voice: session closed")
	}
	state := s.state
	s.mu.Unlock()

	ev, err := s.detector.Feed(frame)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case TurnSpeechStart:
		if state == StateSpeaking {
			if !s.p.bargeInEnabled {
				return nil
			}
			s.bargeIn("speech_detected")
			state = StateListening
		}
		switch state {
		case StateIdle, StateCancelled, StateListening:
			s.setState(StateListening)
			for _, pr := range ev.PreRoll {
				if err := s.sttSess.SendAudio(pr); err != nil {
					return fmt.Errorf("voice: forward pre-roll: %w", err)
				}
			}
			return s.forward(frame)
		}
		// Speech during processing or generation: the active turn keeps
		// running; frames are not forwarded.
		return nil

	case TurnSpeechContinue, TurnTrailingSilence, TurnFinalizePending:
		if state == StateListening {
			return s.forward(frame)
		}
		return nil

	case TurnEnded:
		if state != StateListening {
			return nil
		}
		s.mu.Lock()
		if final := s.pendingFinal; final != nil {
			s.pendingFinal = nil
			s.startTurnLocked(final.Text)
		} else {
			s.pendingTurn = true
			s.setStateLocked(StateProcessing)
			s.wg.Add(1)
			go s.expirePendingTurn()
		}
		s.mu.Unlock()
		return nil
	}
	return nil
}

// expirePendingTurn abandons a turn whose final transcript never arrived
// within finalTranscriptWait of the endpoint.
func (s *Session) expirePendingTurn() {
	defer s.wg.Done()
	t := time.NewTimer(finalTranscriptWait)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-t.C:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn {
		s.pendingTurn = false
		s.setStateLocked(StateIdle)
		slog.Warn("voice turn abandoned, no final transcript", "session_id", s.id)
	}
}

// BargeIn cancels the in-flight response, if any, on behalf of an explicit
// client event.
func (s *Session) BargeIn() {
	s.bargeIn("client_request")
}

// Close tears down the session: the active turn is cancelled, the STT and
// VAD sessions are closed, and all background goroutines are awaited.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.p.metrics != nil {
		s.p.metrics.ActiveVoiceSessions.Add(context.WithoutCancel(s.ctx), -1)
	}
	s.cancelSession()
	err := s.sttSess.Close()
	if cerr := s.vadSess.Close(); err == nil {
		err = cerr
	}
	s.wg.Wait()
	s.queue.Close()
	close(s.states)
	close(s.finalsOut)
	close(s.cancellations)
	return err
}

// ─── Internal ─────────────────────────────────────────────────────────────────

func (s *Session) forward(frame []byte) error {
	if err := s.sttSess.SendAudio(frame); err != nil {
		return fmt.Errorf("voice: forward audio: %w", err)
	}
	return nil
}

// watchFinals consumes the STT final-transcript stream for the lifetime of
// the session. Each final is republished to the client and, when a turn is
// waiting on it, starts the response.
func (s *Session) watchFinals() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-s.sttSess.Finals():
			if !ok {
				return
			}
			select {
			case s.finalsOut <- t:
			default:
			}
			s.mu.Lock()
			if s.pendingTurn {
				s.pendingTurn = false
				s.startTurnLocked(t.Text)
			} else if s.state == StateListening {
				cp := t
				s.pendingFinal = &cp
			}
			s.mu.Unlock()
		}
	}
}

// startTurnLocked launches the response turn for a finalized transcript.
// Caller holds s.mu.
func (s *Session) startTurnLocked(transcript string) {
	s.setStateLocked(StateProcessing)
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.responseID = uuid.NewString()
	s.firstTokenAt = time.Time{}

	s.wg.Add(1)
	go s.runTurn(turnCtx, cancel, s.responseID, transcript)
}

// runTurn drives one response: generation through the sentence chunker into
// streaming synthesis, audio onto the bounded queue.
func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc, responseID, transcript string) {
	defer s.wg.Done()
	defer cancel()

	s.queue.ResetPlayback()
	start := time.Now()

	textCh := make(chan string, textBufDepth)
	audioCh, err := s.p.ttsP.SynthesizeStream(ctx, textCh, s.p.voice)
	if err != nil {
		close(textCh)
		slog.Error("tts stream start failed", "session_id", s.id, "response_id", responseID, "error", err)
		s.finishTurn(ctx, responseID, err)
		return
	}

	// The first-audio budget cancels turns that stall before any speech.
	var timedOut bool
	budget := time.AfterFunc(s.p.firstAudioBudget, func() {
		s.mu.Lock()
		timedOut = true
		s.mu.Unlock()
		cancel()
	})
	defer budget.Stop()

	em := &turnEmitter{s: s, ctx: ctx, textCh: textCh}
	genErr := make(chan error, 1)
	go func() {
		err := s.p.responder.Respond(ctx, transcript, em)
		if rest := em.chunker.Flush(); rest != "" {
			select {
			case textCh <- rest:
			case <-ctx.Done():
			}
		}
		close(textCh)
		genErr <- err
	}()

	index := 0
	for audio := range audioCh {
		if index == 0 {
			budget.Stop()
			s.recordFirstAudio(ctx, start)
			s.setState(StateSpeaking)
		}
		chunk := types.AudioChunk{ResponseID: responseID, Index: index, Data: audio}
		if err := s.queue.Push(ctx, chunk); err != nil {
			go drainAudio(audioCh)
			break
		}
		index++
	}

	err = <-genErr
	s.mu.Lock()
	fired := timedOut
	s.mu.Unlock()
	if fired {
		slog.Warn("voice turn exceeded first-audio budget",
			"session_id", s.id, "response_id", responseID,
			"budget_ms", s.p.firstAudioBudget.Milliseconds())
	}
	s.finishTurn(ctx, responseID, err)
}

// finishTurn returns the session to idle unless a barge-in already moved it
// back to listening.
func (s *Session) finishTurn(ctx context.Context, responseID string, genErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseID != responseID {
		return
	}
	s.turnCancel = nil
	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		slog.Error("voice turn failed", "session_id", s.id, "response_id", responseID, "error", genErr)
	}
	if ctx.Err() != nil && (s.state == StateCancelled || s.state == StateListening) {
		// Barge-in path: state already advanced.
		return
	}
	s.setStateLocked(StateIdle)
}

// bargeIn cancels the in-flight response, truncates undelivered audio, and
// records the playback offset of the cut-off response.
func (s *Session) bargeIn(reason string) {
	s.mu.Lock()
	switch s.state {
	case StateSpeaking, StateGenerating, StateToolCalling, StateProcessing:
	default:
		s.mu.Unlock()
		return
	}
	cancel := s.turnCancel
	s.turnCancel = nil
	responseID := s.responseID
	s.setStateLocked(StateCancelled)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	dropped := s.queue.Truncate()
	offset := s.queue.PlaybackOffset()

	s.mu.Lock()
	if !s.closed {
		select {
		case s.cancellations <- Cancellation{ResponseID: responseID, PlaybackOffset: offset, Reason: reason}:
		default:
		}
	}
	s.mu.Unlock()
	if s.p.metrics != nil {
		s.p.metrics.BargeIns.Add(s.ctx, 1)
	}
	slog.Info("barge-in",
		"session_id", s.id,
		"response_id", responseID,
		"reason", reason,
		"playback_offset_ms", offset.Milliseconds(),
		"dropped_chunks", dropped)

	s.setState(StateListening)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// setStateLocked publishes a state change. Caller holds s.mu.
func (s *Session) setStateLocked(next State) {
	if s.state == next || s.closed {
		return
	}
	s.state = next
	select {
	case s.states <- next:
	default:
	}
}

// noteGenerating moves processing or tool_calling to generating on the first
// text fragment of a round and stamps the first-token time once.
func (s *Session) noteGenerating() {
	s.mu.Lock()
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = time.Now()
	}
	if s.state == StateProcessing || s.state == StateToolCalling {
		s.setStateLocked(StateGenerating)
	}
	s.mu.Unlock()
}

func (s *Session) recordFirstAudio(ctx context.Context, turnStart time.Time) {
	if s.p.metrics == nil {
		return
	}
	s.mu.Lock()
	since := s.firstTokenAt
	s.mu.Unlock()
	if since.IsZero() {
		since = turnStart
	}
	s.p.metrics.FirstAudioLatency.Record(ctx, time.Since(since).Seconds(),
		metric.WithAttributes(attribute.String("voice", s.p.voice.ID)))
}

// turnEmitter adapts responder output to the chunker, the TTS text channel,
// and the session's state machine.
type turnEmitter struct {
	s       *Session
	ctx     context.Context
	chunker Chunker
	textCh  chan<- string
}

var _ Emitter = (*turnEmitter)(nil)

func (e *turnEmitter) Text(fragment string) error {
	e.s.noteGenerating()
	for _, chunk := range e.chunker.Write(fragment) {
		select {
		case e.textCh <- chunk:
		case <-e.ctx.Done():
			return e.ctx.Err()
		}
	}
	return nil
}

func (e *turnEmitter) ToolStarted(name string) {
	e.s.mu.Lock()
	if e.s.state == StateProcessing || e.s.state == StateGenerating {
		e.s.setStateLocked(StateToolCalling)
	}
	e.s.mu.Unlock()
	slog.Debug("voice turn tool call", "session_id", e.s.id, "tool", name)
}

func (e *turnEmitter) ToolFinished(name string, success bool) {
	e.s.mu.Lock()
	if e.s.state == StateToolCalling {
		e.s.setStateLocked(StateGenerating)
	}
	e.s.mu.Unlock()
	if !success {
		slog.Warn("voice turn tool failed", "session_id", e.s.id, "tool", name)
	}
}

// drainAudio discards remaining synthesis output so the TTS provider's
// goroutine never blocks after a cancelled turn.
func drainAudio(ch <-chan []byte) {
	for range ch {
	}
}
