// Package wsstream provides an STT provider that speaks Halcyon's streaming
// transcription protocol over WebSocket. It implements the stt.Provider
// interface against any transcription gateway that accepts binary PCM16 frames
// and emits JSON transcript events - typically a self-hosted Whisper or
// Deepgram-compatible service running inside the hospital network.
//
// Protocol: the client opens the socket, sends a JSON "start" message carrying
// the audio format and keyword hints, streams raw audio as binary messages, and
// reads JSON events of type "transcript". Keyword updates are sent mid-stream
// as "keywords" messages; a "close" message flushes pending audio before the
// socket is shut down.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the model requested from the transcription gateway.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider against a WebSocket transcription gateway.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new streaming STT Provider. endpoint is the ws:// or wss://
// URL of the transcription gateway and must be non-empty. apiKey may be empty
// for gateways inside a trusted network.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("stt wsstream: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage is the first JSON frame sent on a new session.
type startMessage struct {
	Type       string         `json:"type"` // "start"
	Model      string         `json:"model,omitempty"`
	Language   string         `json:"language"`
	SampleRate int            `json:"sample_rate"`
	Channels   int            `json:"channels"`
	Encoding   string         `json:"encoding"` // always "pcm16"
	Keywords   []keywordEntry `json:"keywords,omitempty"`
}

type keywordEntry struct {
	Keyword string  `json:"keyword"`
	Boost   float64 `json:"boost"`
}

// keywordsMessage updates the active vocabulary hints mid-stream.
type keywordsMessage struct {
	Type     string         `json:"type"` // "keywords"
	Keywords []keywordEntry `json:"keywords"`
}

// transcriptEvent is a JSON event emitted by the gateway.
type transcriptEvent struct {
	Type       string  `json:"type"` // "transcript"
	IsFinal    bool    `json:"is_final"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"` // seconds from session start
	Duration   float64 `json:"duration"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// StartStream opens a streaming transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Bearer "+p.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("stt wsstream: dial: %w", err)
	}

	start := p.buildStart(cfg)
	raw, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode start")
		return nil, fmt.Errorf("stt wsstream: encode start: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "send start")
		return nil, fmt.Errorf("stt wsstream: send start: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildStart assembles the session start message from provider defaults and cfg.
func (p *Provider) buildStart(cfg stt.StreamConfig) startMessage {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	msg := startMessage{
		Type:       "start",
		Model:      p.model,
		Language:   lang,
		SampleRate: sr,
		Channels:   ch,
		Encoding:   "pcm16",
	}
	for _, kw := range cfg.Keywords {
		msg.Keywords = append(msg.Keywords, keywordEntry{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	return msg
}

// ---- session ----

// session is a live streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to the gateway.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("stt wsstream: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("stt wsstream: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords sends a mid-stream keyword update to the gateway.
func (s *session) SetKeywords(keywords []stt.KeywordBoost) error {
	select {
	case <-s.done:
		return errors.New("stt wsstream: session is closed")
	default:
	}
	msg := keywordsMessage{Type: "keywords"}
	for _, kw := range keywords {
		msg.Keywords = append(msg.Keywords, keywordEntry{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stt wsstream: encode keywords: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		return fmt.Errorf("stt wsstream: send keywords: %w", err)
	}
	return nil
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the gateway to flush pending audio before we go away.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"close"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to the gateway.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON events from the gateway and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		t, ok := parseTranscriptEvent(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseTranscriptEvent parses a raw gateway message into a Transcript.
// Returns (zero, false) if the message should be ignored.
func parseTranscriptEvent(data []byte) (types.Transcript, bool) {
	var ev transcriptEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Transcript{}, false
	}
	if ev.Type != "transcript" {
		return types.Transcript{}, false
	}

	words := make([]types.WordDetail, 0, len(ev.Words))
	for _, w := range ev.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
		Words:      words,
		Timestamp:  time.Duration(ev.Start * float64(time.Second)),
		Duration:   time.Duration(ev.Duration * float64(time.Second)),
	}, true
}
