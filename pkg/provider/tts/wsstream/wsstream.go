// Package wsstream provides a TTS provider that speaks Halcyon's streaming
// synthesis protocol over WebSocket. It implements the tts.Provider interface
// against any synthesis gateway that accepts JSON text fragments and returns
// raw PCM16 audio - typically a self-hosted Piper or Coqui service running
// inside the hospital network.
//
// Protocol: the client opens the socket, sends a JSON "start" message carrying
// the voice and output format, then one "text" message per fragment. Audio
// arrives as binary messages. A "flush" message asks the gateway to synthesise
// whatever text is buffered; the gateway answers with an "end" event once all
// audio for the session has been sent.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/halcyon-health/halcyon/pkg/provider/tts"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	defaultSampleRate = 24000
	voicesPath        = "/voices"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSampleRate sets the PCM16 output sample rate in Hz. Default 24000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithVoicesURL overrides the HTTP endpoint used by ListVoices. By default it
// is derived from the WebSocket endpoint (scheme swapped to http(s), path
// replaced with /voices).
func WithVoicesURL(url string) Option {
	return func(p *Provider) {
		p.voicesURL = url
	}
}

// Provider implements tts.Provider against a WebSocket synthesis gateway.
type Provider struct {
	endpoint   string
	apiKey     string
	sampleRate int
	voicesURL  string
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new streaming TTS Provider. endpoint is the ws:// or wss://
// URL of the synthesis gateway and must be non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("tts wsstream: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.voicesURL == "" {
		p.voicesURL = deriveVoicesURL(endpoint)
	}
	return p, nil
}

// ---- WebSocket message types ----

// startMessage configures a new synthesis session.
type startMessage struct {
	Type        string  `json:"type"` // "start"
	Voice       string  `json:"voice"`
	Language    string  `json:"language,omitempty"`
	SpeedFactor float64 `json:"speed_factor,omitempty"`
	Encoding    string  `json:"encoding"` // always "pcm16"
	SampleRate  int     `json:"sample_rate"`
}

// textMessage carries one text fragment to synthesise.
type textMessage struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// controlEvent is a JSON event received from the gateway.
type controlEvent struct {
	Type    string `json:"type"`              // "end" or "error"
	Message string `json:"message,omitempty"` // error detail
}

// SynthesizeStream opens a WebSocket to the gateway, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is
// cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("tts wsstream: voice.ID must not be empty")
	}

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Bearer "+p.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("tts wsstream: dial: %w", err)
	}

	start := startMessage{
		Type:        "start",
		Voice:       voice.ID,
		Language:    voice.Language,
		SpeedFactor: voice.SpeedFactor,
		Encoding:    "pcm16",
		SampleRate:  p.sampleRate,
	}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send start")
		return nil, fmt.Errorf("tts wsstream: send start: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader: binary frames are PCM audio, text frames are control events.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				kind, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if kind == websocket.MessageBinary {
					pcm := make([]byte, len(msg))
					copy(pcm, msg)
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
					continue
				}
				var ev controlEvent
				if err := json.Unmarshal(msg, &ev); err != nil {
					continue
				}
				if ev.Type == "end" || ev.Type == "error" {
					return
				}
			}
		}()

		// Writer: forward text fragments, then flush and wait for the reader.
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"flush"}`))
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				msgBytes, _ := json.Marshal(textMessage{Type: "text", Text: fragment})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /voices.
type voicesResponse struct {
	Voices []gatewayVoice `json:"voices"`
}

// gatewayVoice is a single voice entry from the gateway's catalogue.
type gatewayVoice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// ListVoices returns all voices available from the synthesis gateway.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts wsstream: list voices: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts wsstream: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts wsstream: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("tts wsstream: list voices decode: %w", err)
	}
	return convertVoices(vr), nil
}

// ---- helpers ----

func convertVoices(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.ID,
			Name:     v.Name,
			Provider: "wsstream",
			Language: v.Language,
		})
	}
	return profiles
}

// parseVoicesResponse parses a raw JSON voices payload. Used by tests to
// verify the catalogue shape without a live gateway.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return convertVoices(vr), nil
}

// deriveVoicesURL converts a ws(s) endpoint into the default http(s) voices URL.
func deriveVoicesURL(endpoint string) string {
	switch {
	case len(endpoint) > 5 && endpoint[:6] == "wss://":
		return "https://" + trimPath(endpoint[6:]) + voicesPath
	case len(endpoint) > 4 && endpoint[:5] == "ws://":
		return "http://" + trimPath(endpoint[5:]) + voicesPath
	default:
		return endpoint + voicesPath
	}
}

// trimPath strips everything after the host portion of a URL remainder.
func trimPath(hostAndPath string) string {
	for i := 0; i < len(hostAndPath); i++ {
		if hostAndPath[i] == '/' {
			return hostAndPath[:i]
		}
	}
	return hostAndPath
}
