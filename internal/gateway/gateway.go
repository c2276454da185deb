// Package gateway exposes the clinical copilot over a WebSocket connection:
// typed queries stream back as answer chunks, audio frames run through the
// voice pipeline, tool confirmations round-trip as events, and every boundary
// failure is delivered as a stable error code.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/halcyon-health/halcyon/internal/answer"
	"github.com/halcyon-health/halcyon/internal/convo"
	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/internal/orchestrator"
	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/internal/voice"
	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	"github.com/halcyon-health/halcyon/pkg/provider/tts"
	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// DefaultWriteTimeout bounds one outbound event write.
const DefaultWriteTimeout = 10 * time.Second

// wire is the outbound half of a connection, abstracted for tests.
type wire interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
}

// Server accepts WebSocket connections and runs the event protocol over them.
type Server struct {
	orch     *orchestrator.Orchestrator
	sessions *convo.Manager
	exec     *tools.Executor
	metrics  *observe.Metrics

	sttP         stt.Provider
	ttsP         tts.Provider
	vadE         vad.Engine
	voiceOpts    []voice.Option
	defaultVoice types.VoiceProfile

	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*conn // keyed by session id
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithTools attaches the tool executor; without it, tool confirmations are
// rejected and queries run without tools.
func WithTools(exec *tools.Executor) ServerOption {
	return func(s *Server) { s.exec = exec }
}

// WithVoice enables the voice pipeline on this server.
func WithVoice(sttP stt.Provider, ttsP tts.Provider, vadE vad.Engine, profile types.VoiceProfile, opts ...voice.Option) ServerOption {
	return func(s *Server) {
		s.sttP = sttP
		s.ttsP = ttsP
		s.vadE = vadE
		s.defaultVoice = profile
		s.voiceOpts = opts
	}
}

// WithServerMetrics attaches the instrument set.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithWriteTimeout overrides the per-event write deadline.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer builds a [Server] over the orchestrator and session manager.
func NewServer(orch *orchestrator.Orchestrator, sessions *convo.Manager, opts ...ServerOption) *Server {
	s := &Server{
		orch:         orch,
		sessions:     sessions,
		writeTimeout: DefaultWriteTimeout,
		conns:        make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ http.Handler = (*Server)(nil)

// ServeHTTP upgrades the request and runs the connection until the client
// goes away. The user is identified by the X-User-ID header (or user_id query
// parameter); session_id resumes an existing session, otherwise a fresh one
// is created.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	sessionID, err := s.resolveSession(ctx, r.URL.Query().Get("session_id"), userID)
	if err != nil {
		c := &conn{s: s, out: sock}
		_ = c.send(ctx, errorEventOf(err))
		sock.Close(websocket.StatusPolicyViolation, "session unavailable")
		return
	}

	c := &conn{s: s, sock: sock, out: sock, sessionID: sessionID, userID: userID}
	s.register(c)
	defer s.unregister(c)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	c.run(ctx)
	sock.Close(websocket.StatusNormalClosure, "")
}

// resolveSession validates an existing session id or creates a new session
// owned by userID. Errors carry boundary codes so the client sees
// SESSION_NOT_FOUND rather than a generic failure.
func (s *Server) resolveSession(ctx context.Context, sessionID, userID string) (string, error) {
	if sessionID != "" {
		if _, err := s.sessions.Get(ctx, sessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fault.New(fault.CodeSessionNotFound, "gateway",
					"session "+sessionID+" does not exist or has expired")
			}
			return "", fault.Wrap(fault.CodeDegradedMode, "gateway", err)
		}
		return sessionID, nil
	}
	now := time.Now().UTC()
	sess := store.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if _, err := s.sessions.CreateSession(ctx, sess); err != nil {
		return "", fault.Wrap(fault.CodeDegradedMode, "gateway", err)
	}
	return sess.ID, nil
}

// PublishConfirmation implements [tools.ConfirmationPublisher]: the request
// is routed to the connection that owns the call's session. With no attached
// client the call times out in the broker on its own.
func (s *Server) PublishConfirmation(ctx context.Context, call tools.Call) {
	s.mu.Lock()
	c := s.conns[call.SessionID]
	s.mu.Unlock()
	if c == nil {
		slog.Warn("confirmation request with no attached client",
			"call_id", call.ID, "session_id", call.SessionID)
		return
	}
	_ = c.send(ctx, toolCallRequestEvent{
		Type:               "tool.call_request",
		CallID:             call.ID,
		Name:               call.Name,
		Arguments:          rawJSON(call.Arguments),
		ConfirmationPrompt: fmt.Sprintf("Approve running %s with the shown arguments?", call.Name),
	})
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.sessionID] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	if s.conns[c.sessionID] == c {
		delete(s.conns, c.sessionID)
	}
	s.mu.Unlock()
}

// voiceEnabled reports whether voice providers are configured.
func (s *Server) voiceEnabled() bool {
	return s.sttP != nil && s.ttsP != nil && s.vadE != nil
}

// ─── connection ───────────────────────────────────────────────────────────────

// conn is one client connection. Writes are serialised; one text query may be
// in flight at a time, voice runs independently alongside.
type conn struct {
	s         *Server
	sock      *websocket.Conn
	out       wire
	sessionID string
	userID    string

	writeMu sync.Mutex

	queryMu  sync.Mutex
	inFlight bool

	voiceMu sync.Mutex
	vs      *voice.Session
	vwg     sync.WaitGroup
}

// run drives the read loop until the socket or context ends.
func (c *conn) run(ctx context.Context) {
	// Deferred LIFO: cancel first so the ctx-driven pumps exit, then await
	// them in closeVoice.
	ctx, cancel := context.WithCancel(ctx)
	defer c.closeVoice()
	defer cancel()

	_ = c.send(ctx, sessionReadyEvent{Type: "session.ready", SessionID: c.sessionID})

	for {
		_, raw, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		c.dispatch(ctx, raw)
	}
}

// dispatch routes one inbound event.
func (c *conn) dispatch(ctx context.Context, raw []byte) {
	var ev clientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		_ = c.send(ctx, validationError("malformed event payload"))
		return
	}

	switch ev.Type {
	case evMessage:
		c.handleMessage(ctx, ev)
	case evAudioInput:
		c.handleAudio(ctx, ev)
	case evAudioComplete:
		// Endpointing decides when the utterance is over; the marker is
		// informational.
	case evBargeIn:
		c.handleBargeIn(ctx)
	case evToolConfirmation:
		c.handleConfirmation(ctx, ev)
	case evPing:
		_ = c.send(ctx, pongEvent{Type: "pong"})
	default:
		_ = c.send(ctx, unknownMessageError(ev.Type))
	}
}

func (c *conn) handleMessage(ctx context.Context, ev clientEvent) {
	query := strings.TrimSpace(ev.Text)
	if query == "" {
		_ = c.send(ctx, validationError("message text must not be empty"))
		return
	}

	c.queryMu.Lock()
	if c.inFlight {
		c.queryMu.Unlock()
		_ = c.send(ctx, validationError("a query is already in flight on this connection"))
		return
	}
	c.inFlight = true
	c.queryMu.Unlock()

	go func() {
		defer func() {
			c.queryMu.Lock()
			c.inFlight = false
			c.queryMu.Unlock()
		}()
		c.runQuery(ctx, query)
	}()
}

// runQuery streams one text query back as response.start / chunk /
// response.done, or a single error event. Each query gets its own span under
// the connection's trace so the wire trace_id lines up with telemetry.
func (c *conn) runQuery(ctx context.Context, query string) {
	ctx, span := observe.StartSpan(ctx, "gateway.query")
	defer span.End()

	messageID := uuid.NewString()
	_ = c.send(ctx, responseStartEvent{Type: "response.start", MessageID: messageID})

	var runner answer.ToolRunner
	if c.s.exec != nil {
		runner = &eventRunner{c: c, inner: c.s.exec}
	}

	resp, err := c.s.orch.HandleQueryWithTools(ctx, orchestrator.Request{
		SessionID: c.sessionID,
		UserID:    c.userID,
		Query:     query,
		MessageID: messageID,
	}, func(ch answer.Chunk) error {
		return c.send(ctx, chunkEvent{
			Type:       "chunk",
			MessageID:  messageID,
			ChunkIndex: ch.Index,
			Content:    ch.Text,
		})
	}, runner)
	if err != nil {
		_ = c.send(ctx, errorEventOf(err))
		return
	}

	_ = c.send(ctx, responseDoneEvent{
		Type:          "response.done",
		MessageID:     resp.MessageID,
		Answer:        resp.Answer,
		Clarification: resp.Clarification,
		Citations:     resp.Citations,
		Metadata:      resp.Metadata,
	})
}

func (c *conn) handleAudio(ctx context.Context, ev clientEvent) {
	if !c.s.voiceEnabled() {
		_ = c.send(ctx, validationError("voice is not enabled on this deployment"))
		return
	}
	frame, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil {
		_ = c.send(ctx, validationError("audio payload is not valid base64"))
		return
	}

	vs, err := c.voiceSession(ctx)
	if err != nil {
		_ = c.send(ctx, errorEventOf(err))
		return
	}
	if err := vs.SendAudio(frame); err != nil {
		_ = c.send(ctx, errorEventOf(err))
	}
}

func (c *conn) handleBargeIn(ctx context.Context) {
	c.voiceMu.Lock()
	vs := c.vs
	c.voiceMu.Unlock()
	if vs == nil {
		_ = c.send(ctx, validationError("no voice session to interrupt"))
		return
	}
	vs.BargeIn()
}

func (c *conn) handleConfirmation(ctx context.Context, ev clientEvent) {
	if c.s.exec == nil {
		_ = c.send(ctx, validationError("tools are not enabled on this deployment"))
		return
	}
	if ev.CallID == "" || ev.Approved == nil {
		_ = c.send(ctx, validationError("tool.confirmation requires call_id and approved"))
		return
	}
	if !c.s.exec.Confirm(ev.CallID, *ev.Approved) {
		_ = c.send(ctx, validationError("no pending confirmation for call "+ev.CallID))
	}
}

// voiceSession lazily starts the voice pipeline for this connection.
func (c *conn) voiceSession(ctx context.Context) (*voice.Session, error) {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()
	if c.vs != nil {
		return c.vs, nil
	}

	pipeline := voice.New(
		c.s.sttP, c.s.ttsP, c.s.vadE,
		c.s.orch.VoiceResponder(c.sessionID, c.userID),
		c.voiceProfile(ctx),
		c.s.voiceOpts...,
	)
	vs, err := pipeline.StartSession(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}
	c.vs = vs

	c.vwg.Add(5)
	go c.pumpPartials(ctx, vs)
	go c.pumpFinals(ctx, vs)
	go c.pumpStates(ctx, vs)
	go c.pumpCancellations(ctx, vs)
	go c.pumpAudio(ctx, vs)
	return vs, nil
}

// voiceProfile applies the session's voice preference over the server default.
func (c *conn) voiceProfile(ctx context.Context) types.VoiceProfile {
	profile := c.s.defaultVoice
	cc, err := c.s.sessions.Get(ctx, c.sessionID)
	if err != nil {
		return profile
	}
	if id := cc.Session.Preferences.VoiceID; id != "" {
		profile.ID = id
	}
	if lang := cc.Session.Preferences.Language; lang != "" {
		profile.Language = lang
	}
	return profile
}

func (c *conn) closeVoice() {
	c.voiceMu.Lock()
	vs := c.vs
	c.vs = nil
	c.voiceMu.Unlock()
	if vs == nil {
		return
	}
	_ = vs.Close()
	c.vwg.Wait()
}

func (c *conn) pumpPartials(ctx context.Context, vs *voice.Session) {
	defer c.vwg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-vs.Partials():
			if !ok {
				return
			}
			_ = c.send(ctx, transcriptEvent{Type: "transcript.partial", Text: t.Text, Confidence: t.Confidence})
		}
	}
}

func (c *conn) pumpFinals(ctx context.Context, vs *voice.Session) {
	defer c.vwg.Done()
	for t := range vs.Finals() {
		_ = c.send(ctx, transcriptEvent{Type: "transcript.final", Text: t.Text, Confidence: t.Confidence})
	}
}

func (c *conn) pumpStates(ctx context.Context, vs *voice.Session) {
	defer c.vwg.Done()
	for st := range vs.States() {
		_ = c.send(ctx, voiceStateEvent{Type: "voice.state", State: st.String()})
	}
}

func (c *conn) pumpCancellations(ctx context.Context, vs *voice.Session) {
	defer c.vwg.Done()
	for cancelled := range vs.Cancellations() {
		_ = c.send(ctx, responseCancelledEvent{
			Type:             "response.cancelled",
			ResponseID:       cancelled.ResponseID,
			PlaybackOffsetMs: cancelled.PlaybackOffset.Milliseconds(),
			Reason:           cancelled.Reason,
		})
	}
}

// pumpAudio delivers synthesized audio to the client. Delivered bytes count
// as played for barge-in offset purposes.
func (c *conn) pumpAudio(ctx context.Context, vs *voice.Session) {
	defer c.vwg.Done()
	q := vs.Audio()
	for {
		chunk, err := q.Pop(ctx)
		if err != nil {
			return
		}
		ev := audioOutputEvent{
			Type:       "audio.output",
			ResponseID: chunk.ResponseID,
			ChunkIndex: chunk.Index,
			Data:       base64.StdEncoding.EncodeToString(chunk.Data),
		}
		if err := c.send(ctx, ev); err != nil {
			return
		}
		q.MarkPlayed(len(chunk.Data))
	}
}

// send serialises one event onto the socket.
func (c *conn) send(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: encode event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, c.s.writeTimeout)
	defer cancel()
	return c.out.Write(wctx, websocket.MessageText, raw)
}

// eventRunner forwards tool results onto the connection's event stream while
// delegating execution.
type eventRunner struct {
	c     *conn
	inner answer.ToolRunner
}

func (r *eventRunner) Execute(ctx context.Context, req tools.Request) tools.Result {
	res := r.inner.Execute(ctx, req)
	_ = r.c.send(ctx, toolResultEvent{
		Type:      "tool.result",
		CallID:    res.CallID,
		Name:      res.Name,
		Success:   res.Success,
		Payload:   rawJSON(res.Content),
		ErrorKind: res.ErrorKind,
	})
	return res
}

func (r *eventRunner) Definitions() []types.ToolDefinition {
	return r.inner.Definitions()
}

// rawJSON wraps a pre-encoded JSON string, or nil when empty.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
