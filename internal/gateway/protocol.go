package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// clientEvent is the envelope for every inbound message. Type selects which
// of the optional fields are meaningful.
type clientEvent struct {
	Type string `json:"type"`

	// Text carries the query for "message".
	Text string `json:"text,omitempty"`

	// Audio carries base64-encoded PCM16 for "audio.input".
	Audio string `json:"audio,omitempty"`

	// CallID and Approved carry the user's verdict for "tool.confirmation".
	CallID   string `json:"call_id,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
}

// Inbound event types.
const (
	evMessage          = "message"
	evAudioInput       = "audio.input"
	evAudioComplete    = "audio.input.complete"
	evBargeIn          = "barge_in"
	evToolConfirmation = "tool.confirmation"
	evPing             = "ping"
)

// sessionReadyEvent is sent once after the connection is established.
type sessionReadyEvent struct {
	Type      string `json:"type"` // "session.ready"
	SessionID string `json:"session_id"`
}

// transcriptEvent carries interim and final speech transcripts.
type transcriptEvent struct {
	Type       string  `json:"type"` // "transcript.partial" or "transcript.final"
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// responseStartEvent opens one streamed answer.
type responseStartEvent struct {
	Type      string `json:"type"` // "response.start"
	MessageID string `json:"message_id"`
}

// chunkEvent is one streamed answer fragment.
type chunkEvent struct {
	Type       string `json:"type"` // "chunk"
	MessageID  string `json:"message_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
}

// responseDoneEvent closes a streamed answer with its citations and metadata.
type responseDoneEvent struct {
	Type          string                 `json:"type"` // "response.done"
	MessageID     string                 `json:"message_id"`
	Answer        string                 `json:"answer"`
	Clarification bool                   `json:"clarification,omitempty"`
	Citations     []types.Citation       `json:"citations,omitempty"`
	Metadata      types.ResponseMetadata `json:"metadata"`
}

// audioOutputEvent is one synthesized audio chunk, base64 PCM16.
type audioOutputEvent struct {
	Type       string `json:"type"` // "audio.output"
	ResponseID string `json:"response_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       string `json:"data"`
}

// voiceStateEvent reports a voice pipeline state transition.
type voiceStateEvent struct {
	Type  string `json:"type"` // "voice.state"
	State string `json:"state"`
}

// responseCancelledEvent reports a barge-in: the named response was cut off
// after PlaybackOffsetMs of audio had been delivered.
type responseCancelledEvent struct {
	Type             string `json:"type"` // "response.cancelled"
	ResponseID       string `json:"response_id"`
	PlaybackOffsetMs int64  `json:"playback_offset_ms"`
	Reason           string `json:"reason"`
}

// toolCallRequestEvent asks the user to approve a pending tool call.
type toolCallRequestEvent struct {
	Type               string          `json:"type"` // "tool.call_request"
	CallID             string          `json:"call_id"`
	Name               string          `json:"name"`
	Arguments          json.RawMessage `json:"arguments,omitempty"`
	ConfirmationPrompt string          `json:"confirmation_prompt"`
}

// toolResultEvent reports a finished tool call.
type toolResultEvent struct {
	Type      string          `json:"type"` // "tool.result"
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// errorEvent is the boundary error shape. Every outbound error carries a
// stable code and a PHI-safe message.
type errorEvent struct {
	Type         string `json:"type"` // "error"
	Code         string `json:"code"`
	Message      string `json:"message"`
	Component    string `json:"component,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

type pongEvent struct {
	Type string `json:"type"` // "pong"
}

// errorEventOf maps any error to the wire shape. Non-boundary errors are
// reported as LLM_UNAVAILABLE with a generic message so internals never leak.
func errorEventOf(err error) errorEvent {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return errorEvent{
			Type:         "error",
			Code:         string(fe.Code),
			Message:      fe.Message,
			Component:    fe.Component,
			TraceID:      fe.TraceID,
			RetryAfterMs: retryAfterMs(fe.RetryAfter),
		}
	}
	return errorEvent{
		Type:    "error",
		Code:    string(fault.CodeLLMUnavailable),
		Message: "the request could not be completed",
	}
}

// validationError builds a VALIDATION_ERROR event.
func validationError(msg string) errorEvent {
	return errorEvent{Type: "error", Code: string(fault.CodeValidation), Message: msg}
}

// unknownMessageError builds an UNKNOWN_MESSAGE_TYPE event.
func unknownMessageError(typ string) errorEvent {
	return errorEvent{
		Type:    "error",
		Code:    string(fault.CodeUnknownMessage),
		Message: "unrecognised message type " + typ,
	}
}

// retryAfterMs converts a duration to whole milliseconds, rounding up so a
// sub-millisecond hint never serialises to zero.
func retryAfterMs(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}
