// Package types defines the shared value types used across all Halcyon packages.
//
// These types form the lingua franca between providers, the query orchestrator,
// the voice pipeline, and the storage layers. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Message represents a single message in a conversation history.
type Message struct {
	// ID is the unique message identifier (UUID), assigned on creation.
	ID string

	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string

	// Citations lists the citation IDs attached to an assistant message.
	Citations []string

	// CreatedAt is when the message was recorded. Messages within a session
	// form a strictly increasing sequence by this timestamp.
	CreatedAt time.Time
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call.
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool registered with the tool executor and
// offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Category groups related tools (e.g., "scheduling", "clinical_reference").
	Category string

	// RequiresPHI marks tools that legitimately consume protected health
	// information. Tools with RequiresPHI=false are rejected when PHI is
	// detected in their arguments; tools with RequiresPHI=true execute
	// against local collaborators only.
	RequiresPHI bool

	// RequiresConfirmation marks tools that need an explicit user approval
	// round-trip before execution.
	RequiresConfirmation bool

	// RiskLevel classifies the tool's blast radius: "low", "medium", "high".
	RiskLevel string

	// RateLimitPerMinute is the per-user sliding-window call budget.
	// Zero means no limit.
	RateLimitPerMinute int

	// TimeoutSeconds bounds a single execution. Zero means the executor default.
	TimeoutSeconds int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// ─── PHI ──────────────────────────────────────────────────────────────────────

// PHIEntityKind classifies a detected protected-health-information entity.
type PHIEntityKind string

const (
	PHIPersonName  PHIEntityKind = "person_name"
	PHIDate        PHIEntityKind = "date"
	PHIMRN         PHIEntityKind = "mrn"
	PHINationalID  PHIEntityKind = "national_id"
	PHIPhoneNumber PHIEntityKind = "phone_number"
	PHIAddress     PHIEntityKind = "address"
)

// PHIEntity is a single detected span of protected health information.
type PHIEntity struct {
	// Kind classifies the entity.
	Kind PHIEntityKind

	// Start and End are byte offsets into the analysed text, [Start, End).
	Start int
	End   int

	// Surface is the matched text. Never persisted in audit records.
	Surface string
}

// PHIVerdict is the read-only result of PHI classification. It is used to
// pick the model route and to redact audit payloads.
type PHIVerdict struct {
	// HasPHI reports whether any protected entity was detected.
	HasPHI bool

	// Entities lists all detected spans, ordered by Start offset.
	Entities []PHIEntity
}

// ─── Intent ───────────────────────────────────────────────────────────────────

// IntentTag is the closed enumeration of recognised query intents.
type IntentTag string

const (
	IntentDiagnosis        IntentTag = "diagnosis"
	IntentTreatment        IntentTag = "treatment"
	IntentDrugInfo         IntentTag = "drug_info"
	IntentGuideline        IntentTag = "guideline"
	IntentCaseConsultation IntentTag = "case_consultation"
	IntentGeneral          IntentTag = "general"
)

// IsValid reports whether t is a recognised intent tag.
func (t IntentTag) IsValid() bool {
	switch t {
	case IntentDiagnosis, IntentTreatment, IntentDrugInfo,
		IntentGuideline, IntentCaseConsultation, IntentGeneral:
		return true
	}
	return false
}

// Intent is a classified query intent with its confidence.
type Intent struct {
	// Tag is the intent label.
	Tag IntentTag

	// Confidence is the classifier's confidence in [0, 1]. Queries below the
	// clarification threshold are treated as ambiguous downstream.
	Confidence float64
}

// ─── Retrieval ────────────────────────────────────────────────────────────────

// SearchResult is a single hit returned by a knowledge source. Ephemeral per
// request.
type SearchResult struct {
	// Source is the name of the source that produced this result.
	Source string

	// SourceKind classifies the producing source (e.g., "guidelines").
	SourceKind string

	// Content is the retrieved passage.
	Content string

	// Score is the source's own relevance score (scale is source-defined).
	Score float64

	// Title is the document or section title, if known.
	Title string

	// URL is an external link or internal pointer to the full document.
	URL string

	// EvidenceGrade is an optional evidence classification (e.g., "A", "IIb").
	EvidenceGrade string

	// DocID is the source-internal document identifier.
	DocID string
}

// RankedResult is a SearchResult with its post-rerank score. Results are
// deduplicated against peers by normalised-content similarity before ranking.
type RankedResult struct {
	SearchResult

	// RerankScore is the cross-encoder (or fallback) relevance score in [0, 1].
	RerankScore float64

	// FetchOrder is the result's position in the fused fan-out output,
	// used as the final tie-break.
	FetchOrder int
}

// Citation is a reference attached to an assembled response. Inline markers
// in the answer text refer to citations by Index.
type Citation struct {
	// Index is the 1-based inline marker number within the response.
	Index int

	// SourceKind is the kind of the originating source (e.g., "guidelines").
	SourceKind string

	// Title is the cited document title.
	Title string

	// URL is an external link or internal pointer.
	URL string

	// EvidenceGrade is optional evidence metadata carried from the result.
	EvidenceGrade string
}

// SourceOutcome records how a single source fared during fan-out. Surfaced in
// response metadata so per-source failures are never silent.
type SourceOutcome struct {
	// Name is the source name.
	Name string

	// Outcome is one of "ok", "empty", "timeout", "error", "circuit_open".
	Outcome string

	// Results is the number of hits the source contributed.
	Results int
}

// ResponseMetadata carries the bookkeeping attached to every QueryResponse.
type ResponseMetadata struct {
	// Model is the identifier of the model that generated the answer.
	Model string

	// PHIDetected reports the PHI verdict for the query.
	PHIDetected bool

	// Intent is the classified intent tag.
	Intent IntentTag

	// Sources lists every selected source with its fan-out outcome.
	Sources []SourceOutcome

	// ToolCalls lists the IDs of tool calls the answer depended on.
	ToolCalls []string

	// PromptTokens and CompletionTokens are the generation totals.
	PromptTokens     int
	CompletionTokens int

	// CostUSD is the estimated generation cost.
	CostUSD float64

	// TraceID is the per-request identifier propagated across components.
	TraceID string

	// Degraded marks responses produced by the degraded-mode fallback path.
	Degraded bool
}

// QueryResponse is the final assembled answer for one query.
type QueryResponse struct {
	// MessageID identifies the assistant message this response became.
	MessageID string

	// Answer is the response text with inline citation markers ("[1]", "[2]").
	Answer string

	// Citations is the parallel citation list; every inline marker refers to
	// exactly one entry and vice versa.
	Citations []Citation

	// Clarification, when non-empty, indicates the orchestrator is asking the
	// user to disambiguate instead of answering; Answer carries the question.
	Clarification bool

	// Metadata is the response bookkeeping.
	Metadata ResponseMetadata
}

// ─── Audio / voice ────────────────────────────────────────────────────────────

// AudioFrame represents a single frame of PCM16 audio flowing through the
// voice pipeline.
type AudioFrame struct {
	// Data is raw little-endian PCM16 audio.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// AudioChunk is an outbound synthesised audio chunk with its ordering index.
// For a given response, Index values are monotonic without gaps.
type AudioChunk struct {
	// ResponseID ties the chunk to the response being spoken.
	ResponseID string

	// Index is the monotonic sequence number within the response, from 0.
	Index int

	// Data is raw PCM16 audio.
	Data []byte
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. A final replaces all prior partials for the
	// same utterance.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word timing detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 language tag for synthesis.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}
