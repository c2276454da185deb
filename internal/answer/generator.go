// Package answer generates the streamed response (prompt construction, token
// streaming, the suspend/execute/resume tool-call protocol) and assembles the
// final QueryResponse with its inline citation markers.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const systemPrompt = "You are a clinical decision-support assistant for " +
	"licensed clinicians. Answer from the numbered context snippets when they " +
	"are relevant and cite them inline as [1], [2], and so on. Say so plainly " +
	"when the context does not cover the question. You support clinical " +
	"judgement; you do not replace it."

const (
	// historyWindow is the most recent conversation slice included in the prompt.
	historyWindow = 5

	// maxToolRounds bounds suspend/resume cycles within one generation, so a
	// model stuck requesting tools cannot loop forever.
	maxToolRounds = 4

	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

// Chunk is one streamed answer fragment. Index starts at 0 and increments
// without gaps across tool-call suspensions.
type Chunk struct {
	Index int
	Text  string
}

// Totals summarises a finished generation.
type Totals struct {
	// Text is the full answer.
	Text string

	// PromptTokens and CompletionTokens aggregate usage across all rounds.
	PromptTokens     int
	CompletionTokens int

	// CostUSD is the estimated cost under the configured rates.
	CostUSD float64

	// ToolCallIDs lists every tool call this answer depended on.
	ToolCallIDs []string

	// FirstToken is the latency to the first streamed text chunk.
	FirstToken time.Duration
}

// Input carries everything the generator needs for one answer.
type Input struct {
	Query           string
	Snippets        []types.RankedResult
	ClinicalContext string
	History         []types.Message

	UserID    string
	SessionID string
	TraceID   string
}

// ToolRunner executes model-requested tool calls. Satisfied by
// [tools.Executor].
type ToolRunner interface {
	Execute(ctx context.Context, req tools.Request) tools.Result
	Definitions() []types.ToolDefinition
}

// Generator streams answers from a model over retrieved context.
type Generator struct {
	runner      ToolRunner
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int

	// costInPerM / costOutPerM are USD per million prompt/completion tokens.
	costInPerM  float64
	costOutPerM float64
}

// GeneratorOption configures a [Generator].
type GeneratorOption func(*Generator)

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) GeneratorOption {
	return func(g *Generator) { g.temperature = t }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithCostRates sets the USD cost per million prompt and completion tokens
// used for the cost estimate.
func WithCostRates(inPerM, outPerM float64) GeneratorOption {
	return func(g *Generator) {
		g.costInPerM = inPerM
		g.costOutPerM = outPerM
	}
}

// WithGeneratorMetrics attaches the instrument set.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator builds a [Generator]. runner may be nil for deployments
// without tools; model-requested tool calls then end the stream.
func NewGenerator(runner ToolRunner, opts ...GeneratorOption) *Generator {
	g := &Generator{
		runner:      runner,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate streams an answer from provider, calling emit for every text
// fragment in order. When the model requests tools, generation suspends, the
// calls run through the tool runner, their results are injected into the
// conversation, and generation resumes with the next chunk index.
func (g *Generator) Generate(ctx context.Context, provider llm.Provider, in Input, emit func(Chunk) error) (Totals, error) {
	messages := g.buildMessages(in)

	var defs []types.ToolDefinition
	if g.runner != nil && provider.Capabilities().SupportsToolCalling {
		defs = g.runner.Definitions()
	}

	var (
		totals    Totals
		text      strings.Builder
		index     int
		start     = time.Now()
		firstSeen bool
	)

	for round := 0; ; round++ {
		stream, err := provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     messages,
			Tools:        defs,
			Temperature:  g.temperature,
			MaxTokens:    g.maxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return totals, fmt.Errorf("answer: start stream: %w", err)
		}

		var (
			roundText strings.Builder
			toolCalls []types.ToolCall
			finish    string
		)
		for chunk := range stream {
			if chunk.Text != "" {
				if !firstSeen {
					firstSeen = true
					totals.FirstToken = time.Since(start)
					g.recordFirstToken(ctx, provider.ModelID(), totals.FirstToken)
				}
				if err := emit(Chunk{Index: index, Text: chunk.Text}); err != nil {
					return totals, fmt.Errorf("answer: emit chunk %d: %w", index, err)
				}
				index++
				roundText.WriteString(chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.Usage != nil {
				totals.PromptTokens += chunk.Usage.PromptTokens
				totals.CompletionTokens += chunk.Usage.CompletionTokens
			}
		}
		if err := ctx.Err(); err != nil {
			return totals, err
		}
		text.WriteString(roundText.String())

		if finish == "error" {
			return totals, fmt.Errorf("answer: model stream failed mid-generation")
		}

		if finish != "tool_calls" || len(toolCalls) == 0 {
			break
		}
		if g.runner == nil || round+1 >= maxToolRounds {
			slog.Warn("tool round budget exhausted, finishing without tools",
				"trace_id", in.TraceID, "round", round)
			break
		}

		messages = g.runTools(ctx, messages, roundText.String(), toolCalls, in, &totals)
	}

	totals.Text = text.String()
	totals.CostUSD = g.estimateCost(totals)

	slog.Info("generation complete",
		"trace_id", in.TraceID,
		"model", provider.ModelID(),
		"chunks", index,
		"tool_calls", len(totals.ToolCallIDs),
		"first_token_ms", totals.FirstToken.Milliseconds(),
		"completion_tokens", totals.CompletionTokens)
	return totals, nil
}

// runTools executes the requested calls and appends the assistant turn plus
// one tool-role message per result to the conversation.
func (g *Generator) runTools(ctx context.Context, messages []types.Message, assistantText string, calls []types.ToolCall, in Input, totals *Totals) []types.Message {
	messages = append(messages, types.Message{
		Role:      "assistant",
		Content:   assistantText,
		ToolCalls: calls,
	})

	for _, call := range calls {
		res := g.runner.Execute(ctx, tools.Request{
			Name:      call.Name,
			RawArgs:   call.Arguments,
			UserID:    in.UserID,
			SessionID: in.SessionID,
			TraceID:   in.TraceID,
		})
		totals.ToolCallIDs = append(totals.ToolCallIDs, res.CallID)

		content := res.Content
		if !res.Success {
			content = fmt.Sprintf(`{"error":%q,"kind":%q}`, res.ErrorMessage, res.ErrorKind)
		}
		messages = append(messages, types.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return messages
}

// buildMessages assembles the conversation in the order: recent history,
// context snippets, clinical context, then the query.
func (g *Generator) buildMessages(in Input) []types.Message {
	history := in.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]types.Message, 0, len(history)+1)
	messages = append(messages, history...)

	var sb strings.Builder
	if len(in.Snippets) > 0 {
		sb.WriteString("Context snippets:\n")
		for i, s := range in.Snippets {
			fmt.Fprintf(&sb, "[%d] %s", i+1, s.Source)
			if s.Title != "" {
				fmt.Fprintf(&sb, " — %s", s.Title)
			}
			sb.WriteString(":\n")
			sb.WriteString(s.Content)
			sb.WriteString("\n\n")
		}
	}
	if in.ClinicalContext != "" {
		fmt.Fprintf(&sb, "Clinical context: %s\n\n", in.ClinicalContext)
	}
	sb.WriteString(in.Query)

	return append(messages, types.Message{Role: "user", Content: sb.String()})
}

func (g *Generator) recordFirstToken(ctx context.Context, model string, d time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.FirstTokenLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("model", model)))
}

func (g *Generator) estimateCost(t Totals) float64 {
	return float64(t.PromptTokens)/1e6*g.costInPerM +
		float64(t.CompletionTokens)/1e6*g.costOutPerM
}
