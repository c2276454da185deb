package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// classifySystemPrompt instructs the model to answer with a single JSON
// object. Kept terse: the classifier runs on every query.
const classifySystemPrompt = `You classify clinical questions into exactly one intent.
Intents: diagnosis, treatment, drug_info, guideline, case_consultation, general.
Answer with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0.0-1.0>}`

// historyWindow is how many trailing messages are included for context.
const historyWindow = 3

// LLM is the learned intent classifier. It asks a language model for a
// (label, confidence) pair in JSON.
type LLM struct {
	provider    llm.Provider
	temperature float64
}

// NewLLM builds a learned classifier on top of provider. Classification runs
// with near-zero temperature regardless of the generation settings.
func NewLLM(provider llm.Provider) *LLM {
	return &LLM{provider: provider, temperature: 0.0}
}

var _ Classifier = (*LLM)(nil)

// classification is the expected model output shape.
type classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classify implements [Classifier].
func (l *LLM) Classify(ctx context.Context, query string, recent []types.Message) (types.Intent, error) {
	var sb strings.Builder
	if n := len(recent); n > 0 {
		start := max(0, n-historyWindow)
		sb.WriteString("Recent conversation:\n")
		for _, msg := range recent[start:] {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Query: ")
	sb.WriteString(query)

	resp, err := l.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifySystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: l.temperature,
		MaxTokens:   64,
	})
	if err != nil {
		return types.Intent{}, fmt.Errorf("classify: completion failed: %w", err)
	}

	return parseClassification(resp.Content)
}

// parseClassification extracts the JSON object from the model output and
// validates it. Tolerates surrounding prose or code fences.
func parseClassification(content string) (types.Intent, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return types.Intent{}, fmt.Errorf("classify: no JSON object in model output %q", truncate(content, 80))
	}

	var c classification
	if err := json.Unmarshal([]byte(content[start:end+1]), &c); err != nil {
		return types.Intent{}, fmt.Errorf("classify: malformed model output: %w", err)
	}

	tag := types.IntentTag(c.Intent)
	if !tag.IsValid() {
		return types.Intent{}, fmt.Errorf("classify: unknown intent %q", c.Intent)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return types.Intent{}, fmt.Errorf("classify: confidence %v out of range", c.Confidence)
	}

	return types.Intent{Tag: tag, Confidence: c.Confidence}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
