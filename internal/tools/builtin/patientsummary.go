package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const summarySystemPrompt = "You are a clinical summarisation assistant. " +
	"Summarise the provided chart material into a concise problem-oriented " +
	"overview: active problems, current medications, recent results, and open " +
	"follow-ups. Do not invent information that is not in the material."

type summaryArgs struct {
	PatientRef string `json:"patient_ref" jsonschema:"required,description=Patient reference such as an MRN"`
	Material   string `json:"material" jsonschema:"required,description=Chart excerpts or notes to summarise"`
	Focus      string `json:"focus,omitempty" jsonschema:"description=Optional aspect to emphasise (e.g. renal function)"`
}

type summaryResult struct {
	PatientRef string `json:"patient_ref"`
	Summary    string `json:"summary"`
	Tokens     int    `json:"tokens"`
}

// PatientSummary summarises chart material with a model. The tool consumes
// PHI, so the provider handed to [NewPatientSummary] must be a local
// collaborator; chart material never reaches a cloud endpoint through this
// tool.
type PatientSummary struct {
	local llm.Provider
}

// NewPatientSummary builds the patient_summary tool over a local model.
func NewPatientSummary(local llm.Provider) *PatientSummary {
	return &PatientSummary{local: local}
}

// Definition implements [tools.Handler].
func (p *PatientSummary) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:               "patient_summary",
		Description:        "Summarise patient chart material into a problem-oriented overview.",
		Parameters:         argsSchema[summaryArgs](),
		Category:           "clinical_reference",
		RequiresPHI:        true,
		RiskLevel:          "medium",
		RateLimitPerMinute: 20,
		TimeoutSeconds:     60,
		Idempotent:         true,
	}
}

// Invoke implements [tools.Handler].
func (p *PatientSummary) Invoke(ctx context.Context, rawArgs string) (string, error) {
	args, err := decodeArgs[summaryArgs](rawArgs)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Material) == "" {
		return "", fmt.Errorf("builtin: no chart material to summarise")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Patient: %s\n", args.PatientRef)
	if args.Focus != "" {
		fmt.Fprintf(&prompt, "Focus on: %s\n", args.Focus)
	}
	prompt.WriteString("\nChart material:\n")
	prompt.WriteString(args.Material)

	resp, err := p.local.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: prompt.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("builtin: summarise: %w", err)
	}

	return encodeResult(summaryResult{
		PatientRef: args.PatientRef,
		Summary:    resp.Content,
		Tokens:     resp.Usage.TotalTokens,
	})
}

var _ tools.Handler = (*PatientSummary)(nil)
