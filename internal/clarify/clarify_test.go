package clarify

import (
	"strings"
	"testing"

	"github.com/halcyon-health/halcyon/pkg/types"
)

func confident(tag types.IntentTag) types.Intent {
	return types.Intent{Tag: tag, Confidence: 0.9}
}

func TestGate_Check(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		intent     types.Intent
		wantNeeded bool
		wantReason Reason
	}{
		{
			name:       "clear query passes",
			query:      "first-line treatment for chronic kidney disease stage 3",
			intent:     confident(types.IntentTreatment),
			wantNeeded: false,
		},
		{
			name:       "two tokens is too short",
			query:      "kidney disease",
			intent:     confident(types.IntentGeneral),
			wantNeeded: true,
			wantReason: ReasonTooShort,
		},
		{
			name:       "low confidence",
			query:      "what about the other thing",
			intent:     types.Intent{Tag: types.IntentGeneral, Confidence: 0.3},
			wantNeeded: true,
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "confidence just below threshold",
			query:      "what should I watch for after starting amiodarone",
			intent:     types.Intent{Tag: types.IntentDrugInfo, Confidence: 0.49},
			wantNeeded: true,
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "confidence at threshold proceeds",
			query:      "what should I watch for after starting amiodarone",
			intent:     types.Intent{Tag: types.IntentDrugInfo, Confidence: 0.50},
			wantNeeded: false,
		},
		{
			name:       "ambiguous term without disambiguator",
			query:      "how do I manage kidney disease in elderly patients",
			intent:     confident(types.IntentTreatment),
			wantNeeded: true,
			wantReason: ReasonAmbiguousTerm,
		},
		{
			name:       "ambiguous term with disambiguator",
			query:      "how do I manage chronic kidney disease in elderly patients",
			intent:     confident(types.IntentTreatment),
			wantNeeded: false,
		},
		{
			name:       "diabetes without type",
			query:      "recommended screening intervals for diabetes complications",
			intent:     confident(types.IntentGuideline),
			wantNeeded: true,
			wantReason: ReasonAmbiguousTerm,
		},
		{
			name:       "diabetes with type",
			query:      "recommended screening intervals for type 2 diabetes complications",
			intent:     confident(types.IntentGuideline),
			wantNeeded: false,
		},
		{
			name:       "hepatitis single-letter disambiguator",
			query:      "vaccination schedule for hepatitis b exposure",
			intent:     confident(types.IntentGuideline),
			wantNeeded: false,
		},
		{
			name:       "hepatitis without qualifier",
			query:      "how does hepatitis present clinically",
			intent:     confident(types.IntentDiagnosis),
			wantNeeded: true,
			wantReason: ReasonAmbiguousTerm,
		},
		{
			name:       "length check wins over confidence check",
			query:      "diabetes help",
			intent:     types.Intent{Tag: types.IntentGeneral, Confidence: 0.2},
			wantNeeded: true,
			wantReason: ReasonTooShort,
		},
	}

	g := NewGate()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Check(tt.query, tt.intent)
			if got.Needed != tt.wantNeeded {
				t.Fatalf("Needed = %v, want %v (reason %q)", got.Needed, tt.wantNeeded, got.Reason)
			}
			if !tt.wantNeeded {
				return
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if got.Question == "" {
				t.Error("Question is empty")
			}
		})
	}
}

func TestGate_AmbiguousQuestionNamesTerm(t *testing.T) {
	g := NewGate()
	got := g.Check("differential for heart failure presentation", confident(types.IntentDiagnosis))
	if !got.Needed || got.Reason != ReasonAmbiguousTerm {
		t.Fatalf("result = %+v, want ambiguous-term clarification", got)
	}
	if !strings.Contains(got.Question, "heart failure") {
		t.Errorf("question %q does not name the ambiguous term", got.Question)
	}
	if !strings.Contains(got.Question, "preserved") {
		t.Errorf("question %q does not offer the rule's options", got.Question)
	}
}

func TestGate_CustomRules(t *testing.T) {
	g := NewGate(WithRules([]AmbiguityRule{
		{
			Term:           "stroke",
			Disambiguators: []string{"ischemic", "hemorrhagic", "tia"},
			Options:        "ischemic stroke, hemorrhagic stroke, or TIA",
		},
	}))

	got := g.Check("acute management of stroke in the ED", confident(types.IntentTreatment))
	if !got.Needed {
		t.Fatal("custom rule did not fire")
	}

	// The default rules were replaced entirely.
	got = g.Check("how does hepatitis present clinically", confident(types.IntentDiagnosis))
	if got.Needed {
		t.Error("default rule fired after WithRules replacement")
	}
}
