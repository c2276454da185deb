package classify

import (
	"context"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// phraseSets maps each intent tag to its curated trigger phrases. Multi-word
// phrases are matched as substrings of the lowercased query; single words are
// matched on token boundaries.
var phraseSets = map[types.IntentTag][]string{
	types.IntentDiagnosis: {
		"differential", "diagnosis", "diagnose", "what could cause",
		"what causes", "presents with", "presenting with", "rule out",
		"workup", "work-up", "etiology",
	},
	types.IntentTreatment: {
		"treatment", "treat", "therapy", "management", "manage",
		"first-line", "first line", "second-line", "regimen",
		"how to start", "titrate", "intervention",
	},
	types.IntentDrugInfo: {
		"dose", "dosage", "dosing", "interaction", "interactions",
		"contraindication", "contraindicated", "side effect",
		"side effects", "adverse", "renal adjustment", "half-life",
		"mechanism of action",
	},
	types.IntentGuideline: {
		"guideline", "guidelines", "recommendation", "recommendations",
		"protocol", "criteria", "screening", "consensus", "according to",
	},
	types.IntentCaseConsultation: {
		"my patient", "this patient", "year-old", "year old", "y/o",
		"case", "consult", "presented to", "admitted with",
	},
}

// Rules is the deterministic phrase-set classifier. It never errors, which
// makes it the terminal fallback of a [Chain].
type Rules struct{}

// NewRules returns the deterministic classifier.
func NewRules() *Rules { return &Rules{} }

var _ Classifier = (*Rules)(nil)

// Classify implements [Classifier]. The tag with the most phrase matches
// wins; confidence grows with the number of matches. A query matching no
// phrase set is classified as general intent.
func (r *Rules) Classify(_ context.Context, query string, _ []types.Message) (types.Intent, error) {
	lowered := strings.ToLower(query)
	tokens := tokenSet(lowered)

	best := types.IntentGeneral
	bestHits := 0
	for _, tag := range []types.IntentTag{
		// Fixed evaluation order so ties resolve deterministically. Case
		// consultation is checked first: a case description usually also
		// contains diagnosis or treatment phrasing.
		types.IntentCaseConsultation,
		types.IntentDrugInfo,
		types.IntentGuideline,
		types.IntentTreatment,
		types.IntentDiagnosis,
	} {
		hits := 0
		for _, phrase := range phraseSets[tag] {
			if matchPhrase(lowered, tokens, phrase) {
				hits++
			}
		}
		if hits > bestHits {
			best = tag
			bestHits = hits
		}
	}

	return types.Intent{Tag: best, Confidence: ruleConfidence(bestHits)}, nil
}

// ruleConfidence maps a match count to a confidence score. A single phrase
// hit lands above the clarification threshold; additional hits add certainty.
func ruleConfidence(hits int) float64 {
	switch {
	case hits == 0:
		return 0.6 // general: answerable, just unspecific
	case hits == 1:
		return 0.7
	case hits == 2:
		return 0.8
	default:
		return 0.9
	}
}

// matchPhrase reports whether phrase occurs in the query. Single-word phrases
// must match a whole token so "treat" does not fire on "retreat".
func matchPhrase(lowered string, tokens map[string]struct{}, phrase string) bool {
	if strings.ContainsRune(phrase, ' ') {
		return strings.Contains(lowered, phrase)
	}
	_, ok := tokens[phrase]
	return ok
}

// tokenSet splits a lowercased query into a set of alphanumeric tokens,
// keeping intra-word hyphens and slashes ("first-line", "y/o").
func tokenSet(lowered string) map[string]struct{} {
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '-' || r == '/':
			return false
		}
		return true
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
