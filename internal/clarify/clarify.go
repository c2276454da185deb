// Package clarify implements the clarification gate that runs between intent
// classification and source fan-out. Instead of answering, the orchestrator
// asks a follow-up question when the query is too short, the intent
// confidence is low, or a curated ambiguous term appears without a
// disambiguator.
package clarify

import (
	"fmt"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// Reason identifies why the gate asked for clarification.
type Reason string

const (
	ReasonLowConfidence Reason = "low_confidence"
	ReasonTooShort      Reason = "too_short"
	ReasonAmbiguousTerm Reason = "ambiguous_term"
)

// Result is the gate's verdict for one query.
type Result struct {
	// Needed reports whether the orchestrator should ask instead of answer.
	Needed bool

	// Reason is set when Needed is true.
	Reason Reason

	// Question is the templated follow-up question to send to the user.
	Question string
}

// AmbiguityRule describes a clinical term that needs a qualifier before it
// can be searched usefully.
type AmbiguityRule struct {
	// Term is the ambiguous phrase, matched case-insensitively.
	Term string

	// Disambiguators are qualifiers whose presence anywhere in the query
	// resolves the ambiguity.
	Disambiguators []string

	// Options is the human-readable list of alternatives offered in the
	// templated question.
	Options string
}

// defaultRules is the curated ambiguity set. Deployments can extend it via
// [WithRules].
var defaultRules = []AmbiguityRule{
	{
		Term:           "kidney disease",
		Disambiguators: []string{"acute", "chronic", "stage", "ckd", "aki", "end-stage", "esrd"},
		Options:        "acute kidney injury, chronic kidney disease, or a specific CKD stage",
	},
	{
		Term:           "diabetes",
		Disambiguators: []string{"type 1", "type 2", "type one", "type two", "t1dm", "t2dm", "gestational", "insipidus"},
		Options:        "type 1, type 2, or gestational diabetes",
	},
	{
		Term:           "hepatitis",
		Disambiguators: []string{"a", "b", "c", "autoimmune", "alcoholic", "viral"},
		Options:        "hepatitis A, B, C, autoimmune, or alcoholic hepatitis",
	},
	{
		Term:           "heart failure",
		Disambiguators: []string{"hfref", "hfpef", "reduced", "preserved", "acute", "chronic", "systolic", "diastolic"},
		Options:        "heart failure with reduced or preserved ejection fraction, acute or chronic",
	},
	{
		Term:           "anemia",
		Disambiguators: []string{"iron", "b12", "folate", "hemolytic", "aplastic", "sickle", "chronic disease", "macrocytic", "microcytic"},
		Options:        "iron-deficiency, B12/folate-deficiency, hemolytic, or anemia of chronic disease",
	},
	{
		Term:           "arthritis",
		Disambiguators: []string{"rheumatoid", "osteo", "psoriatic", "septic", "gout", "juvenile", "reactive"},
		Options:        "osteoarthritis, rheumatoid, psoriatic, septic, or gouty arthritis",
	},
}

const (
	// confidenceThreshold is the intent confidence below which the query is
	// treated as ambiguous.
	confidenceThreshold = 0.5

	// minTokens is the minimum token count for an answerable query.
	minTokens = 3
)

// Gate evaluates queries against the clarification rules.
type Gate struct {
	rules []AmbiguityRule
}

// Option configures a [Gate].
type Option func(*Gate)

// WithRules replaces the curated ambiguity set.
func WithRules(rules []AmbiguityRule) Option {
	return func(g *Gate) { g.rules = rules }
}

// NewGate builds a [Gate] with the default ambiguity rules.
func NewGate(opts ...Option) *Gate {
	g := &Gate{rules: defaultRules}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates query and its classified intent. Checks run in a fixed
// order (length, confidence, ambiguous terms) so the reported reason is
// deterministic when several apply.
func (g *Gate) Check(query string, intent types.Intent) Result {
	if len(strings.Fields(query)) < minTokens {
		return Result{
			Needed:   true,
			Reason:   ReasonTooShort,
			Question: "Could you give me a bit more detail? A few words about the patient context or what you want to know helps me find the right sources.",
		}
	}

	if intent.Confidence < confidenceThreshold {
		return Result{
			Needed:   true,
			Reason:   ReasonLowConfidence,
			Question: "I want to make sure I understand. Are you asking about a diagnosis, a treatment plan, drug information, or a guideline?",
		}
	}

	lowered := strings.ToLower(query)
	for _, rule := range g.rules {
		if !strings.Contains(lowered, rule.Term) {
			continue
		}
		if hasDisambiguator(lowered, rule) {
			continue
		}
		return Result{
			Needed: true,
			Reason: ReasonAmbiguousTerm,
			Question: fmt.Sprintf("When you say %q, do you mean %s?",
				rule.Term, rule.Options),
		}
	}

	return Result{}
}

// hasDisambiguator reports whether any qualifier for the rule appears in the
// lowercased query. Single-letter qualifiers (hepatitis "a"/"b"/"c") are
// matched directly after the term to avoid firing on articles.
func hasDisambiguator(lowered string, rule AmbiguityRule) bool {
	for _, d := range rule.Disambiguators {
		if len(d) == 1 {
			if strings.Contains(lowered, rule.Term+" "+d) {
				return true
			}
			continue
		}
		if strings.Contains(lowered, d) {
			return true
		}
	}
	return false
}
