package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/types"
)

type drugArgs struct {
	Drugs []string `json:"drugs" jsonschema:"required,description=Generic drug names to check pairwise"`
}

// Interaction is one known drug-drug interaction.
type Interaction struct {
	Pair     [2]string `json:"pair"`
	Severity string    `json:"severity"` // "minor", "moderate", "major"
	Effect   string    `json:"effect"`
}

type drugResult struct {
	Checked      []string      `json:"checked"`
	Interactions []Interaction `json:"interactions"`
}

// DrugInteractions checks drug pairs against a reference table. Read-only,
// no PHI: the tool works on generic drug names only.
type DrugInteractions struct {
	table map[string]Interaction
}

// NewDrugInteractions builds the tool. extra entries are merged over the
// built-in reference table.
func NewDrugInteractions(extra ...Interaction) *DrugInteractions {
	d := &DrugInteractions{table: make(map[string]Interaction)}
	for _, in := range append(referenceInteractions(), extra...) {
		d.table[pairKey(in.Pair[0], in.Pair[1])] = in
	}
	return d
}

// Definition implements [tools.Handler].
func (d *DrugInteractions) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:               "drug_interactions",
		Description:        "Check a list of drugs for known pairwise interactions.",
		Parameters:         argsSchema[drugArgs](),
		Category:           "clinical_reference",
		RequiresPHI:        false,
		RiskLevel:          "low",
		RateLimitPerMinute: 60,
		TimeoutSeconds:     5,
		Idempotent:         true,
	}
}

// Invoke implements [tools.Handler].
func (d *DrugInteractions) Invoke(_ context.Context, rawArgs string) (string, error) {
	args, err := decodeArgs[drugArgs](rawArgs)
	if err != nil {
		return "", err
	}
	if len(args.Drugs) < 2 {
		return "", fmt.Errorf("builtin: need at least two drugs, got %d", len(args.Drugs))
	}

	drugs := make([]string, len(args.Drugs))
	for i, name := range args.Drugs {
		drugs[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var found []Interaction
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			if in, ok := d.table[pairKey(drugs[i], drugs[j])]; ok {
				found = append(found, in)
			}
		}
	}
	return encodeResult(drugResult{Checked: drugs, Interactions: found})
}

func pairKey(a, b string) string {
	pair := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(pair)
	return pair[0] + "+" + pair[1]
}

// referenceInteractions is a small built-in table covering common high-yield
// pairs. Deployments extend it via NewDrugInteractions or replace the tool
// with an external service through the MCP host.
func referenceInteractions() []Interaction {
	return []Interaction{
		{Pair: [2]string{"warfarin", "aspirin"}, Severity: "major", Effect: "additive anticoagulation, increased bleeding risk"},
		{Pair: [2]string{"warfarin", "ibuprofen"}, Severity: "major", Effect: "NSAID potentiates bleeding risk"},
		{Pair: [2]string{"warfarin", "amiodarone"}, Severity: "major", Effect: "amiodarone inhibits warfarin metabolism, INR rises"},
		{Pair: [2]string{"lisinopril", "spironolactone"}, Severity: "moderate", Effect: "additive hyperkalemia risk"},
		{Pair: [2]string{"lisinopril", "potassium"}, Severity: "moderate", Effect: "hyperkalemia risk with supplementation"},
		{Pair: [2]string{"simvastatin", "clarithromycin"}, Severity: "major", Effect: "CYP3A4 inhibition raises statin levels, rhabdomyolysis risk"},
		{Pair: [2]string{"metformin", "contrast media"}, Severity: "moderate", Effect: "lactic acidosis risk with iodinated contrast"},
		{Pair: [2]string{"sertraline", "tramadol"}, Severity: "major", Effect: "serotonin syndrome risk"},
		{Pair: [2]string{"digoxin", "amiodarone"}, Severity: "major", Effect: "amiodarone raises digoxin levels"},
		{Pair: [2]string{"methotrexate", "trimethoprim"}, Severity: "major", Effect: "additive folate antagonism, myelosuppression"},
	}
}

var _ tools.Handler = (*DrugInteractions)(nil)
