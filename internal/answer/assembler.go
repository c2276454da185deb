package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// markerPattern matches inline citation markers like "[3]".
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// Assemble produces the final [types.QueryResponse]: inline markers in the
// answer are re-numbered to a dense 1..k sequence in order of first
// appearance, and the parallel citation list is built from the ranked results
// those markers point at. Markers referencing nothing in the ranked list are
// removed, so every surviving marker refers to exactly one citation and vice
// versa.
func Assemble(answer string, ranked []types.RankedResult, meta types.ResponseMetadata) types.QueryResponse {
	rewritten, citations := renumberCitations(answer, ranked)
	return types.QueryResponse{
		MessageID: uuid.NewString(),
		Answer:    rewritten,
		Citations: citations,
		Metadata:  meta,
	}
}

// AssembleClarification produces a response that asks the user to
// disambiguate instead of answering.
func AssembleClarification(question string, meta types.ResponseMetadata) types.QueryResponse {
	return types.QueryResponse{
		MessageID:     uuid.NewString(),
		Answer:        question,
		Clarification: true,
		Metadata:      meta,
	}
}

func renumberCitations(answer string, ranked []types.RankedResult) (string, []types.Citation) {
	if len(ranked) == 0 {
		// No context: strip any hallucinated markers.
		return strings.TrimSpace(markerPattern.ReplaceAllString(answer, "")), nil
	}

	renumber := make(map[int]int) // original marker → dense index
	var citations []types.Citation

	rewritten := markerPattern.ReplaceAllStringFunc(answer, func(marker string) string {
		orig, err := strconv.Atoi(marker[1 : len(marker)-1])
		if err != nil || orig < 1 || orig > len(ranked) {
			return ""
		}
		dense, ok := renumber[orig]
		if !ok {
			dense = len(citations) + 1
			renumber[orig] = dense
			r := ranked[orig-1]
			citations = append(citations, types.Citation{
				Index:         dense,
				SourceKind:    r.SourceKind,
				Title:         r.Title,
				URL:           r.URL,
				EvidenceGrade: r.EvidenceGrade,
			})
		}
		return fmt.Sprintf("[%d]", dense)
	})

	return strings.TrimSpace(rewritten), citations
}
