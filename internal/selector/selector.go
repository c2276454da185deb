// Package selector implements the source-selection policy: given a classified
// intent and the user's preferences, it produces the ordered, capped list of
// sources the fan-out will query.
package selector

import (
	"slices"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// DefaultLimit caps how many sources one query fans out to.
const DefaultLimit = 3

// policy maps each intent to its source kinds in priority order. Fallback
// kinds are consulted only when a primary kind contributes no source.
type policy struct {
	primary  []search.Kind
	fallback []search.Kind
}

var policyMatrix = map[types.IntentTag]policy{
	types.IntentDiagnosis: {
		primary:  []search.Kind{search.KindInternalKB, search.KindLiterature},
		fallback: []search.Kind{search.KindGuidelines},
	},
	types.IntentTreatment: {
		primary:  []search.Kind{search.KindGuidelines, search.KindLiterature},
		fallback: []search.Kind{search.KindInternalKB},
	},
	types.IntentDrugInfo: {
		primary:  []search.Kind{search.KindInternalKB},
		fallback: []search.Kind{search.KindLiterature},
	},
	types.IntentGuideline: {
		primary:  []search.Kind{search.KindGuidelines},
		fallback: []search.Kind{search.KindInternalKB},
	},
	types.IntentCaseConsultation: {
		primary: []search.Kind{search.KindInternalKB, search.KindLiterature, search.KindNotes},
	},
	types.IntentGeneral: {
		primary: []search.Kind{search.KindInternalKB, search.KindLiterature},
	},
}

// Selector picks sources for a query from the registered set.
type Selector struct {
	sources []search.SourceClient
	limit   int
}

// Option configures a [Selector].
type Option func(*Selector)

// WithLimit overrides the selection cap. Values < 1 are ignored.
func WithLimit(n int) Option {
	return func(s *Selector) {
		if n >= 1 {
			s.limit = n
		}
	}
}

// New builds a [Selector] over the deployment's registered sources.
// Registration order breaks ties between sources of the same kind.
func New(sources []search.SourceClient, opts ...Option) *Selector {
	s := &Selector{sources: sources, limit: DefaultLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the ordered source list for intent, at most the configured
// cap. Preferences can move a source to the front or exclude it entirely;
// exclusions match either the source name or its kind.
func (s *Selector) Select(intent types.IntentTag, prefs store.Preferences) []search.SourceClient {
	pol, ok := policyMatrix[intent]
	if !ok {
		pol = policyMatrix[types.IntentGeneral]
	}

	excluded := func(c search.SourceClient) bool {
		desc := c.Descriptor()
		for _, x := range prefs.ExcludedSources {
			if strings.EqualFold(x, desc.Name) || strings.EqualFold(x, string(desc.Kind)) {
				return true
			}
		}
		return false
	}

	var picked []search.SourceClient
	missing := false
	for _, kind := range pol.primary {
		n := len(picked)
		for _, c := range s.sources {
			if c.Descriptor().Kind == kind && !excluded(c) {
				picked = append(picked, c)
			}
		}
		if len(picked) == n {
			missing = true
		}
	}

	// Fallback kinds fill in when a primary kind had nothing to offer.
	if missing || len(picked) == 0 {
		for _, kind := range pol.fallback {
			for _, c := range s.sources {
				if c.Descriptor().Kind == kind && !excluded(c) && !contains(picked, c) {
					picked = append(picked, c)
				}
			}
		}
	}

	picked = promotePreferred(picked, prefs.PreferredSources)

	if len(picked) > s.limit {
		picked = picked[:s.limit]
	}
	return picked
}

// Priorities returns the name→rank map for a selection, used by the reranker
// as a tie-break. Rank 0 is the highest priority.
func Priorities(selected []search.SourceClient) map[string]int {
	out := make(map[string]int, len(selected))
	for i, c := range selected {
		out[c.Descriptor().Name] = i
	}
	return out
}

// promotePreferred moves preferred sources to the front, preserving both the
// preference order and the relative order of everything else.
func promotePreferred(picked []search.SourceClient, preferred []string) []search.SourceClient {
	if len(preferred) == 0 || len(picked) < 2 {
		return picked
	}

	rank := func(c search.SourceClient) int {
		desc := c.Descriptor()
		for i, p := range preferred {
			if strings.EqualFold(p, desc.Name) || strings.EqualFold(p, string(desc.Kind)) {
				return i
			}
		}
		return len(preferred)
	}

	slices.SortStableFunc(picked, func(a, b search.SourceClient) int {
		return rank(a) - rank(b)
	})
	return picked
}

func contains(list []search.SourceClient, c search.SourceClient) bool {
	name := c.Descriptor().Name
	for _, e := range list {
		if e.Descriptor().Name == name {
			return true
		}
	}
	return false
}
