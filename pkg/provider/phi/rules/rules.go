// Package rules implements a deterministic, rules-based PHI detector.
//
// Structured identifiers (record numbers, national IDs, phone numbers, dates,
// addresses) are matched with compiled regular expressions. Person names are
// matched against a configurable roster using Double Metaphone phonetic codes
// with Jaro-Winkler ranking, so that dictated or misspelled names ("jon
// smyth") still hit roster entries ("John Smith"). Honorific-prefixed
// capitalised tokens ("Mrs. Alvarez") are flagged even without a roster hit.
//
// The detector is fully local: no text leaves the process, which makes it the
// default classifier under HIPAA mode. It is read-only after construction and
// safe for concurrent use.
package rules

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const defaultNameThreshold = 0.85

// patterns compiled once at package init. Each pattern maps to the entity kind
// it detects; strict-only patterns fire only in ModeStrict.
var (
	// Labelled medical record numbers: "MRN 12345678", "MRN#12345678", "medical
	// record number: 12345678".
	reLabelledMRN = regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[\s:#]*(\d{5,12})\b`)

	// Unlabelled 7-10 digit runs. High false-positive rate, so strict mode only.
	reBareDigits = regexp.MustCompile(`\b\d{7,10}\b`)

	// US SSN shape and similar hyphenated national IDs.
	reNationalID = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// Phone numbers: optional country code, separators, 10 digits.
	rePhone = regexp.MustCompile(`(?:\+?\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`)

	// Full dates: 2006-01-02, 01/02/2006, "Jan 2, 2006", "2 January 2006".
	reFullDate = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2}(?:,?\s+\d{4})|\d{1,2}\s+(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{4})\b`)

	// Partial dates without a year ("on 3/14", "March 14"). Strict mode only.
	rePartialDate = regexp.MustCompile(`(?i)\b(?:\d{1,2}/\d{1,2}|(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2})\b`)

	// Street addresses: house number + street name + common suffix.
	reAddress = regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z]+\s+){1,3}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\.?\b`)

	// Honorific followed by one or two capitalised words.
	reHonorificName = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)

	// Capitalised token candidates for roster matching.
	reCapToken = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)
)

// Option is a functional option for configuring the Detector.
type Option func(*Detector)

// WithNameRoster sets the roster of known person names (patients, clinicians)
// that capitalised tokens are phonetically matched against. Without a roster,
// name detection relies solely on honorific prefixes.
func WithNameRoster(names []string) Option {
	return func(d *Detector) {
		d.roster = append([]string(nil), names...)
	}
}

// WithNameThreshold sets the minimum Jaro-Winkler score for a phonetic roster
// match to count as a name hit. Default: 0.85.
func WithNameThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.nameThreshold = threshold
	}
}

// Detector is a rules-based PHI classifier. Read-only after construction.
type Detector struct {
	mode          phi.Mode
	roster        []string
	rosterCodes   []map[string]struct{}
	nameThreshold float64
}

var _ phi.Detector = (*Detector)(nil)

// New creates a Detector with the given sensitivity mode.
func New(mode phi.Mode, opts ...Option) (*Detector, error) {
	if !mode.IsValid() {
		return nil, &phi.InvalidModeError{Mode: mode}
	}
	d := &Detector{
		mode:          mode,
		nameThreshold: defaultNameThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	d.rosterCodes = make([]map[string]struct{}, len(d.roster))
	for i, name := range d.roster {
		d.rosterCodes[i] = phoneticCodes(name)
	}
	return d, nil
}

// Mode reports the configured sensitivity.
func (d *Detector) Mode() phi.Mode {
	return d.mode
}

// Detect scans text for PHI spans. Never returns an error: the rules engine
// has no external dependency that could be unreachable.
func (d *Detector) Detect(_ context.Context, text string) (types.PHIVerdict, error) {
	if d.mode == phi.ModeOff || text == "" {
		return types.PHIVerdict{}, nil
	}

	var entities []types.PHIEntity

	add := func(kind types.PHIEntityKind, loc []int) {
		entities = append(entities, types.PHIEntity{
			Kind:    kind,
			Start:   loc[0],
			End:     loc[1],
			Surface: text[loc[0]:loc[1]],
		})
	}

	for _, loc := range reLabelledMRN.FindAllStringIndex(text, -1) {
		add(types.PHIMRN, loc)
	}
	for _, loc := range reNationalID.FindAllStringIndex(text, -1) {
		add(types.PHINationalID, loc)
	}
	for _, loc := range rePhone.FindAllStringIndex(text, -1) {
		add(types.PHIPhoneNumber, loc)
	}
	for _, loc := range reFullDate.FindAllStringIndex(text, -1) {
		add(types.PHIDate, loc)
	}
	for _, loc := range reAddress.FindAllStringIndex(text, -1) {
		add(types.PHIAddress, loc)
	}
	for _, loc := range reHonorificName.FindAllStringSubmatchIndex(text, -1) {
		// Flag just the name, not the honorific.
		add(types.PHIPersonName, []int{loc[2], loc[3]})
	}

	if d.mode == phi.ModeStrict {
		for _, loc := range reBareDigits.FindAllStringIndex(text, -1) {
			if overlapsAny(entities, loc) {
				continue
			}
			add(types.PHIMRN, loc)
		}
		for _, loc := range rePartialDate.FindAllStringIndex(text, -1) {
			if overlapsAny(entities, loc) {
				continue
			}
			add(types.PHIDate, loc)
		}
	}

	entities = append(entities, d.matchRoster(text, entities)...)

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].End < entities[j].End
	})

	return types.PHIVerdict{
		HasPHI:   len(entities) > 0,
		Entities: entities,
	}, nil
}

// matchRoster tests capitalised tokens against the name roster using phonetic
// candidate filtering followed by Jaro-Winkler ranking.
func (d *Detector) matchRoster(text string, existing []types.PHIEntity) []types.PHIEntity {
	if len(d.roster) == 0 {
		return nil
	}
	var found []types.PHIEntity
	for _, loc := range reCapToken.FindAllStringIndex(text, -1) {
		if overlapsAny(existing, loc) {
			continue
		}
		token := strings.ToLower(text[loc[0]:loc[1]])
		tokenCodes := phoneticCodes(token)
		for i, name := range d.roster {
			if !codesOverlap(tokenCodes, d.rosterCodes[i]) {
				continue
			}
			if bestTokenScore(token, name) >= d.nameThreshold {
				found = append(found, types.PHIEntity{
					Kind:    types.PHIPersonName,
					Start:   loc[0],
					End:     loc[1],
					Surface: text[loc[0]:loc[1]],
				})
				break
			}
		}
	}
	return found
}

// overlapsAny reports whether [loc[0], loc[1]) intersects any existing span.
func overlapsAny(entities []types.PHIEntity, loc []int) bool {
	for _, e := range entities {
		if loc[0] < e.End && e.Start < loc[1] {
			return true
		}
	}
	return false
}

// phoneticCodes returns the Double Metaphone code set for every token of s.
func phoneticCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		p, sec := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestTokenScore returns the highest Jaro-Winkler similarity between token and
// any token of the (possibly multi-word) roster name.
func bestTokenScore(token, name string) float64 {
	var best float64
	for _, nt := range strings.Fields(strings.ToLower(name)) {
		if s := matchr.JaroWinkler(token, nt, false); s > best {
			best = s
		}
	}
	return best
}
