// Package phi defines the Detector interface for protected-health-information
// classification backends.
//
// A PHI detector analyses free text and reports every span that looks like a
// protected identifier: person names, dates, medical record numbers, national
// IDs, phone numbers, and addresses. The verdict gates model routing (queries
// carrying PHI must stay on local-capable models) and drives audit redaction.
//
// Detection must be side-effect-free: the same text yields the same verdict,
// and implementations never persist or log the analysed text.
package phi

import (
	"context"
	"fmt"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// InvalidModeError reports an unrecognised detector Mode.
type InvalidModeError struct {
	Mode Mode
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("phi: invalid detector mode %q", string(e.Mode))
}

// Mode controls detector sensitivity.
type Mode string

const (
	// ModeStrict flags everything that could plausibly be an identifier,
	// including unlabelled digit runs and partial dates. Preferred under HIPAA.
	ModeStrict Mode = "strict"

	// ModeLenient requires stronger evidence (labelled record numbers, full
	// dates) before flagging, trading recall for fewer false positives.
	ModeLenient Mode = "lenient"

	// ModeOff disables detection entirely. Forbidden when HIPAA mode is set;
	// config validation rejects it at startup.
	ModeOff Mode = "off"
)

// IsValid reports whether m is a recognised Mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeStrict, ModeLenient, ModeOff:
		return true
	}
	return false
}

// Detector is the abstraction over any PHI classification backend.
//
// Implementations must be safe for concurrent use: Detect may be called from
// many request goroutines at once.
type Detector interface {
	// Detect analyses text and returns a verdict listing every detected PHI
	// span, ordered by start offset. It returns an error only if the
	// underlying detector cannot be reached; callers treat that as
	// "assume PHI present" and record a metric.
	Detect(ctx context.Context, text string) (types.PHIVerdict, error)

	// Mode reports the sensitivity the detector was configured with.
	Mode() Mode
}
