// Package search defines the SourceClient abstraction over clinical knowledge
// sources and the descriptors the selection policy works with.
//
// A source is anything that can answer a free-text query with scored passages:
// the internal knowledge base, a literature index, a guidelines service, or a
// clinical-notes store. The fan-out layer queries several sources concurrently
// through this interface; the selection policy orders and caps them using
// their descriptors.
package search

import (
	"context"
	"time"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// Kind classifies a source by the knowledge it holds.
type Kind string

const (
	KindInternalKB Kind = "internal_kb"
	KindLiterature Kind = "literature"
	KindGuidelines Kind = "guidelines"
	KindNotes      Kind = "notes"
)

// IsValid reports whether k is a recognised Kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindInternalKB, KindLiterature, KindGuidelines, KindNotes:
		return true
	}
	return false
}

// Capability describes a retrieval mode a source supports.
type Capability string

const (
	CapSemantic Capability = "semantic"
	CapKeyword  Capability = "keyword"
	CapHybrid   Capability = "hybrid"
)

// SourceDescriptor identifies a source and its retrieval characteristics.
type SourceDescriptor struct {
	// Name uniquely identifies the source within the deployment.
	Name string

	// Kind classifies the source's knowledge domain.
	Kind Kind

	// Capabilities lists the retrieval modes the source supports.
	Capabilities []Capability

	// Priority orders sources within a selection; lower is higher priority.
	// Assigned by the selection policy, not by the source itself.
	Priority int

	// Timeout is the per-source search deadline.
	Timeout time.Duration
}

// SourceClient is the abstraction over a single searchable source.
//
// Implementations must be safe for concurrent use: the fan-out layer issues
// overlapping searches from many request goroutines.
type SourceClient interface {
	// Descriptor returns the source's identity and characteristics. The
	// returned value must be stable for the lifetime of the client.
	Descriptor() SourceDescriptor

	// Search returns up to limit scored passages for query. An empty result
	// with a nil error means the source had nothing relevant. Implementations
	// must honour ctx cancellation; the fan-out layer enforces deadlines
	// through it.
	Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error)
}
