// Package kbsource implements search.SourceClient over the internal knowledge
// base: queries are embedded locally, then matched against the pgvector chunk
// index by cosine similarity.
//
// Because both embedding and retrieval stay inside the deployment, this source
// is always PHI-safe and is the primary source for most intents.
package kbsource

import (
	"context"
	"fmt"

	"github.com/halcyon-health/halcyon/pkg/provider/embeddings"
	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Ensure Client implements the search.SourceClient interface at compile time.
var _ search.SourceClient = (*Client)(nil)

// Client implements search.SourceClient over [store.KnowledgeBase].
// Safe for concurrent use.
type Client struct {
	desc     search.SourceDescriptor
	kb       store.KnowledgeBase
	embedder embeddings.Provider
}

// New constructs a Client. The descriptor's Kind should be
// [search.KindInternalKB]; Name defaults to "internal_kb" when empty.
func New(desc search.SourceDescriptor, kb store.KnowledgeBase, embedder embeddings.Provider) (*Client, error) {
	if kb == nil {
		return nil, fmt.Errorf("kbsource: knowledge base must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("kbsource: embedder must not be nil")
	}
	if desc.Name == "" {
		desc.Name = "internal_kb"
	}
	if desc.Kind == "" {
		desc.Kind = search.KindInternalKB
	}
	if len(desc.Capabilities) == 0 {
		desc.Capabilities = []search.Capability{search.CapSemantic}
	}
	return &Client{desc: desc, kb: kb, embedder: embedder}, nil
}

// Descriptor implements search.SourceClient.
func (c *Client) Descriptor() search.SourceDescriptor {
	return c.desc
}

// Search implements search.SourceClient. The query is embedded, the chunk
// index searched, and cosine distance converted into a similarity score so
// downstream ranking sees the usual higher-is-better scale.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("kbsource: embed query: %w", err)
	}

	chunks, err := c.kb.SearchChunks(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("kbsource: search chunks: %w", err)
	}

	results := make([]types.SearchResult, 0, len(chunks))
	for _, ch := range chunks {
		results = append(results, types.SearchResult{
			Source:        c.desc.Name,
			SourceKind:    string(c.desc.Kind),
			Content:       ch.Content,
			Score:         1 - ch.Distance, // cosine distance → similarity
			Title:         ch.Title,
			URL:           ch.URL,
			EvidenceGrade: ch.EvidenceGrade,
			DocID:         ch.ID,
		})
	}
	return results, nil
}
