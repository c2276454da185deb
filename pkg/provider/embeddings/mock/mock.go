// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return canned vectors without a live model and to inspect
// the texts submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the text passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the texts passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by every Embed call unless EmbedFunc is set.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by every Embed call.
	EmbedErr error

	// EmbedFunc, if non-nil, overrides EmbedResult/EmbedErr entirely.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedBatchErr, if non-nil, is returned by every EmbedBatch call.
	EmbedBatchErr error

	// EmbedBatchFunc, if non-nil, overrides the default batch behaviour,
	// which repeats EmbedResult once per text.
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// Model is returned by ModelID. Defaults to "mock-embed" if empty.
	Model string

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns the configured vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn := p.EmbedFunc
	res, err := p.EmbedResult, p.EmbedErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return res, err
}

// EmbedBatch records the call and returns one configured vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	fn := p.EmbedBatchFunc
	res, err := p.EmbedResult, p.EmbedBatchErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = res
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}
