// Package classify maps a user query to a clinical [types.Intent].
//
// Two interchangeable strategies are provided: [Rules], a deterministic
// phrase-set matcher, and [LLM], a learned classifier backed by a language
// model. [Chain] composes them so the learned backend is preferred and the
// rules matcher takes over whenever it is unavailable.
package classify

import (
	"context"

	"github.com/halcyon-health/halcyon/pkg/types"
)

// Classifier assigns an intent tag with a confidence to a query.
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify returns the intent for query. recent is the trailing
	// conversation slice, newest last; strategies may use it to resolve
	// anaphora ("what about the dosage?") but must tolerate it being empty.
	Classify(ctx context.Context, query string, recent []types.Message) (types.Intent, error)
}

// Chain prefers the learned classifier and falls back to the deterministic
// rules matcher when the learned backend errors or is absent.
type Chain struct {
	learned  Classifier
	rules    Classifier
	onFailed func(ctx context.Context)
}

// ChainOption configures a [Chain].
type ChainOption func(*Chain)

// WithFailureHook registers a callback invoked whenever the learned backend
// fails and the rules fallback is used (metrics).
func WithFailureHook(fn func(ctx context.Context)) ChainOption {
	return func(c *Chain) { c.onFailed = fn }
}

// NewChain builds a [Chain]. learned may be nil, in which case every query
// goes straight to rules.
func NewChain(learned, rules Classifier, opts ...ChainOption) *Chain {
	c := &Chain{learned: learned, rules: rules}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Classifier = (*Chain)(nil)

// Classify implements [Classifier].
func (c *Chain) Classify(ctx context.Context, query string, recent []types.Message) (types.Intent, error) {
	if c.learned != nil {
		intent, err := c.learned.Classify(ctx, query, recent)
		if err == nil {
			return intent, nil
		}
		if c.onFailed != nil {
			c.onFailed(ctx)
		}
	}
	return c.rules.Classify(ctx, query, recent)
}
