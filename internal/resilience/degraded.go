package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DegradedOption configures a [DegradedController].
type DegradedOption func(*DegradedController)

// WithSampleInterval overrides the exit-sampling interval. Default: 60s.
func WithSampleInterval(d time.Duration) DegradedOption {
	return func(c *DegradedController) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithOnChange registers a callback invoked whenever degraded mode is entered
// or exited.
func WithOnChange(fn func(active bool)) DegradedOption {
	return func(c *DegradedController) { c.onChange = fn }
}

// DegradedController watches the breaker registry and flips the system into
// degraded mode when two or more critical dependencies have an open circuit
// at the same time. Entry is event-driven (wire [DegradedController.Observe]
// into the registry as a transition listener); exit is sampled periodically
// and requires every critical circuit to be closed again.
type DegradedController struct {
	registry *Registry
	critical []string
	interval time.Duration
	onChange func(active bool)

	active atomic.Bool
	stop   chan struct{}
	once   sync.Once
}

// openThreshold is the number of simultaneously open critical circuits that
// triggers degraded mode.
const openThreshold = 2

// NewDegradedController creates a controller over registry watching the given
// critical dependency keys.
func NewDegradedController(registry *Registry, critical []string, opts ...DegradedOption) *DegradedController {
	c := &DegradedController{
		registry: registry,
		critical: critical,
		interval: 60 * time.Second,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active reports whether the system is currently in degraded mode.
func (c *DegradedController) Active() bool {
	return c.active.Load()
}

// Observe is a [TransitionListener]; register it on the registry so that
// degraded mode engages as soon as enough critical circuits open.
func (c *DegradedController) Observe(key string, from, to State) {
	if to != StateOpen || c.active.Load() {
		return
	}
	if c.registry.OpenCount(c.critical) >= openThreshold {
		c.setActive(true)
	}
}

// Start launches the background sampler that exits degraded mode once all
// critical circuits are closed. It returns immediately; the sampler stops
// when ctx is cancelled or [DegradedController.Close] is called.
func (c *DegradedController) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Close stops the background sampler.
func (c *DegradedController) Close() {
	c.once.Do(func() { close(c.stop) })
}

// sample re-evaluates the critical circuits. Exit requires all of them to be
// closed; a sample can also catch an entry condition the event path missed
// (e.g. listeners registered after a circuit opened).
func (c *DegradedController) sample() {
	open := c.registry.OpenCount(c.critical)
	switch {
	case c.active.Load() && open == 0:
		c.setActive(false)
	case !c.active.Load() && open >= openThreshold:
		c.setActive(true)
	}
}

func (c *DegradedController) setActive(active bool) {
	if c.active.Swap(active) == active {
		return
	}
	if active {
		slog.Warn("entering degraded mode",
			"open_critical_circuits", c.registry.OpenCount(c.critical))
	} else {
		slog.Info("exiting degraded mode, all critical circuits closed")
	}
	if c.onChange != nil {
		c.onChange(active)
	}
}
