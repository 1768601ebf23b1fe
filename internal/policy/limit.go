package policy

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LimitDecider bounds the number of concurrent decision calls across all
// sessions. Callers beyond the limit queue on the semaphore rather than
// spawning unbounded concurrent engine calls; a cancelled caller leaves the
// queue immediately with a fail-closed decision.
type LimitDecider struct {
	inner Decider
	sem   *semaphore.Weighted
}

// NewLimitDecider wraps inner with a global concurrency bound.
func NewLimitDecider(inner Decider, max int64) *LimitDecider {
	if max <= 0 {
		max = 1
	}
	return &LimitDecider{
		inner: inner,
		sem:   semaphore.NewWeighted(max),
	}
}

// Decide implements Decider.
func (d *LimitDecider) Decide(ctx context.Context, tool string, category Category) Decision {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return deny(ReasonCancelled)
	}
	defer d.sem.Release(1)
	return d.inner.Decide(ctx, tool, category)
}

var _ Decider = (*LimitDecider)(nil)
