package policy

import "context"

// ChainDecider consults deciders in order and denies on the first denial.
// Later deciders only see calls every earlier one allowed, so an external
// engine is never asked about calls the local rules already reject.
type ChainDecider struct {
	deciders []Decider
}

// NewChainDecider chains deciders in evaluation order.
func NewChainDecider(deciders ...Decider) *ChainDecider {
	return &ChainDecider{deciders: deciders}
}

// Decide implements Decider.
func (d *ChainDecider) Decide(ctx context.Context, tool string, category Category) Decision {
	dec := allow(ReasonAllowed)
	for _, inner := range d.deciders {
		dec = inner.Decide(ctx, tool, category)
		if !dec.Allow {
			return dec
		}
	}
	return dec
}

var _ Decider = (*ChainDecider)(nil)
