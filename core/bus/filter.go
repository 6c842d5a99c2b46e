package bus

import (
	"context"

	"github.com/signalcore/substrate/core/signal"
)

// FilterDecision is the outcome of running one filter.
type FilterDecision int

const (
	// Continue means the pipeline should proceed to the next filter (or
	// to dispatch if this was the last one).
	Continue FilterDecision = iota
	// AckNow means the pipeline should stop and emit the given ack
	// without dispatching — used by filters that short-circuit with a
	// definitive answer (e.g. a scheduled signal deferred to later).
	AckNow
	// DropSignal means the pipeline should stop silently: no dispatcher
	// call and no ack emitted; Publish returns a nil ack slice.
	DropSignal
)

// Filter inspects an envelope before dispatch and may short-circuit the
// pipeline (spec.md §4.1 step 3: "pre-dispatch, scheduled, dedup, …").
type Filter struct {
	Name string
	Run  func(ctx context.Context, env signal.Envelope) (FilterDecision, signal.Ack, error)
}

// Chain is an ordered filter pipeline.
type Chain []Filter

// Evaluate runs the chain in order, stopping at the first filter that
// does not return Continue.
func (c Chain) Evaluate(ctx context.Context, env signal.Envelope) (FilterDecision, signal.Ack, string, error) {
	for _, f := range c {
		decision, ack, err := f.Run(ctx, env)
		if err != nil {
			return Continue, signal.Ack{}, f.Name, err
		}
		if decision != Continue {
			return decision, ack, f.Name, nil
		}
	}
	return Continue, signal.Ack{}, "", nil
}
