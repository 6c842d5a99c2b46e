package bus

import (
	"context"
	"time"

	"github.com/signalcore/substrate/core/dedup"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
)

// PreDispatchFilter is a named extension point for host-supplied checks
// that should run before any other filter (e.g. authorization). fn
// returning (Continue, zero Ack, nil) is the no-op default.
func PreDispatchFilter(fn func(context.Context, signal.Envelope) (FilterDecision, signal.Ack, error)) Filter {
	return Filter{Name: "pre-dispatch", Run: fn}
}

// ScheduledFilter defers signals whose context enrichment carries a
// "not_before" RFC3339 timestamp still in the future. reenqueue is
// called with the envelope so the host can push it back through the
// inbox for later delivery instead of losing it.
func ScheduledFilter(clock ports.Clock, reenqueue func(context.Context, signal.Envelope) error) Filter {
	return Filter{
		Name: "scheduled",
		Run: func(ctx context.Context, env signal.Envelope) (FilterDecision, signal.Ack, error) {
			raw, ok := env.Signal.Context.Enrichments["not_before"]
			if !ok {
				return Continue, signal.Ack{}, nil
			}
			notBefore, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return Continue, signal.Ack{}, nil
			}
			if clock.Now().Before(notBefore) {
				if reenqueue != nil {
					if err := reenqueue(ctx, env); err != nil {
						return Continue, signal.Ack{}, err
					}
				}
				return AckNow, signal.OkAck(env.Signal.ID), nil
			}
			return Continue, signal.Ack{}, nil
		},
	}
}

// DedupFilter short-circuits with an Ok ack when a signal id was already
// processed within the idempotence window, without re-dispatching it.
// This is a bus-entry convenience for clients that retry a publish call;
// the authoritative per-target dedup guaranteeing at-most-once observable
// effect lives in core/inbox (spec.md §4.6).
func DedupFilter(window *dedup.Window, clock ports.Clock) Filter {
	return Filter{
		Name: "dedup",
		Run: func(ctx context.Context, env signal.Envelope) (FilterDecision, signal.Ack, error) {
			now := clock.Now()
			if window.IsDuplicate(env.Signal.ID, now) {
				return AckNow, signal.OkAck(env.Signal.ID), nil
			}
			window.MarkDelivered(env.Signal.ID, now)
			return Continue, signal.Ack{}, nil
		},
	}
}
