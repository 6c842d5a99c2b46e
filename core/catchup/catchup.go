// Package catchup implements the catch-up process of spec.md §4.7: an
// explicit state machine that replays a projection's historical events
// up to a turbulence window, then hands off to live delivery with
// signal-id deduplication against the replay. Grounded on spec.md §4.7's
// own diagram; the periodic-tick scheduling wiring is grounded on the
// teacher's robfig/cron usage for recurring background jobs.
package catchup

import (
	"context"
	"fmt"
	"time"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/dedup"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/repository"
	"github.com/signalcore/substrate/core/signal"
)

// State is one of the four catch-up process states of spec.md §4.7.
type State int

const (
	StateUndefined State = iota
	StateStarted
	StateFinalizing
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "UNDEFINED"
	case StateStarted:
		return "STARTED"
	case StateFinalizing:
		return "FINALIZING"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Request describes what one catch-up process replays: a projection
// type, the event types it cares about, and optionally specific target
// ids (empty means targets are derived round-by-round from the events'
// producer ids).
type Request struct {
	ProjectionType string
	EntityType     string
	EventTypes     []string
	IDs            []string
}

// Process is the mutable state of one catch-up run.
type Process struct {
	ID             string
	Request        Request
	State          State
	WhenLastRead   time.Time
	CurrentRound   int
	AffectedShards map[string]struct{}
	TotalShards    int
}

// NewProcess starts a fresh, UNDEFINED process for a request.
func NewProcess(id string, req Request, totalShards int) *Process {
	return &Process{
		ID:             id,
		Request:        req,
		State:          StateUndefined,
		AffectedShards: make(map[string]struct{}),
		TotalShards:    totalShards,
	}
}

// Driver runs one Tick of the FSM for a Process.
type Driver struct {
	EventStore       ports.EventStore
	Clock            ports.Clock
	TurbulencePeriod time.Duration
	PageSize         int
	Dedup            *dedup.Window
	ShardOf          func(entityID, entityType string, totalShards int) ports.ShardIndex
	// RepoFor resolves the repository a process's Request.EntityType folds
	// into, so replayed events are actually applied to projection state
	// (spec.md §4.7's "a fresh projection converges to the historical
	// fold", property P7) rather than only moved through bookkeeping. May
	// be nil in tests that only assert on process state transitions.
	RepoFor func(entityType string) *repository.Repository
	// Emit posts a produced catch-up event (HistoryEventsRecalled,
	// HistoryFullyRecalled, LiveEventsPickedUp, CatchUpCompleted,
	// ShardProcessingRequested) back onto the event bus. May be nil in
	// tests that only assert on process state.
	Emit func(ctx context.Context, e signal.Signal)
}

// Tick runs one round of the FSM. It is idempotent to call on a
// COMPLETED process (a no-op).
func (d *Driver) Tick(ctx context.Context, p *Process) error {
	if p.State == StateCompleted {
		return nil
	}
	if p.State == StateUndefined {
		p.State = StateStarted
	}

	turbulenceStart := d.Clock.Now().Add(-d.TurbulencePeriod)
	p.CurrentRound++

	switch p.State {
	case StateStarted:
		return d.tickStarted(ctx, p, turbulenceStart)
	case StateFinalizing:
		return d.tickFinalizing(ctx, p, turbulenceStart)
	default:
		return corerr.New(corerr.CodeCatchUpInvalidRequest, fmt.Sprintf("process %s in unexpected state %s", p.ID, p.State))
	}
}

func (d *Driver) tickStarted(ctx context.Context, p *Process, turbulenceStart time.Time) error {
	events, err := d.readPage(ctx, p, p.WhenLastRead, turbulenceStart)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		p.State = StateFinalizing
		d.emit(ctx, p, "catchup.HistoryFullyRecalled", nil)
		return nil
	}

	processed := d.advance(p, events)
	if err := d.fold(ctx, p, processed); err != nil {
		return err
	}
	d.emit(ctx, p, "catchup.HistoryEventsRecalled", processed)
	return nil
}

func (d *Driver) tickFinalizing(ctx context.Context, p *Process, turbulenceStart time.Time) error {
	events, err := d.readPage(ctx, p, p.WhenLastRead, turbulenceStart)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		p.State = StateCompleted
		d.emit(ctx, p, "catchup.CatchUpCompleted", nil)
		for shard := range p.AffectedShards {
			d.emitShard(ctx, p, shard)
		}
		return nil
	}

	processed := d.advance(p, events)
	if err := d.fold(ctx, p, processed); err != nil {
		return err
	}
	for _, e := range processed {
		// Record the signal id in the driver's own dedup window. This
		// window is separate from the shard inboxes' windows, which do
		// not see these ids.
		d.Dedup.MarkDelivered(e.ID, d.Clock.Now())
	}
	d.emit(ctx, p, "catchup.LiveEventsPickedUp", processed)
	return nil
}

// fold applies each replayed event to the target projection through the
// same transaction lifecycle live delivery uses (repository.Endpoint),
// so catch-up actually rebuilds projection state instead of only
// advancing read-position bookkeeping.
func (d *Driver) fold(ctx context.Context, p *Process, events []signal.Signal) error {
	if d.RepoFor == nil || len(events) == 0 {
		return nil
	}
	repo := d.RepoFor(p.Request.EntityType)
	if repo == nil {
		return nil
	}
	for _, e := range events {
		if e.ProducerID == "" {
			continue
		}
		endpoint := repository.Endpoint{
			Repo:           repo,
			Envelope:       signal.Envelope{Signal: e, MessageClass: e.Payload.TypeURL},
			TargetEntityID: signal.StringID(e.ProducerID),
		}
		if _, ack := endpoint.Process(ctx); ack.Status == signal.AckError {
			return corerr.Wrap(corerr.CodeCatchUpInvalidRequest, "projection fold failed for "+e.ID, ack.Err)
		}
	}
	return nil
}

// readPage reads one bounded page of historical events and returns them
// in ascending timestamp order (assumed from the event store).
func (d *Driver) readPage(ctx context.Context, p *Process, since, until time.Time) ([]signal.Signal, error) {
	var events []signal.Signal
	query := ports.EventQuery{EventTypes: p.Request.EventTypes, Since: since, Until: until, Limit: d.PageSize}
	err := d.EventStore.Read(ctx, query, func(_ context.Context, e signal.Signal) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeCatchUpInvalidRequest, "historical read failed", err)
	}
	return events, nil
}

// advance strips the last timestamp in the page per spec.md §4.7 (the
// store may hold further events at that exact instant, read next
// round to preserve ordering), records affected shards, and sets
// when_last_read to the stripped boundary.
func (d *Driver) advance(p *Process, events []signal.Signal) []signal.Signal {
	last := events[len(events)-1].ProducedAt
	kept := events
	for len(kept) > 0 && kept[len(kept)-1].ProducedAt.Equal(last) {
		kept = kept[:len(kept)-1]
	}
	if len(kept) == 0 {
		// Every event in the page shares one timestamp; keep none this
		// round and retry from the same boundary once more time has
		// passed (the store may still be appending at this instant).
		p.WhenLastRead = last
		d.recordShards(p, events)
		return nil
	}

	p.WhenLastRead = last
	d.recordShards(p, kept)
	return kept
}

func (d *Driver) recordShards(p *Process, events []signal.Signal) {
	if d.ShardOf == nil {
		return
	}
	for _, e := range events {
		id := e.ProducerID
		if id == "" {
			continue
		}
		shard := d.ShardOf(id, p.Request.EntityType, p.TotalShards)
		p.AffectedShards[shard.String()] = struct{}{}
	}
}

func (d *Driver) emit(ctx context.Context, p *Process, typeURL string, events []signal.Signal) {
	if d.Emit == nil {
		return
	}
	payload, _ := signal.NewPayload(typeURL, map[string]any{
		"process_id":      p.ID,
		"projection_type": p.Request.ProjectionType,
		"count":           len(events),
		"round":           p.CurrentRound,
	})
	d.Emit(ctx, signal.Signal{
		ID:         fmt.Sprintf("%s-%s-%d", p.ID, typeURL, p.CurrentRound),
		Kind:       signal.KindEvent,
		Payload:    payload,
		ProducerID: p.ID,
		ProducedAt: d.Clock.Now(),
	})
}

func (d *Driver) emitShard(ctx context.Context, p *Process, shard string) {
	if d.Emit == nil {
		return
	}
	payload, _ := signal.NewPayload("catchup.ShardProcessingRequested", map[string]any{
		"process_id": p.ID,
		"shard":      shard,
	})
	d.Emit(ctx, signal.Signal{
		ID:         fmt.Sprintf("%s-shard-%s", p.ID, shard),
		Kind:       signal.KindEvent,
		Payload:    payload,
		ProducerID: p.ID,
		ProducedAt: d.Clock.Now(),
	})
}
