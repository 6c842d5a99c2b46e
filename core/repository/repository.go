// Package repository implements C7 of spec.md §4.4: the binding between
// an entity class, its routing tables, its storage, and the bus. A
// Repository both dispatches incoming signals into the sharded inbox
// (the bus-side path) and, as an Endpoint, runs the entity transaction
// lifecycle when a worker picks a message off a shard (the
// delivery-side path). Grounded on the teacher's repository-pattern
// code in infrastructure/database, generalized from a single CRUD
// store into the routing+inbox+transaction pipeline spec.md describes.
package repository

import (
	"context"
	"fmt"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/entity"
	"github.com/signalcore/substrate/core/handler"
	"github.com/signalcore/substrate/core/inbox"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/routing"
	"github.com/signalcore/substrate/core/signal"
)

// Codec converts between an entity's typed state and its storage
// representation. New constructs the zero-value state a fresh entity
// starts from.
type Codec struct {
	Encode func(entity.State) ([]byte, error)
	Decode func([]byte) (entity.State, error)
	New    func() entity.State
}

// Metadata is the entity class's static registration: its kind,
// validated handler table, versioning strategy, and listener policy.
type Metadata struct {
	EntityClass     string
	EntityType      string
	Kind            entity.Kind
	Handlers        *handler.Table
	VersionStrategy entity.VersionStrategy
	ListenerPolicy  entity.ListenerPolicy
	Listeners       []entity.Listener
}

// Repository owns one entity class's metadata, routing tables, storage,
// and inbox wiring.
type Repository struct {
	Meta Metadata

	CommandRoutes   *routing.Table
	EventRoutes     *routing.Table
	RejectionRoutes *routing.Table

	Codec Codec

	Inbox       ports.InboxStorage
	EventStore  ports.EventStore // aggregates only
	Aggregates  ports.AggregateStorage
	Records     ports.RecordStorage     // process managers
	Projections ports.ProjectionStorage // projections

	Clock       ports.Clock
	TotalShards int
}

// dispatcherAdapter implements bus.Dispatcher: one repository answers for
// exactly the message classes it was registered under by the host wiring code.
type dispatcherAdapter struct {
	repo    *Repository
	classes []string
}

// AsDispatcher adapts the repository into a bus.Dispatcher for the
// given message classes, without core/repository importing core/bus
// (bus only needs the two-method shape, declared locally there).
func (r *Repository) AsDispatcher(classes ...string) any {
	return &dispatcherAdapter{repo: r, classes: classes}
}

func (d *dispatcherAdapter) Classes() []string { return d.classes }

func (d *dispatcherAdapter) Dispatch(ctx context.Context, env signal.Envelope) (signal.Ack, error) {
	return d.repo.Dispatch(ctx, env)
}

// Dispatch routes the incoming signal to its target id(s) and enqueues
// one InboxMessage per target, per spec.md §4.4. Command routing must
// resolve to exactly one id; event/rejection routing may resolve to
// zero or many. Enqueue failures are surfaced as Ack.Error rather than
// propagated to the bus caller.
func (r *Repository) Dispatch(ctx context.Context, env signal.Envelope) (signal.Ack, error) {
	s := env.Signal

	table := r.tableFor(s.Kind)
	if table == nil {
		return signal.ErrorAck(s.ID, corerr.New(corerr.CodeRouteFailed, fmt.Sprintf("repository %s has no routing table for kind %s", r.Meta.EntityClass, s.Kind))), nil
	}

	ids, err := table.Apply(s, env)
	if err != nil {
		return signal.ErrorAck(s.ID, corerr.Wrap(corerr.CodeRouteFailed, "routing failed", err)), nil
	}
	if s.Kind == signal.KindCommand && len(ids) != 1 {
		return signal.ErrorAck(s.ID, corerr.New(corerr.CodeRouteFailed, fmt.Sprintf("command routing must resolve to exactly one id, got %d", len(ids)))), nil
	}
	if len(ids) == 0 {
		return signal.OkAck(s.ID), nil
	}

	now := r.Clock.Now()
	for _, id := range ids {
		shard := inbox.Shard(id, r.Meta.EntityType, r.TotalShards)
		msg := ports.InboxMessage{
			Shard:            shard,
			Signal:           s,
			TargetEntityID:   id,
			TargetEntityType: r.Meta.EntityType,
			Status:           ports.StatusToDeliver,
			ReceivedAt:       now,
		}
		if err := r.Inbox.Write(ctx, msg); err != nil {
			return signal.ErrorAck(s.ID, corerr.Wrap(corerr.CodeStorageUnreachable, "inbox write failed", err)), nil
		}
	}
	return signal.OkAck(s.ID), nil
}

func (r *Repository) tableFor(kind signal.Kind) *routing.Table {
	switch kind {
	case signal.KindCommand:
		return r.CommandRoutes
	case signal.KindEvent:
		return r.EventRoutes
	case signal.KindRejection:
		return r.RejectionRoutes
	default:
		return nil
	}
}

// FindOrCreate loads an entity's current state, event-sourced replay
// for aggregates or direct record read for process managers and
// projections, or constructs a fresh instance if none is stored yet.
func (r *Repository) FindOrCreate(ctx context.Context, id signal.EntityId) (*entity.Entity, error) {
	switch r.Meta.Kind {
	case entity.KindAggregate:
		return r.findOrCreateAggregate(ctx, id)
	default:
		return r.findOrCreateRecord(ctx, id)
	}
}

func (r *Repository) findOrCreateAggregate(ctx context.Context, id signal.EntityId) (*entity.Entity, error) {
	state := r.Codec.New()
	version := signal.Version{}

	if r.Aggregates != nil {
		rec, err := r.Aggregates.Load(ctx, id.String())
		if err != nil {
			return nil, corerr.Wrap(corerr.CodeStorageUnreachable, "aggregate snapshot load failed", err)
		}
		if rec != nil {
			decoded, err := r.Codec.Decode(rec.State)
			if err != nil {
				return nil, corerr.Wrap(corerr.CodeEntityStateCorrupted, "aggregate snapshot decode failed", err)
			}
			state = decoded
			version = rec.Version
		}
	}

	if r.EventStore != nil {
		query := ports.EventQuery{EntityID: id.String(), Since: version.Timestamp}
		err := r.EventStore.Read(ctx, query, func(_ context.Context, e signal.Signal) error {
			descriptor, ok := r.Meta.Handlers.Lookup(e.Payload.TypeURL, "")
			if !ok {
				return corerr.New(corerr.CodeRouteNotFound, "no event applier registered for "+e.Payload.TypeURL)
			}
			decoded, _ := e.Payload.Decoded()
			if _, err := descriptor.Fn(handler.Args{Msg: decoded, Ctx: e.Context, Builder: state}); err != nil {
				return err
			}
			if e.Version != nil {
				version = *e.Version
			}
			return nil
		})
		if err != nil {
			return nil, corerr.Wrap(corerr.CodeEntityStateCorrupted, "event replay failed", err)
		}
	}

	return &entity.Entity{ID: id, Kind: entity.KindAggregate, State: state, Version: version}, nil
}

func (r *Repository) findOrCreateRecord(ctx context.Context, id signal.EntityId) (*entity.Entity, error) {
	var raw []byte
	var version *signal.Version
	var err error

	switch r.Meta.Kind {
	case entity.KindProcessManager:
		raw, version, err = r.Records.Load(ctx, id.String())
	case entity.KindProjection:
		raw, version, err = r.Projections.Load(ctx, id.String())
	default:
		return nil, fmt.Errorf("repository: unsupported entity kind %s", r.Meta.Kind)
	}
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeStorageUnreachable, "record load failed", err)
	}

	state := r.Codec.New()
	v := signal.Version{}
	if raw != nil {
		decoded, err := r.Codec.Decode(raw)
		if err != nil {
			return nil, corerr.Wrap(corerr.CodeEntityStateCorrupted, "record decode failed", err)
		}
		state = decoded
		if version != nil {
			v = *version
		}
	}

	return &entity.Entity{ID: id, Kind: r.Meta.Kind, State: state, Version: v}, nil
}

// Store persists the entity's post-commit state, version, and lifecycle
// flags atomically with any newly produced events, per spec.md §4.4.
func (r *Repository) Store(ctx context.Context, e *entity.Entity, produced []signal.Signal) error {
	encoded, err := r.Codec.Encode(e.State)
	if err != nil {
		return corerr.Wrap(corerr.CodeEntityStateCorrupted, "state encode failed", err)
	}

	switch r.Meta.Kind {
	case entity.KindAggregate:
		if r.Aggregates != nil {
			if err := r.Aggregates.Save(ctx, ports.AggregateRecord{EntityID: e.ID.String(), State: encoded, Version: e.Version}); err != nil {
				return corerr.Wrap(corerr.CodeStorageUnreachable, "aggregate snapshot save failed", err)
			}
		}
		if r.EventStore != nil && len(produced) > 0 {
			if err := r.EventStore.Append(ctx, produced); err != nil {
				return corerr.Wrap(corerr.CodeStorageUnreachable, "event append failed", err)
			}
		}
	case entity.KindProcessManager:
		if err := r.Records.Save(ctx, e.ID.String(), encoded, e.Version); err != nil {
			return corerr.Wrap(corerr.CodeStorageUnreachable, "record save failed", err)
		}
	case entity.KindProjection:
		if err := r.Projections.Save(ctx, e.ID.String(), encoded, e.Version); err != nil {
			return corerr.Wrap(corerr.CodeStorageUnreachable, "record save failed", err)
		}
	}
	return nil
}

// Endpoint is the stateless method-object binding (repo, envelope,
// target) that spec.md §4.4 describes: built fresh per delivery
// attempt, never retained across pages.
type Endpoint struct {
	Repo           *Repository
	Envelope       signal.Envelope
	TargetEntityID signal.EntityId
}

// Process runs the full entity transaction lifecycle of spec.md §4.5
// for one delivered signal: load, apply, commit-or-abort, store, and
// return the events produced for the caller to post back to the event
// bus plus the final delivery Ack.
func (ep Endpoint) Process(ctx context.Context) ([]signal.Signal, signal.Ack) {
	repo := ep.Repo
	env := ep.Envelope
	sig := env.Signal

	e, err := repo.FindOrCreate(ctx, ep.TargetEntityID)
	if err != nil {
		return nil, signal.ErrorAck(sig.ID, asCoreErr(err))
	}

	descriptor, ok := repo.Meta.Handlers.Lookup(sig.Payload.TypeURL, "")
	if !ok {
		return nil, signal.ErrorAck(sig.ID, corerr.New(corerr.CodeRouteNotFound, "no handler registered for "+sig.Payload.TypeURL))
	}
	if descriptor.Kind == handler.KindEventApplier {
		return nil, signal.ErrorAck(sig.ID, corerr.New(corerr.CodeInvalidDispatcher, "event appliers are not directly dispatchable"))
	}

	versionNow := func() signal.Version { return signal.Version{Timestamp: repo.Clock.Now()} }
	tx := entity.Start(e, repo.Meta.VersionStrategy, repo.Meta.ListenerPolicy, versionNow, repo.Meta.Listeners...)

	var proposed []signal.Signal
	decoded, _ := sig.Payload.Decoded()
	applyErr := tx.Apply(sig, entity.Step{
		Apply: func(builder entity.State) (*signal.Signal, error) {
			result, err := descriptor.Fn(handler.Args{Msg: decoded, Ctx: sig.Context, Builder: builder})
			if err != nil {
				return nil, err
			}
			for _, m := range result.Messages {
				if out, ok := m.(signal.Signal); ok {
					proposed = append(proposed, out)
				}
			}
			return nil, nil
		},
	})

	if applyErr == nil && repo.Meta.Kind == entity.KindAggregate {
		for _, ev := range proposed {
			applier, ok := repo.Meta.Handlers.Lookup(ev.Payload.TypeURL, "")
			if !ok {
				applyErr = corerr.New(corerr.CodeRouteNotFound, "no event applier registered for "+ev.Payload.TypeURL)
				break
			}
			evCopy := ev
			decodedEv, _ := evCopy.Payload.Decoded()
			applyErr = tx.Apply(evCopy, entity.Step{
				Apply: func(builder entity.State) (*signal.Signal, error) {
					_, err := applier.Fn(handler.Args{Msg: decodedEv, Ctx: evCopy.Context, Builder: builder})
					return &evCopy, err
				},
				Produced: &evCopy,
			})
			if applyErr != nil {
				break
			}
		}
	}

	if tx.Aborted() {
		coreErr := asCoreErr(tx.Err())
		if tx.Propagate() {
			return nil, signal.ErrorAck(sig.ID, coreErr)
		}
		// The listener policy chose not to rethrow: this is a business
		// rejection of the signal rather than a system failure, so it is
		// surfaced as a Rejection signal the caller posts back onto the
		// rejection bus, not as an Ack.Error that halts the page.
		rejection := repo.rejectionFor(sig, coreErr)
		return []signal.Signal{rejection}, signal.RejectionAck(sig.ID, rejection)
	}

	if err := tx.Commit(e.Flags); err != nil {
		return nil, signal.ErrorAck(sig.ID, asCoreErr(err))
	}

	producedEvents := tx.ProducedEvents()
	if repo.Meta.Kind != entity.KindAggregate {
		// Process managers and projections never re-apply their proposed
		// messages as further phases (that loop is aggregate-only), so the
		// command/event substitution they propose would otherwise never
		// reach the caller.
		producedEvents = append(producedEvents, proposed...)
	}
	if err := repo.Store(ctx, e, producedEvents); err != nil {
		return nil, signal.ErrorAck(sig.ID, asCoreErr(err))
	}

	return producedEvents, signal.OkAck(sig.ID)
}

// rejectionFor builds the Rejection signal posted back for a transaction
// that aborted without propagating: a business-level outcome rather
// than a dispatch failure, routed onto the rejection bus like any other
// produced signal.
func (r *Repository) rejectionFor(sig signal.Signal, cause *corerr.CoreError) signal.Signal {
	payload, _ := signal.NewPayload("rejection."+string(cause.Code), map[string]any{
		"reason": cause.Message,
	})
	return signal.Signal{
		ID:         sig.ID + "-rejected",
		Kind:       signal.KindRejection,
		Payload:    payload,
		ProducerID: sig.ProducerID,
		Context:    signal.Context{ParentCommandID: sig.ID},
	}
}

func asCoreErr(err error) *corerr.CoreError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*corerr.CoreError); ok {
		return ce
	}
	return corerr.Wrap(corerr.CodeHandlerFailedUnexpectedly, "handler failed", err)
}
