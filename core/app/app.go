// Package app is the constructed-once dependency root (spec.md §9's
// "constructed-once dependency root instead of singletons"): it wires
// the command/event/rejection buses, the per-entity-class repositories,
// the storage factory, the sharded delivery worker pools, and the
// catch-up scheduler into one running system. Grounded on the teacher's
// system/bootstrap package (EventSystem/UserAPI/FullSystem: a
// Config-in, wired-struct-out constructor plus Start/Stop lifecycle
// methods).
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalcore/substrate/core/bus"
	"github.com/signalcore/substrate/core/catchup"
	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/dedup"
	"github.com/signalcore/substrate/core/inbox"
	"github.com/signalcore/substrate/core/metrics"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/repository"
	"github.com/signalcore/substrate/core/routing"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/pkg/config"
	"github.com/signalcore/substrate/pkg/logger"
)

// Config controls how the dependency root wires its buses, storage, and
// delivery workers.
type Config struct {
	Delivery     config.DeliveryConfig
	Storage      ports.StorageFactory
	WorkRegistry ports.ShardedWorkRegistry
	Metrics      *metrics.Metrics
	Log          *logger.Logger
}

// App is the constructed-once root: one command bus, one event bus, one
// rejection bus, one diagnostic event bus, and a registry of repositories
// each with their own delivery worker pool.
type App struct {
	Commands    *bus.Bus
	Events      *bus.Bus
	Rejections  *bus.Bus
	Diagnostics *bus.Bus

	cfg   Config
	log   *logger.Logger
	clock ports.Clock

	mu           sync.Mutex
	repositories map[string]*repository.Repository
	pools        map[string]*inbox.WorkerPool
	catchups     *catchup.Scheduler
}

// New constructs the dependency root. Call RegisterEntity for each
// entity class the host wants to serve, then Start.
func New(cfg Config, clock ports.Clock) (*App, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("app: storage factory required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("app")
	}
	m := cfg.Metrics
	if m == nil {
		// A private registry, so that several roots can be constructed in
		// one process without colliding on the default registerer.
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	cfg.Metrics = m

	eventStore, err := cfg.Storage.CreateEventStore(context.Background())
	if err != nil {
		return nil, fmt.Errorf("app: create event store: %w", err)
	}

	a := &App{
		Commands:     bus.New("commands", true, bus.WithMetrics(m), bus.WithLogger(log)),
		Events:       bus.New("events", false, bus.WithMetrics(m), bus.WithLogger(log)),
		Rejections:   bus.New("rejections", false, bus.WithMetrics(m), bus.WithLogger(log)),
		Diagnostics:  bus.New("diagnostics", false, bus.WithMetrics(m), bus.WithLogger(log)),
		cfg:          cfg,
		log:          log,
		clock:        clock,
		repositories: make(map[string]*repository.Repository),
		pools:        make(map[string]*inbox.WorkerPool),
	}

	turbulence := secondsDuration(cfg.Delivery.TurbulencePeriod, 30)
	a.catchups = catchup.NewScheduler(&catchup.Driver{
		EventStore:       eventStore,
		Clock:            clock,
		TurbulencePeriod: turbulence,
		PageSize:         atLeast(cfg.Delivery.PageSize, 50),
		Dedup:            dedup.NewWindow(dedup.Config{Window: turbulence, CleanupInterval: turbulence}),
		ShardOf:          shardOf,
		RepoFor:          a.RepositoryFor,
		Emit:             a.emitSynthetic,
	})
	return a, nil
}

// EntitySpec describes one entity class's storage and routing wiring.
type EntitySpec struct {
	Meta            repository.Metadata
	Codec           repository.Codec
	CommandRoutes   *routing.Table
	EventRoutes     *routing.Table
	RejectionRoutes *routing.Table
	MessageClasses  []string

	// EventMessageClasses and RejectionMessageClasses list the classes
	// the repository's dispatcher is registered under on the event and
	// rejection buses, mirroring MessageClasses for commands. Only
	// consulted when the matching route table (EventRoutes /
	// RejectionRoutes) is set.
	EventMessageClasses     []string
	RejectionMessageClasses []string
}

// RegisterEntity builds a Repository for one entity class, registers it
// on the command bus for its message classes (and on the event and
// rejection buses when EventRoutes / RejectionRoutes are set), and
// starts a dedicated delivery worker pool for its inbox shards.
func (a *App) RegisterEntity(ctx context.Context, spec EntitySpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.repositories[spec.Meta.EntityType]; exists {
		return fmt.Errorf("app: entity class %q already registered", spec.Meta.EntityType)
	}

	inboxStorage, err := a.cfg.Storage.CreateInboxStorage(ctx, false)
	if err != nil {
		return fmt.Errorf("app: create inbox storage for %q: %w", spec.Meta.EntityType, err)
	}
	eventStore, err := a.cfg.Storage.CreateEventStore(ctx)
	if err != nil {
		return fmt.Errorf("app: create event store for %q: %w", spec.Meta.EntityType, err)
	}
	aggregates, err := a.cfg.Storage.CreateAggregateStorage(ctx, spec.Meta.EntityClass)
	if err != nil {
		return fmt.Errorf("app: create aggregate storage for %q: %w", spec.Meta.EntityType, err)
	}
	records, err := a.cfg.Storage.CreateRecordStorage(ctx, spec.Meta.EntityClass)
	if err != nil {
		return fmt.Errorf("app: create record storage for %q: %w", spec.Meta.EntityType, err)
	}
	projections, err := a.cfg.Storage.CreateProjectionStorage(ctx, spec.Meta.EntityClass)
	if err != nil {
		return fmt.Errorf("app: create projection storage for %q: %w", spec.Meta.EntityType, err)
	}

	repo := &repository.Repository{
		Meta:            spec.Meta,
		CommandRoutes:   spec.CommandRoutes,
		EventRoutes:     spec.EventRoutes,
		RejectionRoutes: spec.RejectionRoutes,
		Codec:           spec.Codec,
		Inbox:           inboxStorage,
		EventStore:      eventStore,
		Aggregates:      aggregates,
		Records:         records,
		Projections:     projections,
		Clock:           a.clock,
		TotalShards:     atLeast(a.cfg.Delivery.ShardCount, 16),
	}
	a.repositories[spec.Meta.EntityType] = repo

	// A repository is only registered on a bus whose route table it
	// declares: an aggregate/process manager handling commands sets
	// CommandRoutes, a projection or process manager reacting to events
	// or rejections sets EventRoutes/RejectionRoutes. Without the route
	// table there is nothing for that bus to dispatch into.
	if spec.CommandRoutes != nil {
		dispatcher, _ := repo.AsDispatcher(spec.MessageClasses...).(bus.Dispatcher)
		if dispatcher == nil {
			return fmt.Errorf("app: repository for %q does not satisfy bus.Dispatcher", spec.Meta.EntityType)
		}
		if err := a.Commands.Register(dispatcher); err != nil {
			return fmt.Errorf("app: register command dispatcher for %q: %w", spec.Meta.EntityType, err)
		}
	}
	if spec.EventRoutes != nil {
		eventDispatcher, _ := repo.AsDispatcher(spec.EventMessageClasses...).(bus.Dispatcher)
		if eventDispatcher == nil {
			return fmt.Errorf("app: repository for %q does not satisfy bus.Dispatcher", spec.Meta.EntityType)
		}
		if err := a.Events.Register(eventDispatcher); err != nil {
			return fmt.Errorf("app: register event dispatcher for %q: %w", spec.Meta.EntityType, err)
		}
	}
	if spec.RejectionRoutes != nil {
		rejectionDispatcher, _ := repo.AsDispatcher(spec.RejectionMessageClasses...).(bus.Dispatcher)
		if rejectionDispatcher == nil {
			return fmt.Errorf("app: repository for %q does not satisfy bus.Dispatcher", spec.Meta.EntityType)
		}
		if err := a.Rejections.Register(rejectionDispatcher); err != nil {
			return fmt.Errorf("app: register rejection dispatcher for %q: %w", spec.Meta.EntityType, err)
		}
	}

	pool := inbox.New(inbox.Config{
		TotalShards:       atLeast(a.cfg.Delivery.ShardCount, 16),
		Workers:           atLeast(a.cfg.Delivery.Workers, 4),
		PageSize:          atLeast(a.cfg.Delivery.PageSize, 50),
		Lease:             secondsDuration(a.cfg.Delivery.LeaseSeconds, 30),
		IdempotenceWindow: secondsDuration(a.cfg.Delivery.IdempotenceWindow, 600),
		NodeID:            spec.Meta.EntityType,
		MaxRetries:        atLeast(a.cfg.Delivery.MaxRetries, 2),
	}, inboxStorage, a.cfg.WorkRegistry, endpointDispatcher{app: a, entityType: spec.Meta.EntityType}, a.clock, inbox.NewDefaultMonitor(a.cfg.Metrics))
	pool.PostBack = a.postBack
	pool.OnFailure = func(ctx context.Context, msg ports.InboxMessage, cause *corerr.CoreError) {
		a.postDiagnostic(ctx, msg.TargetEntityID, cause)
	}
	a.pools[spec.Meta.EntityType] = pool

	a.log.WithField("entity_type", spec.Meta.EntityType).Info("entity class registered")
	return nil
}

// Start launches every registered entity class's delivery worker pool
// and the catch-up scheduler.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for entityType, pool := range a.pools {
		a.log.WithField("entity_type", entityType).Info("starting delivery worker pool")
		pool.Start(ctx)
	}
	if err := a.catchups.Start(ctx, "@every 5s"); err != nil {
		a.log.WithField("error", err.Error()).Warn("catch-up scheduler failed to start")
	}
}

// Stop halts every worker pool and the catch-up scheduler.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pool := range a.pools {
		pool.Stop()
	}
	a.catchups.Stop()
}

// RegisterCatchUp adds a catch-up process the scheduler drives on its
// periodic tick, per spec.md §4.7.
func (a *App) RegisterCatchUp(p *catchup.Process) {
	a.catchups.Register(p)
}

// PoolFor returns the delivery worker pool registered for an entity
// type, or nil if no such entity class was registered. Exposed so hosts
// and tests can drive delivery manually (RunOnce) between Start/Stop.
func (a *App) PoolFor(entityType string) *inbox.WorkerPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pools[entityType]
}

// RepositoryFor returns the repository registered for an entity type,
// or nil if no such entity class was registered.
func (a *App) RepositoryFor(entityType string) *repository.Repository {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repositories[entityType]
}

// postBack forwards events/commands a handler produced back onto their
// respective buses, closing the loop between delivery and dispatch.
func (a *App) postBack(ctx context.Context, produced []signal.Signal) {
	for _, s := range produced {
		switch s.Kind {
		case signal.KindEvent:
			a.Events.Publish(ctx, s, s.Payload.TypeURL)
		case signal.KindCommand:
			a.Commands.Publish(ctx, s, s.Payload.TypeURL)
		case signal.KindRejection:
			a.Rejections.Publish(ctx, s, s.Payload.TypeURL)
		}
	}
}

// emitSynthetic publishes a catch-up driver's synthetic lifecycle event
// onto the event bus, the same path a live event would take.
func (a *App) emitSynthetic(ctx context.Context, s signal.Signal) {
	a.Events.Publish(ctx, s, s.Payload.TypeURL)
}

// endpointDispatcher adapts a registered repository into the
// inbox.Dispatcher interface the worker pool drives.
type endpointDispatcher struct {
	app        *App
	entityType string
}

func (d endpointDispatcher) Dispatch(ctx context.Context, msg ports.InboxMessage) ([]signal.Signal, signal.Ack) {
	d.app.mu.Lock()
	repo := d.app.repositories[d.entityType]
	d.app.mu.Unlock()
	if repo == nil {
		return nil, signal.ErrorAck(msg.Signal.ID, nil)
	}
	endpoint := repository.Endpoint{
		Repo:           repo,
		Envelope:       signal.Envelope{Signal: msg.Signal, MessageClass: msg.Signal.Payload.TypeURL},
		TargetEntityID: signal.StringID(msg.TargetEntityID),
	}
	return endpoint.Process(ctx)
}

// diagnosticEventType maps a CoreError's code onto one of the system
// event types spec.md §7 names for the diagnostic channel. Every
// asynchronous failure surfaces both an Ack.Error for the originating
// command and one of these events, so on-call tooling watching the
// diagnostic bus never has to parse Code strings.
func diagnosticEventType(code corerr.Code) string {
	switch code {
	case corerr.CodeEntityStateCorrupted:
		return "diagnostics.EntityStateCorrupted"
	case corerr.CodeRouteFailed, corerr.CodeRouteNotFound, corerr.CodeDuplicateRoute:
		return "diagnostics.RoutingFailed"
	case corerr.CodeConstraintViolated:
		return "diagnostics.ConstraintViolated"
	default:
		return "diagnostics.HandlerFailedUnexpectedly"
	}
}

// postDiagnostic publishes a system event on the diagnostic bus for an
// asynchronous failure, per spec.md §7.
func (a *App) postDiagnostic(ctx context.Context, entityID string, cause *corerr.CoreError) {
	if cause == nil {
		cause = corerr.New(corerr.CodeHandlerFailedUnexpectedly, "unknown failure")
	}
	typeURL := diagnosticEventType(cause.Code)
	payload, err := signal.NewPayload(typeURL, map[string]any{
		"entity_id": entityID,
		"code":      string(cause.Code),
		"message":   cause.Error(),
	})
	if err != nil {
		return
	}
	s := signal.Signal{
		ID:         entityID + "-diag-" + string(cause.Code),
		Kind:       signal.KindEvent,
		Payload:    payload,
		ProducerID: entityID,
		ProducedAt: a.clock.Now(),
	}
	a.Diagnostics.Publish(ctx, s, typeURL)
}

func shardOf(entityID, entityType string, totalShards int) ports.ShardIndex {
	return inbox.Shard(entityID, entityType, totalShards)
}

func atLeast(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func secondsDuration(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
