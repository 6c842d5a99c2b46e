// Package inbox implements sharded delivery (spec.md §4.6): a
// content-addressed queue of pending signals per shard with
// single-writer-per-entity guarantees, a cooperative per-shard worker
// pool, lease-based work coordination, and idempotence-window dedup.
// Grounded on the teacher's system/events/dispatcher.go worker-pool
// queue shape, generalized from an in-process channel queue to
// lease-coordinated shard pickup against an external work registry.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/dedup"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/pkg/logger"
	"golang.org/x/time/rate"
)

// Dispatcher runs one delivered message all the way through the entity
// transaction lifecycle and returns what it produced.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg ports.InboxMessage) ([]signal.Signal, signal.Ack)
}

// Config bounds one WorkerPool's behavior.
type Config struct {
	TotalShards       int
	Workers           int
	PageSize          int
	Lease             time.Duration
	IdempotenceWindow time.Duration
	NodeID            string
	// IdleBackoffRate bounds how often a worker retries acquiring a
	// shard lease when every shard it tried was already held elsewhere.
	IdleBackoffRate rate.Limit
	// MaxRetries bounds how many times one message is re-dispatched
	// after an AckError before the page is interrupted.
	MaxRetries int
}

// DefaultConfig returns reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		TotalShards:       16,
		Workers:           4,
		PageSize:          50,
		Lease:             30 * time.Second,
		IdempotenceWindow: 10 * time.Minute,
		NodeID:            "local",
		IdleBackoffRate:   rate.Every(50 * time.Millisecond),
		MaxRetries:        2,
	}
}

// WorkerPool is the parallel pool of §5: cooperative per shard, bounded
// concurrency across shards.
type WorkerPool struct {
	Config Config

	Storage    ports.InboxStorage
	Registry   ports.ShardedWorkRegistry
	Dispatcher Dispatcher
	Clock      ports.Clock
	Monitor    DeliveryMonitor
	Dedup      *dedup.Window
	// PostBack forwards events/commands produced by a dispatched message
	// back onto their respective buses. May be nil in tests.
	PostBack func(ctx context.Context, produced []signal.Signal)
	// OnFailure is invoked once per message whose retries were exhausted
	// with an AckError, so the host can surface it on a diagnostic
	// channel. May be nil.
	OnFailure func(ctx context.Context, msg ports.InboxMessage, cause *corerr.CoreError)

	log *logger.Logger

	stopCh  chan struct{}
	stopped chan struct{}
}

// New constructs a WorkerPool. Call Start to begin pulling work.
func New(cfg Config, storage ports.InboxStorage, registry ports.ShardedWorkRegistry, dispatcher Dispatcher, clock ports.Clock, monitor DeliveryMonitor) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &WorkerPool{
		Config:     cfg,
		Storage:    storage,
		Registry:   registry,
		Dispatcher: dispatcher,
		Clock:      clock,
		Monitor:    monitor,
		Dedup:      dedup.NewWindow(dedup.Config{Window: cfg.IdempotenceWindow, CleanupInterval: cfg.IdempotenceWindow}),
		log:        logger.NewDefault("inbox.pool"),
	}
}

// Start launches Config.Workers goroutines, each cooperatively cycling
// through shards looking for an acquirable lease. Start returns
// immediately; call Stop (or cancel ctx) to shut the pool down.
func (p *WorkerPool) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{}, p.Config.Workers)
	limiter := rate.NewLimiter(p.Config.IdleBackoffRate, 1)
	for i := 0; i < p.Config.Workers; i++ {
		go p.workerLoop(ctx, i, limiter)
	}
}

// Stop signals every worker to exit and blocks until they have.
func (p *WorkerPool) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	for i := 0; i < p.Config.Workers; i++ {
		<-p.stopped
	}
}

func (p *WorkerPool) workerLoop(ctx context.Context, workerIdx int, limiter *rate.Limiter) {
	defer func() { p.stopped <- struct{}{} }()
	shard := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		target := ports.ShardIndex{Index: (workerIdx + shard) % p.Config.TotalShards, OfTotal: p.Config.TotalShards}
		shard++

		processed := p.runShard(ctx, target)
		if !processed {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// RunOnce runs a single pickup→read→dispatch→mark-delivered→release
// cycle for a shard outside the worker loop, for callers driving the
// pool by hand (tests, manual admin triggers).
func (p *WorkerPool) RunOnce(ctx context.Context, shard ports.ShardIndex) bool {
	return p.runShard(ctx, shard)
}

// runShard attempts one pickup→read→dispatch→mark-delivered→release
// cycle for a shard, returning false if the lease was unavailable or
// the shard had nothing to deliver (the caller backs off in that case).
func (p *WorkerPool) runShard(ctx context.Context, shard ports.ShardIndex) bool {
	session, err := p.Registry.PickUp(ctx, shard, p.Config.NodeID, p.Config.Lease)
	if err != nil || session == nil {
		return false
	}
	defer func() { _ = p.Registry.Release(ctx, session) }()

	heartbeatStop := make(chan struct{})
	go p.heartbeat(ctx, session, heartbeatStop)
	defer close(heartbeatStop)

	page, err := p.Storage.ReadPage(ctx, shard, p.Config.PageSize)
	if err != nil || len(page.Messages) == 0 {
		return false
	}

	sortPage(page.Messages)
	stats := p.dispatchPage(ctx, shard, page)
	if p.Monitor != nil {
		p.Monitor.OnPageComplete(stats)
	}
	return true
}

// sortPage enforces spec.md §4.6's read order: received_at ascending,
// then signal id lexicographically.
func sortPage(msgs []ports.InboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].Signal.ID < msgs[j].Signal.ID
	})
}

func (p *WorkerPool) heartbeat(ctx context.Context, session *ports.Session, stop chan struct{}) {
	interval := p.Config.Lease / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Registry.ExtendLease(ctx, session, p.Config.Lease); err != nil {
				p.log.WithField("shard", session.Shard.String()).Warn("lease heartbeat failed")
				return
			}
		}
	}
}

// dispatchPage runs the messages of one page sequentially in read order,
// deduping by signal id against both the in-memory TTL cache and the
// persisted idempotence window; messages are not grouped by target id. A fatal
// dispatch error interrupts the page: remaining messages are left
// TO_DELIVER for the next round.
func (p *WorkerPool) dispatchPage(ctx context.Context, shard ports.ShardIndex, page ports.Page) DeliveryStats {
	now := p.Clock.Now()
	stats := DeliveryStats{Shard: shard}
	var delivered []string

	for _, msg := range page.Messages {
		if p.isDuplicate(ctx, shard, msg, now) {
			stats.DuplicateCount++
			continue
		}

		produced, ack, attemptErr := p.dispatchWithRetry(ctx, msg)
		if ack.Status == signal.AckError {
			stats.Interrupted = true
			stats.StoppedAt = msg.Signal.ID
			if attemptErr != nil {
				p.log.WithField("shard", shard.String()).WithField("signal", msg.Signal.ID).Warn(attemptErr.Error())
			}
			if p.OnFailure != nil {
				p.OnFailure(ctx, msg, ack.Err)
			}
			break
		}

		delivered = append(delivered, msg.Signal.ID)
		stats.DeliveredCount++
		p.Dedup.MarkDelivered(msg.Signal.ID, now)

		if len(produced) > 0 && p.PostBack != nil {
			p.PostBack(ctx, produced)
		}
	}

	if len(delivered) > 0 {
		keepUntil := now.Add(p.Config.IdempotenceWindow)
		if err := p.Storage.MarkDelivered(ctx, shard, delivered, keepUntil); err != nil {
			p.log.WithField("shard", shard.String()).Warn("mark-delivered failed")
		}
	}
	return stats
}

// dispatchWithRetry re-attempts a single message up to Config.MaxRetries
// times when the dispatcher reports AckError, collecting every attempt's
// error into one *multierror.Error so the eventual fatal outcome carries
// the full retry history rather than just the last failure.
func (p *WorkerPool) dispatchWithRetry(ctx context.Context, msg ports.InboxMessage) ([]signal.Signal, signal.Ack, error) {
	var errs *multierror.Error
	var produced []signal.Signal
	var ack signal.Ack

	attempts := p.Config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		produced, ack = p.Dispatcher.Dispatch(ctx, msg)
		if ack.Status != signal.AckError {
			return produced, ack, nil
		}
		reason := "unknown error"
		if ack.Err != nil {
			reason = ack.Err.Error()
		}
		errs = multierror.Append(errs, fmt.Errorf("attempt %d: %s", attempt+1, reason))
	}
	return produced, ack, errs.ErrorOrNil()
}

func (p *WorkerPool) isDuplicate(ctx context.Context, shard ports.ShardIndex, msg ports.InboxMessage, now time.Time) bool {
	if p.Dedup.IsDuplicate(msg.Signal.ID, now) {
		return true
	}
	recently, err := p.Storage.RecentlyDelivered(ctx, shard, msg.Signal.ID)
	return err == nil && recently
}
