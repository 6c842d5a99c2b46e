// Package ports declares the external-collaborator interfaces the core
// consumes: schema validation, storage, the sharded work registry, the
// event store, and transport for the integration bus (spec.md §6). None
// of these are implemented here; core/storemem, core/storepg, and
// core/workredis provide concrete implementations.
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/signalcore/substrate/core/signal"
)

// Clock is the injected time source. Production wiring uses a real-time
// clock; tests use a fake one so ordering/dedup assertions are
// deterministic.
type Clock interface {
	Now() time.Time
}

// SchemaRegistry validates payloads and exposes field metadata used by
// routing and filters. It is an external collaborator per spec.md §6;
// the core never validates message shape itself beyond the "default
// message" check.
type SchemaRegistry interface {
	Validate(ctx context.Context, payload signal.Payload) error
	TypeURL(value any) (string, error)
}

// ShardIndex identifies one partition of entity id space.
type ShardIndex struct {
	Index   int
	OfTotal int
}

// String renders the shard index as "index/of_total".
func (s ShardIndex) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.OfTotal)
}

// InboxStatus is the lifecycle state of one InboxMessage.
type InboxStatus int

const (
	// StatusToDeliver means the message is waiting for pickup.
	StatusToDeliver InboxStatus = iota
	// StatusDelivered means the message was handed to its target and is
	// retained until keep_until for idempotence-window dedup.
	StatusDelivered
)

// InboxMessage is one pending or recently-delivered signal for a shard.
type InboxMessage struct {
	Shard            ShardIndex
	Signal           signal.Signal
	TargetEntityID   string
	TargetEntityType string
	Status           InboxStatus
	ReceivedAt       time.Time
	KeepUntil        *time.Time
}

// Page is an ordered batch of inbox messages read for one shard session.
type Page struct {
	Messages []InboxMessage
}

// Session represents exclusive ownership of a shard for a bounded lease.
type Session struct {
	Shard      ShardIndex
	NodeID     string
	Token      string
	LeaseUntil time.Time
}

// InboxStorage is the persistence seam for per-shard pending signals.
type InboxStorage interface {
	Write(ctx context.Context, msg InboxMessage) error
	ReadPage(ctx context.Context, shard ShardIndex, limit int) (Page, error)
	MarkDelivered(ctx context.Context, shard ShardIndex, signalIDs []string, keepUntil time.Time) error
	DeleteExpired(ctx context.Context, shard ShardIndex, now time.Time) (int, error)
	// RecentlyDelivered reports whether a signal id was marked delivered
	// for this shard's target within its retained idempotence window.
	RecentlyDelivered(ctx context.Context, shard ShardIndex, signalID string) (bool, error)
}

// ShardedWorkRegistry grants a node exclusive access to a shard for a
// bounded lease (spec.md §4.6).
type ShardedWorkRegistry interface {
	PickUp(ctx context.Context, shard ShardIndex, nodeID string, lease time.Duration) (*Session, error)
	ExtendLease(ctx context.Context, session *Session, lease time.Duration) error
	Release(ctx context.Context, session *Session) error
}

// EventQuery bounds a historical read from the event store.
type EventQuery struct {
	EventTypes []string
	Since      time.Time
	Until      time.Time
	Limit      int
	// EntityID, when set, narrows the read to one aggregate's event
	// history (used for replay from a snapshot rather than a full scan).
	EntityID string
}

// EventObserver receives events streamed by EventStore.Read, in
// timestamp-ascending order.
type EventObserver func(ctx context.Context, e signal.Signal) error

// EventStore is the append-only event log (write path via the event bus,
// read path for catch-up and aggregate replay).
type EventStore interface {
	Read(ctx context.Context, query EventQuery, observe EventObserver) error
	Append(ctx context.Context, events []signal.Signal) error
}

// AggregateRecord is a stored snapshot of an aggregate's fold state.
type AggregateRecord struct {
	EntityID string
	State    []byte
	Version  signal.Version
}

// AggregateStorage persists aggregate snapshots (an optimization over
// full replay; aggregates remain event-sourced regardless).
type AggregateStorage interface {
	Load(ctx context.Context, entityID string) (*AggregateRecord, error)
	Save(ctx context.Context, rec AggregateRecord) error
}

// RecordStorage persists process-manager state by direct record read/write.
type RecordStorage interface {
	Load(ctx context.Context, entityID string) ([]byte, *signal.Version, error)
	Save(ctx context.Context, entityID string, state []byte, version signal.Version) error
}

// ProjectionStorage persists projection state by direct record read/write.
type ProjectionStorage interface {
	Load(ctx context.Context, entityID string) ([]byte, *signal.Version, error)
	Save(ctx context.Context, entityID string, state []byte, version signal.Version) error
}

// StorageFactory provisions the storage backends a repository needs.
type StorageFactory interface {
	CreateInboxStorage(ctx context.Context, multitenant bool) (InboxStorage, error)
	CreateEventStore(ctx context.Context) (EventStore, error)
	CreateAggregateStorage(ctx context.Context, entityClass string) (AggregateStorage, error)
	CreateRecordStorage(ctx context.Context, entityClass string) (RecordStorage, error)
	CreateProjectionStorage(ctx context.Context, entityClass string) (ProjectionStorage, error)
}

// Publisher sends raw payloads to an external channel.
type Publisher interface {
	Publish(ctx context.Context, payload signal.Payload) error
}

// Subscriber receives raw payloads from an external channel.
type Subscriber interface {
	Subscribe(ctx context.Context, handle func(context.Context, signal.Payload) error) error
}

// TransportFactory provisions publisher/subscriber channels for the
// integration bus.
type TransportFactory interface {
	CreatePublisher(ctx context.Context, channelID string) (Publisher, error)
	CreateSubscriber(ctx context.Context, channelID string) (Subscriber, error)
}
