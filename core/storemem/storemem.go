// Package storemem provides in-memory reference implementations of
// every core/ports storage interface: the default backend for local
// development and for the end-to-end tests in core/core_test. Grounded
// on the teacher's infrastructure/database in-memory test doubles
// pattern (mutex-guarded maps standing in for a real store behind the
// same interface).
package storemem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
)

// InboxStorage is a mutex-guarded, per-shard slice of pending messages.
type InboxStorage struct {
	mu       sync.Mutex
	byShard  map[string][]ports.InboxMessage
	delivery map[string]time.Time // signal id -> keep_until
}

// NewInboxStorage constructs an empty InboxStorage.
func NewInboxStorage() *InboxStorage {
	return &InboxStorage{byShard: make(map[string][]ports.InboxMessage), delivery: make(map[string]time.Time)}
}

func (s *InboxStorage) Write(ctx context.Context, msg ports.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.Shard.String()
	s.byShard[key] = append(s.byShard[key], msg)
	return nil
}

func (s *InboxStorage) ReadPage(ctx context.Context, shard ports.ShardIndex, limit int) (ports.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shard.String()
	msgs := s.byShard[key]

	var toDeliver []ports.InboxMessage
	for _, m := range msgs {
		if m.Status == ports.StatusToDeliver {
			toDeliver = append(toDeliver, m)
		}
	}
	sort.SliceStable(toDeliver, func(i, j int) bool {
		if !toDeliver[i].ReceivedAt.Equal(toDeliver[j].ReceivedAt) {
			return toDeliver[i].ReceivedAt.Before(toDeliver[j].ReceivedAt)
		}
		return toDeliver[i].Signal.ID < toDeliver[j].Signal.ID
	})
	if limit > 0 && len(toDeliver) > limit {
		toDeliver = toDeliver[:limit]
	}
	return ports.Page{Messages: toDeliver}, nil
}

func (s *InboxStorage) MarkDelivered(ctx context.Context, shard ports.ShardIndex, signalIDs []string, keepUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(signalIDs))
	for _, id := range signalIDs {
		want[id] = true
		s.delivery[id] = keepUntil
	}
	key := shard.String()
	for i := range s.byShard[key] {
		if want[s.byShard[key][i].Signal.ID] {
			s.byShard[key][i].Status = ports.StatusDelivered
			ku := keepUntil
			s.byShard[key][i].KeepUntil = &ku
		}
	}
	return nil
}

func (s *InboxStorage) DeleteExpired(ctx context.Context, shard ports.ShardIndex, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shard.String()
	kept := s.byShard[key][:0]
	removed := 0
	for _, m := range s.byShard[key] {
		if m.Status == ports.StatusDelivered && m.KeepUntil != nil && m.KeepUntil.Before(now) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.byShard[key] = kept
	return removed, nil
}

func (s *InboxStorage) RecentlyDelivered(ctx context.Context, shard ports.ShardIndex, signalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepUntil, ok := s.delivery[signalID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(keepUntil), nil
}

// ShardedWorkRegistry grants in-process shard leases, keyed by shard
// string. It supports only one node at a time, as appropriate for a
// single-process development/test backend.
type ShardedWorkRegistry struct {
	mu   sync.Mutex
	held map[string]*ports.Session
}

func NewShardedWorkRegistry() *ShardedWorkRegistry {
	return &ShardedWorkRegistry{held: make(map[string]*ports.Session)}
}

func (r *ShardedWorkRegistry) PickUp(ctx context.Context, shard ports.ShardIndex, nodeID string, lease time.Duration) (*ports.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := shard.String()
	now := time.Now()
	if existing, ok := r.held[key]; ok && existing.LeaseUntil.After(now) {
		return nil, nil
	}
	session := &ports.Session{Shard: shard, NodeID: nodeID, Token: nodeID + "-" + key, LeaseUntil: now.Add(lease)}
	r.held[key] = session
	return session, nil
}

func (r *ShardedWorkRegistry) ExtendLease(ctx context.Context, session *ports.Session, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := session.Shard.String()
	existing, ok := r.held[key]
	if !ok || existing.Token != session.Token {
		return nil
	}
	existing.LeaseUntil = time.Now().Add(lease)
	return nil
}

func (r *ShardedWorkRegistry) Release(ctx context.Context, session *ports.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := session.Shard.String()
	if existing, ok := r.held[key]; ok && existing.Token == session.Token {
		delete(r.held, key)
	}
	return nil
}

// EventStore is an append-only, in-memory event log.
type EventStore struct {
	mu     sync.Mutex
	events []signal.Signal
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(ctx context.Context, events []signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *EventStore) Read(ctx context.Context, query ports.EventQuery, observe ports.EventObserver) error {
	s.mu.Lock()
	snapshot := append([]signal.Signal(nil), s.events...)
	s.mu.Unlock()

	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].ProducedAt.Before(snapshot[j].ProducedAt) })

	types := make(map[string]bool, len(query.EventTypes))
	for _, t := range query.EventTypes {
		types[t] = true
	}

	count := 0
	for _, e := range snapshot {
		if !query.Since.IsZero() && e.ProducedAt.Before(query.Since) {
			continue
		}
		if !query.Until.IsZero() && !e.ProducedAt.Before(query.Until) {
			continue
		}
		if query.EntityID != "" && e.ProducerID != query.EntityID {
			continue
		}
		if len(types) > 0 && !types[e.Payload.TypeURL] {
			continue
		}
		if err := observe(ctx, e); err != nil {
			return err
		}
		count++
		if query.Limit > 0 && count >= query.Limit {
			break
		}
	}
	return nil
}

// AggregateStorage is an in-memory map of aggregate snapshots.
type AggregateStorage struct {
	mu   sync.Mutex
	recs map[string]ports.AggregateRecord
}

func NewAggregateStorage() *AggregateStorage { return &AggregateStorage{recs: make(map[string]ports.AggregateRecord)} }

func (a *AggregateStorage) Load(ctx context.Context, entityID string) (*ports.AggregateRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recs[entityID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (a *AggregateStorage) Save(ctx context.Context, rec ports.AggregateRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs[rec.EntityID] = rec
	return nil
}

// recordStore is the shared implementation behind RecordStorage and
// ProjectionStorage, which have identical shapes in spec.md §6.
type recordStore struct {
	mu    sync.Mutex
	raw   map[string][]byte
	vers  map[string]signal.Version
}

func newRecordStore() *recordStore {
	return &recordStore{raw: make(map[string][]byte), vers: make(map[string]signal.Version)}
}

func (r *recordStore) Load(ctx context.Context, entityID string) ([]byte, *signal.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.raw[entityID]
	if !ok {
		return nil, nil, nil
	}
	v := r.vers[entityID]
	return raw, &v, nil
}

func (r *recordStore) Save(ctx context.Context, entityID string, state []byte, version signal.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[entityID] = state
	r.vers[entityID] = version
	return nil
}

// RecordStorage persists process-manager state in memory.
type RecordStorage struct{ *recordStore }

func NewRecordStorage() *RecordStorage { return &RecordStorage{newRecordStore()} }

// ProjectionStorage persists projection state in memory.
type ProjectionStorage struct{ *recordStore }

func NewProjectionStorage() *ProjectionStorage { return &ProjectionStorage{newRecordStore()} }

// Factory implements ports.StorageFactory entirely with in-memory
// backends, sharing one InboxStorage/EventStore/work registry across
// the entity classes it provisions per-class storage for.
type Factory struct {
	Inbox    *InboxStorage
	Work     *ShardedWorkRegistry
	Events   *EventStore

	mu          sync.Mutex
	aggregates  map[string]*AggregateStorage
	records     map[string]*RecordStorage
	projections map[string]*ProjectionStorage
}

// NewFactory constructs a ready-to-use in-memory storage factory.
func NewFactory() *Factory {
	return &Factory{
		Inbox:       NewInboxStorage(),
		Work:        NewShardedWorkRegistry(),
		Events:      NewEventStore(),
		aggregates:  make(map[string]*AggregateStorage),
		records:     make(map[string]*RecordStorage),
		projections: make(map[string]*ProjectionStorage),
	}
}

func (f *Factory) CreateInboxStorage(ctx context.Context, multitenant bool) (ports.InboxStorage, error) {
	return f.Inbox, nil
}

func (f *Factory) CreateEventStore(ctx context.Context) (ports.EventStore, error) {
	return f.Events, nil
}

func (f *Factory) CreateAggregateStorage(ctx context.Context, entityClass string) (ports.AggregateStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.aggregates[entityClass]; ok {
		return s, nil
	}
	s := NewAggregateStorage()
	f.aggregates[entityClass] = s
	return s, nil
}

func (f *Factory) CreateRecordStorage(ctx context.Context, entityClass string) (ports.RecordStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.records[entityClass]; ok {
		return s, nil
	}
	s := NewRecordStorage()
	f.records[entityClass] = s
	return s, nil
}

func (f *Factory) CreateProjectionStorage(ctx context.Context, entityClass string) (ports.ProjectionStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.projections[entityClass]; ok {
		return s, nil
	}
	s := NewProjectionStorage()
	f.projections[entityClass] = s
	return s, nil
}
