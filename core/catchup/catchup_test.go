package catchup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/signalcore/substrate/core/dedup"
	"github.com/signalcore/substrate/core/entity"
	"github.com/signalcore/substrate/core/handler"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/repository"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/core/storemem"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeEventStore struct {
	events []signal.Signal
}

func (f *fakeEventStore) Read(ctx context.Context, q ports.EventQuery, observe ports.EventObserver) error {
	for _, e := range f.events {
		if e.ProducedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !e.ProducedAt.Before(q.Until) {
			continue
		}
		if err := observe(ctx, e); err != nil {
			return err
		}
		if q.Limit > 0 && len(f.events) >= q.Limit {
			break
		}
	}
	return nil
}

func (f *fakeEventStore) Append(ctx context.Context, events []signal.Signal) error {
	f.events = append(f.events, events...)
	return nil
}

func mkEvent(id, producer string, ts time.Time) signal.Signal {
	payload, _ := signal.NewPayload("acct.Credited", map[string]any{})
	return signal.Signal{ID: id, Kind: signal.KindEvent, Payload: payload, ProducerID: producer, ProducedAt: ts}
}

func TestCatchUpTransitionsStartedToFinalizingWhenNoHistory(t *testing.T) {
	store := &fakeEventStore{}
	clock := fixedClock{t: time.Unix(10000, 0)}
	driver := &Driver{
		EventStore:       store,
		Clock:            clock,
		TurbulencePeriod: time.Minute,
		PageSize:         10,
		Dedup:            dedup.NewWindow(dedup.DefaultConfig()),
	}
	p := NewProcess("p1", Request{ProjectionType: "AccountBalances"}, 4)

	require.NoError(t, driver.Tick(context.Background(), p))
	require.Equal(t, StateFinalizing, p.State)
}

func TestCatchUpCompletesWhenFinalizingPageIsEmpty(t *testing.T) {
	store := &fakeEventStore{}
	clock := fixedClock{t: time.Unix(10000, 0)}
	driver := &Driver{
		EventStore:       store,
		Clock:            clock,
		TurbulencePeriod: time.Minute,
		PageSize:         10,
		Dedup:            dedup.NewWindow(dedup.DefaultConfig()),
		ShardOf: func(id, entityType string, total int) ports.ShardIndex {
			return ports.ShardIndex{Index: 0, OfTotal: total}
		},
	}
	p := NewProcess("p1", Request{ProjectionType: "AccountBalances"}, 4)
	p.State = StateFinalizing

	require.NoError(t, driver.Tick(context.Background(), p))
	require.Equal(t, StateCompleted, p.State)
}

func TestCatchUpStaysStartedWhileHistoryRemains(t *testing.T) {
	base := time.Unix(1000, 0)
	store := &fakeEventStore{events: []signal.Signal{
		mkEvent("e1", "acct-1", base),
		mkEvent("e2", "acct-2", base.Add(time.Second)),
	}}
	clock := fixedClock{t: base.Add(time.Hour)}
	driver := &Driver{
		EventStore:       store,
		Clock:            clock,
		TurbulencePeriod: time.Minute,
		PageSize:         10,
		Dedup:            dedup.NewWindow(dedup.DefaultConfig()),
		ShardOf: func(id, entityType string, total int) ports.ShardIndex {
			return ports.ShardIndex{Index: 0, OfTotal: total}
		},
	}
	p := NewProcess("p1", Request{ProjectionType: "AccountBalances"}, 4)

	require.NoError(t, driver.Tick(context.Background(), p))
	require.Equal(t, StateStarted, p.State)
	require.False(t, p.WhenLastRead.IsZero())
}

// balanceState is a minimal projection builder folding credited amounts.
type balanceState struct {
	Total int `json:"total"`
}

func (b *balanceState) Clone() entity.State {
	cp := *b
	return &cp
}

func balanceCodec() repository.Codec {
	return repository.Codec{
		New: func() entity.State { return &balanceState{} },
		Encode: func(s entity.State) ([]byte, error) {
			return json.Marshal(s.(*balanceState))
		},
		Decode: func(raw []byte) (entity.State, error) {
			var b balanceState
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			return &b, nil
		},
	}
}

func mkCreditEvent(id, producer string, amount int, ts time.Time) signal.Signal {
	payload, _ := signal.NewPayload("acct.Credited", map[string]any{"amount": amount})
	return signal.Signal{ID: id, Kind: signal.KindEvent, Payload: payload, ProducerID: producer, ProducedAt: ts}
}

// TestCatchUpFoldsHistoryIntoProjectionState drives one STARTED round
// against a real projection repository and asserts the projection's
// stored state reflects the replayed events, not merely that the
// process advanced its bookkeeping and emitted a count.
func TestCatchUpFoldsHistoryIntoProjectionState(t *testing.T) {
	base := time.Unix(1000, 0)
	store := &fakeEventStore{events: []signal.Signal{
		mkCreditEvent("e1", "acct-9", 10, base),
		mkCreditEvent("e2", "acct-9", 5, base.Add(time.Second)),
	}}
	clock := fixedClock{t: base.Add(time.Hour)}

	table, mismatches, err := handler.Describe([]handler.Descriptor{{
		Name:        "ApplyCredited",
		Kind:        handler.KindEventSubscriber,
		MessageType: "acct.Credited",
		Fn: func(args handler.Args) (handler.Result, error) {
			amount := args.Msg.(map[string]any)["amount"].(int)
			args.Builder.(*balanceState).Total += amount
			return handler.Result{}, nil
		},
	}})
	require.NoError(t, err)
	require.Empty(t, mismatches)

	repo := &repository.Repository{
		Meta: repository.Metadata{
			EntityClass:     "accountbalances",
			EntityType:      "accountbalances",
			Kind:            entity.KindProjection,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.NoOpListener{},
		},
		Codec:       balanceCodec(),
		Projections: storemem.NewProjectionStorage(),
		Clock:       clock,
		TotalShards: 1,
	}

	driver := &Driver{
		EventStore:       store,
		Clock:            clock,
		TurbulencePeriod: time.Minute,
		PageSize:         10,
		Dedup:            dedup.NewWindow(dedup.DefaultConfig()),
		ShardOf: func(id, entityType string, total int) ports.ShardIndex {
			return ports.ShardIndex{Index: 0, OfTotal: total}
		},
		RepoFor: func(entityType string) *repository.Repository {
			require.Equal(t, "accountbalances", entityType)
			return repo
		},
	}
	p := NewProcess("p1", Request{ProjectionType: "AccountBalances", EntityType: "accountbalances"}, 1)

	require.NoError(t, driver.Tick(context.Background(), p))
	require.Equal(t, StateStarted, p.State)

	raw, _, err := repo.Projections.Load(context.Background(), "acct-9")
	require.NoError(t, err)
	require.NotNil(t, raw, "catch-up should have folded the replayed event into projection storage")

	var got balanceState
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 10, got.Total, "projection state should reflect the replayed historical event, not just a count")
}
