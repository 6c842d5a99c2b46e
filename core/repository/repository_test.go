package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/signalcore/substrate/core/entity"
	"github.com/signalcore/substrate/core/handler"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/routing"
	"github.com/signalcore/substrate/core/signal"
	"github.com/stretchr/testify/require"
)

type walletState struct {
	Balance int
}

func (w *walletState) Clone() entity.State {
	cp := *w
	return &cp
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type memInbox struct{ written []ports.InboxMessage }

func (m *memInbox) Write(ctx context.Context, msg ports.InboxMessage) error {
	m.written = append(m.written, msg)
	return nil
}
func (m *memInbox) ReadPage(ctx context.Context, shard ports.ShardIndex, limit int) (ports.Page, error) {
	return ports.Page{}, nil
}
func (m *memInbox) MarkDelivered(ctx context.Context, shard ports.ShardIndex, ids []string, keepUntil time.Time) error {
	return nil
}
func (m *memInbox) DeleteExpired(ctx context.Context, shard ports.ShardIndex, now time.Time) (int, error) {
	return 0, nil
}
func (m *memInbox) RecentlyDelivered(ctx context.Context, shard ports.ShardIndex, signalID string) (bool, error) {
	return false, nil
}

type memRecords struct {
	raw     []byte
	version *signal.Version
}

func (m *memRecords) Load(ctx context.Context, entityID string) ([]byte, *signal.Version, error) {
	return m.raw, m.version, nil
}
func (m *memRecords) Save(ctx context.Context, entityID string, state []byte, version signal.Version) error {
	m.raw = state
	m.version = &version
	return nil
}

func walletCodec() Codec {
	return Codec{
		New: func() entity.State { return &walletState{} },
		Encode: func(s entity.State) ([]byte, error) {
			return json.Marshal(s.(*walletState))
		},
		Decode: func(b []byte) (entity.State, error) {
			var w walletState
			if err := json.Unmarshal(b, &w); err != nil {
				return nil, err
			}
			return &w, nil
		},
	}
}

func overdraftDescriptor() handler.Descriptor {
	return handler.Descriptor{
		Name:        "DebitWallet",
		Kind:        handler.KindCommandHandler,
		MessageType: "wallet.Debit",
		Fn: func(args handler.Args) (handler.Result, error) {
			amount := int(args.Msg.(map[string]any)["amount"].(float64))
			balance := args.Builder.(*walletState).Balance
			if amount > balance {
				return handler.Result{}, errors.New("insufficient balance")
			}
			args.Builder.(*walletState).Balance = balance - amount
			return handler.Result{}, nil
		},
	}
}

func creditDescriptor() handler.Descriptor {
	return handler.Descriptor{
		Name:        "CreditWallet",
		Kind:        handler.KindCommandHandler,
		MessageType: "wallet.Credit",
		Fn: func(args handler.Args) (handler.Result, error) {
			amount := args.Msg.(map[string]any)["amount"].(float64)
			args.Builder.(*walletState).Balance += int(amount)
			return handler.Result{}, nil
		},
	}
}

func TestRepositoryDispatchEnqueuesToInbox(t *testing.T) {
	table, _, err := handler.Describe([]handler.Descriptor{creditDescriptor()})
	require.NoError(t, err)

	cmdRoutes := routing.NewTable(routing.ProducerIDRoute, true)

	repo := &Repository{
		Meta: Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.NoOpListener{},
		},
		CommandRoutes: cmdRoutes,
		Codec:         walletCodec(),
		Records:       &memRecords{},
		Inbox:         &memInbox{},
		Clock:         fixedClock{t: time.Unix(0, 0)},
		TotalShards:   4,
	}

	payload, err := signal.NewPayload("wallet.Credit", map[string]any{"amount": 10.0})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-1", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-1"}
	env := signal.NewEnvelope("wallet.Credit", cmd)

	ack, err := repo.Dispatch(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, signal.AckOk, ack.Status)

	mi := repo.Inbox.(*memInbox)
	require.Len(t, mi.written, 1)
	require.Equal(t, "wallet-1", mi.written[0].TargetEntityID)
}

func TestEndpointProcessAppliesHandlerAndPersists(t *testing.T) {
	table, _, err := handler.Describe([]handler.Descriptor{creditDescriptor()})
	require.NoError(t, err)

	records := &memRecords{}
	repo := &Repository{
		Meta: Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.NoOpListener{},
		},
		Codec:   walletCodec(),
		Records: records,
		Clock:   fixedClock{t: time.Unix(100, 0)},
	}

	payload, err := signal.NewPayload("wallet.Credit", map[string]any{"amount": 25.0})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-1", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-1"}
	env := signal.NewEnvelope("wallet.Credit", cmd)

	ep := Endpoint{Repo: repo, Envelope: env, TargetEntityID: signal.StringID("wallet-1")}
	produced, ack := ep.Process(context.Background())

	require.Equal(t, signal.AckOk, ack.Status)
	require.Empty(t, produced)
	require.NotNil(t, records.raw)

	var stored walletState
	require.NoError(t, json.Unmarshal(records.raw, &stored))
	require.Equal(t, 25, stored.Balance)
}

// TestEndpointProcessSwallowedAbortYieldsRejection exercises the
// NoOpListener path: a handler failure does not propagate, so it is
// surfaced as an AckRejection carrying a produced Rejection signal
// rather than an AckError, and the entity's stored state is untouched.
func TestEndpointProcessSwallowedAbortYieldsRejection(t *testing.T) {
	table, _, err := handler.Describe([]handler.Descriptor{overdraftDescriptor()})
	require.NoError(t, err)

	records := &memRecords{raw: mustMarshal(t, walletState{Balance: 10})}
	repo := &Repository{
		Meta: Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.NoOpListener{},
		},
		Codec:   walletCodec(),
		Records: records,
		Clock:   fixedClock{t: time.Unix(200, 0)},
	}

	payload, err := signal.NewPayload("wallet.Debit", map[string]any{"amount": 50.0})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-2", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-1"}
	env := signal.NewEnvelope("wallet.Debit", cmd)

	ep := Endpoint{Repo: repo, Envelope: env, TargetEntityID: signal.StringID("wallet-1")}
	produced, ack := ep.Process(context.Background())

	require.Equal(t, signal.AckRejection, ack.Status)
	require.NotNil(t, ack.Rejection)
	require.Len(t, produced, 1)
	require.Equal(t, signal.KindRejection, produced[0].Kind)

	var stored walletState
	require.NoError(t, json.Unmarshal(records.raw, &stored))
	require.Equal(t, 10, stored.Balance, "a rejected transaction must not persist its aborted state")
}

// TestEndpointProcessPropagatingAbortYieldsError exercises the
// PropagationRequiredListener path: the same failure surfaces as an
// AckError with no produced signal, the outcome a retrying worker pool
// recognizes.
func TestEndpointProcessPropagatingAbortYieldsError(t *testing.T) {
	table, _, err := handler.Describe([]handler.Descriptor{overdraftDescriptor()})
	require.NoError(t, err)

	records := &memRecords{raw: mustMarshal(t, walletState{Balance: 10})}
	repo := &Repository{
		Meta: Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.PropagationRequiredListener{},
		},
		Codec:   walletCodec(),
		Records: records,
		Clock:   fixedClock{t: time.Unix(200, 0)},
	}

	payload, err := signal.NewPayload("wallet.Debit", map[string]any{"amount": 50.0})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-3", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-1"}
	env := signal.NewEnvelope("wallet.Debit", cmd)

	ep := Endpoint{Repo: repo, Envelope: env, TargetEntityID: signal.StringID("wallet-1")}
	produced, ack := ep.Process(context.Background())

	require.Equal(t, signal.AckError, ack.Status)
	require.Nil(t, ack.Rejection)
	require.Empty(t, produced)
}

func mustMarshal(t *testing.T, w walletState) []byte {
	t.Helper()
	raw, err := json.Marshal(w)
	require.NoError(t, err)
	return raw
}
