package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/signalcore/substrate/core/entity"
	"github.com/signalcore/substrate/core/handler"
	"github.com/signalcore/substrate/core/repository"
	"github.com/signalcore/substrate/core/routing"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/core/storemem"
	"github.com/signalcore/substrate/pkg/config"
	"github.com/stretchr/testify/require"
)

type walletState struct {
	Balance int
}

func (w *walletState) Clone() entity.State {
	cp := *w
	return &cp
}

func walletCodec() repository.Codec {
	return repository.Codec{
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

func overdraftDescriptor() handler.Descriptor {
	return handler.Descriptor{
		Name:        "OverdraftWallet",
		Kind:        handler.KindCommandHandler,
		MessageType: "wallet.Overdraft",
		Fn: func(args handler.Args) (handler.Result, error) {
			return handler.Result{}, errors.New("insufficient funds")
		},
	}
}

type capturingDispatcher struct {
	classes []string
	seen    []signal.Signal
}

func (d *capturingDispatcher) Classes() []string { return d.classes }

func (d *capturingDispatcher) Dispatch(ctx context.Context, env signal.Envelope) (signal.Ack, error) {
	d.seen = append(d.seen, env.Signal)
	return signal.OkAck(env.Signal.ID), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// TestAppRegisterEntityDispatchesThroughToDelivery exercises the whole
// path a constructed App wires together: a command lands on the command
// bus, the repository enqueues it to the shard inbox, and a single
// manually-triggered worker-pool cycle applies the handler and persists
// the resulting state.
func TestAppRegisterEntityDispatchesThroughToDelivery(t *testing.T) {
	storage := storemem.NewFactory()
	clock := fixedClock{t: time.Unix(1000, 0)}

	a, err := New(Config{
		Storage:      storage,
		WorkRegistry: storage.Work,
		Delivery:     config.New().Delivery,
	}, clock)
	require.NoError(t, err)

	table, _, err := handler.Describe([]handler.Descriptor{creditDescriptor()})
	require.NoError(t, err)

	err = a.RegisterEntity(context.Background(), EntitySpec{
		Meta: repository.Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.NoOpListener{},
		},
		Codec:          walletCodec(),
		CommandRoutes:  routing.NewTable(routing.ProducerIDRoute, true),
		MessageClasses: []string{"wallet.Credit"},
	})
	require.NoError(t, err)

	payload, err := signal.NewPayload("wallet.Credit", map[string]any{"amount": 15.0})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-1", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-1"}

	acks := a.Commands.Publish(context.Background(), cmd, "wallet.Credit")
	require.Len(t, acks, 1)
	require.Equal(t, signal.AckOk, acks[0].Status)

	pool := a.pools["wallet"]
	require.NotNil(t, pool)

	shard := shardOf("wallet-1", "wallet", pool.Config.TotalShards)
	processed := pool.RunOnce(context.Background(), shard)
	require.True(t, processed)

	recordStorage, err := storage.CreateRecordStorage(context.Background(), "wallet")
	require.NoError(t, err)
	raw, _, err := recordStorage.Load(context.Background(), "wallet-1")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var stored walletState
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, 15, stored.Balance)
}

// TestAppPostsDiagnosticOnHandlerFailure covers spec.md §7's asynchronous
// failure propagation policy: a handler error surfaces both an Ack.Error
// for the originating command (checked indirectly via the failed
// dispatch) and a HandlerFailedUnexpectedly event on the diagnostic bus.
func TestAppPostsDiagnosticOnHandlerFailure(t *testing.T) {
	storage := storemem.NewFactory()
	clock := fixedClock{t: time.Unix(2000, 0)}

	a, err := New(Config{
		Storage:      storage,
		WorkRegistry: storage.Work,
		Delivery:     config.New().Delivery,
	}, clock)
	require.NoError(t, err)

	diag := &capturingDispatcher{classes: []string{"diagnostics.HandlerFailedUnexpectedly"}}
	require.NoError(t, a.Diagnostics.Register(diag))

	table, _, err := handler.Describe([]handler.Descriptor{overdraftDescriptor()})
	require.NoError(t, err)

	err = a.RegisterEntity(context.Background(), EntitySpec{
		Meta: repository.Metadata{
			EntityClass:     "wallet",
			EntityType:      "wallet",
			Kind:            entity.KindProcessManager,
			Handlers:        table,
			VersionStrategy: entity.AutoIncrement{},
			ListenerPolicy:  entity.PropagationRequiredListener{},
		},
		Codec:          walletCodec(),
		CommandRoutes:  routing.NewTable(routing.ProducerIDRoute, true),
		MessageClasses: []string{"wallet.Overdraft"},
	})
	require.NoError(t, err)

	payload, err := signal.NewPayload("wallet.Overdraft", map[string]any{})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "cmd-2", Kind: signal.KindCommand, Payload: payload, ProducerID: "wallet-2"}

	acks := a.Commands.Publish(context.Background(), cmd, "wallet.Overdraft")
	require.Len(t, acks, 1)
	require.Equal(t, signal.AckOk, acks[0].Status)

	pool := a.pools["wallet"]
	require.NotNil(t, pool)
	shard := shardOf("wallet-2", "wallet", pool.Config.TotalShards)
	processed := pool.RunOnce(context.Background(), shard)
	require.True(t, processed)

	require.Len(t, diag.seen, 1)
	require.Equal(t, "diagnostics.HandlerFailedUnexpectedly", diag.seen[0].Payload.TypeURL)
}
