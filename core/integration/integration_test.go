package integration

import (
	"context"
	"testing"

	"github.com/signalcore/substrate/core/signal"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber immediately replays a fixed set of payloads to whatever
// handler Subscribe is given, synchronously, so tests can assert on the
// signals forwarded without needing a real transport.
type fakeSubscriber struct {
	payloads []signal.Payload
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, handle func(context.Context, signal.Payload) error) error {
	for _, p := range f.payloads {
		if err := handle(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func TestInboundSignalIDDerivesFromContentNotType(t *testing.T) {
	a := signal.Payload{TypeURL: "ext.Notice", Bytes: []byte(`{"id":"a"}`)}
	b := signal.Payload{TypeURL: "ext.Notice", Bytes: []byte(`{"id":"b"}`)}

	idA := inboundSignalID(a)
	idB := inboundSignalID(b)
	require.NotEqual(t, idA, idB, "two distinct inbound messages of the same type must not collapse onto one signal ID")

	// Redelivery of the exact same content should still produce the same
	// dedup key.
	require.Equal(t, idA, inboundSignalID(a))
}

func TestInboundBridgeRunForwardsDistinctIDsPerMessage(t *testing.T) {
	payloads := []signal.Payload{
		{TypeURL: "ext.Notice", Bytes: []byte(`{"id":"a"}`)},
		{TypeURL: "ext.Notice", Bytes: []byte(`{"id":"b"}`)},
	}
	var forwarded []signal.Signal
	bridge := &InboundBridge{
		ChannelID:    "chan-1",
		Subscriber:   &fakeSubscriber{payloads: payloads},
		MessageClass: "ext.Notice",
		Forward: func(ctx context.Context, s signal.Signal, messageClass string) []signal.Ack {
			forwarded = append(forwarded, s)
			return []signal.Ack{signal.OkAck(s.ID)}
		},
	}

	require.NoError(t, bridge.Run(context.Background()))
	require.Len(t, forwarded, 2)
	require.NotEqual(t, forwarded[0].ID, forwarded[1].ID)
	require.True(t, forwarded[0].External)
	require.True(t, forwarded[0].Context.External)
}
