// Package integration bridges the internal event/rejection buses to an
// external publish/subscribe channel (spec.md §4.1's "integration bus":
// a multicast bus whose dispatchers forward onto an outside transport
// rather than an entity repository). Grounded on the teacher's
// system/sandbox bus-wrapping middleware shape (a thin wrapper composed
// around publish/subscribe with its own logging and error surface),
// adapted here to bridge to ports.TransportFactory instead of enforcing
// capability checks.
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/pkg/logger"
)

// OutboundAdapter is a bus.Dispatcher that forwards every signal it
// receives to one external channel via a ports.Publisher. One adapter
// is registered per outbound channel/message-class pairing.
type OutboundAdapter struct {
	ChannelID string
	Publisher ports.Publisher
	Classes_  []string
	Log       *logger.Logger
}

// NewOutboundAdapter builds an adapter for the given channel, resolving
// its publisher from the factory eagerly so a misconfigured channel
// fails at wiring time rather than on first publish.
func NewOutboundAdapter(ctx context.Context, factory ports.TransportFactory, channelID string, classes ...string) (*OutboundAdapter, error) {
	pub, err := factory.CreatePublisher(ctx, channelID)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeStorageUnreachable, "create publisher failed", err)
	}
	return &OutboundAdapter{
		ChannelID: channelID,
		Publisher: pub,
		Classes_:  classes,
		Log:       logger.NewDefault("integration.outbound." + channelID),
	}, nil
}

// Classes implements bus.Dispatcher.
func (a *OutboundAdapter) Classes() []string { return a.Classes_ }

// Dispatch implements bus.Dispatcher by publishing the envelope's raw
// payload to the external channel.
func (a *OutboundAdapter) Dispatch(ctx context.Context, env signal.Envelope) (signal.Ack, error) {
	if err := a.Publisher.Publish(ctx, env.Signal.Payload); err != nil {
		return signal.ErrorAck(env.Signal.ID, corerr.Wrap(corerr.CodeStorageUnreachable, "publish to "+a.ChannelID+" failed", err)), nil
	}
	return signal.OkAck(env.Signal.ID), nil
}

// InboundBridge subscribes to an external channel and republishes every
// message it receives onto a local bus, tagging the resulting signal as
// external per spec.md §3.
type InboundBridge struct {
	ChannelID  string
	Subscriber ports.Subscriber
	MessageClass string
	// Forward hands the decoded inbound signal to the local bus
	// (typically bus.Bus.Publish bound to a specific message class).
	Forward func(ctx context.Context, s signal.Signal, messageClass string) []signal.Ack
	Log     *logger.Logger
}

// NewInboundBridge builds a bridge for the given channel.
func NewInboundBridge(ctx context.Context, factory ports.TransportFactory, channelID, messageClass string, forward func(context.Context, signal.Signal, string) []signal.Ack) (*InboundBridge, error) {
	sub, err := factory.CreateSubscriber(ctx, channelID)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeStorageUnreachable, "create subscriber failed", err)
	}
	return &InboundBridge{
		ChannelID:    channelID,
		Subscriber:   sub,
		MessageClass: messageClass,
		Forward:      forward,
		Log:          logger.NewDefault("integration.inbound." + channelID),
	}, nil
}

// Run subscribes and blocks, forwarding every inbound payload until ctx
// is canceled or the subscription ends.
func (b *InboundBridge) Run(ctx context.Context) error {
	return b.Subscriber.Subscribe(ctx, func(ctx context.Context, payload signal.Payload) error {
		s := signal.Signal{
			ID:       inboundSignalID(payload),
			Kind:     signal.KindEvent,
			Payload:  payload,
			External: true,
			Context:  signal.Context{External: true},
		}
		acks := b.Forward(ctx, s, b.MessageClass)
		for _, ack := range acks {
			if ack.Status == signal.AckError && b.Log != nil {
				b.Log.WithField("channel", b.ChannelID).WithField("signal_id", ack.SignalID).Warn("inbound bridge forward failed")
			}
		}
		return nil
	})
}

// inboundSignalID derives a dedup key from the external message's own
// identity rather than its type: two distinct inbound messages of the
// same TypeURL must not collapse onto one signal ID, so the ID is a
// content hash of the type plus the raw payload bytes.
func inboundSignalID(payload signal.Payload) string {
	h := sha256.Sum256(append([]byte(payload.TypeURL+":"), payload.Bytes...))
	return hex.EncodeToString(h[:8])
}
