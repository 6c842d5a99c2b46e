// Package bus implements the command/event/rejection/integration bus
// pipeline of spec.md §4.1: envelope → validate → filter chain → resolve
// dispatchers → dispatch → acknowledge. Grounded on the teacher's
// system/events/dispatcher.go (filter-then-dispatch, registered-handler
// shape), generalized into a class-keyed registry shared by unicast and
// multicast buses.
package bus

import (
	"context"
	"fmt"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/metrics"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/pkg/logger"
)

// Bus is one signal family's pipeline (command, event, rejection, or
// integration).
type Bus struct {
	Name     string
	Registry *Registry
	Filters  Chain
	Schema   ports.SchemaRegistry // optional; nil skips validation
	Metrics  *metrics.Metrics     // optional; nil disables metrics
	Log      *logger.Logger
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithFilters appends filters to the bus's chain, in the order given.
func WithFilters(filters ...Filter) Option {
	return func(b *Bus) { b.Filters = append(b.Filters, filters...) }
}

// WithSchema sets the schema registry used for payload validation.
func WithSchema(s ports.SchemaRegistry) Option {
	return func(b *Bus) { b.Schema = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.Metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bus) { b.Log = l }
}

// New constructs a Bus. unicast selects the dispatcher-registry mode:
// true for the command bus (exactly one dispatcher per class), false for
// event/rejection/integration buses (every registered dispatcher runs).
func New(name string, unicast bool, opts ...Option) *Bus {
	b := &Bus{
		Name:     name,
		Registry: NewRegistry(unicast),
		Log:      logger.NewDefault("bus." + name),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a dispatcher to the bus's registry.
func (b *Bus) Register(d Dispatcher) error {
	return b.Registry.Register(d)
}

// Unregister removes a dispatcher from the bus's registry.
func (b *Bus) Unregister(d Dispatcher) {
	b.Registry.Unregister(d)
}

// Publish runs the full pipeline for one signal and returns one ack per
// dispatcher invoked. A failure before dispatch (default payload, schema,
// filter error, no or too many dispatchers) yields a single error ack, a
// filter's AckNow yields its one ack, and a dropped signal yields none.
func (b *Bus) Publish(ctx context.Context, s signal.Signal, messageClass string) []signal.Ack {
	env := signal.NewEnvelope(messageClass, s)

	if b.Metrics != nil {
		b.Metrics.DispatchTotal.WithLabelValues(b.Name, messageClass).Inc()
	}

	// Step 1: reject default payloads outright (spec.md §3 invariant).
	if s.Payload.IsDefault() {
		return b.ackAll(s.ID, corerr.New(corerr.CodeDefaultMessage, "default message rejected"))
	}

	// Step 2: schema validation, if wired.
	if b.Schema != nil {
		if err := b.Schema.Validate(ctx, s.Payload); err != nil {
			return b.ackAll(s.ID, corerr.Wrap(corerr.CodeSchemaViolation, "schema validation failed", err))
		}
	}

	// Step 3: filter chain.
	decision, filterAck, filterName, err := b.Filters.Evaluate(ctx, env)
	if err != nil {
		return b.ackAll(s.ID, corerr.Wrap(corerr.CodeSchemaViolation, fmt.Sprintf("filter %q failed", filterName), err))
	}
	switch decision {
	case AckNow:
		b.recordAck(filterAck)
		return []signal.Ack{filterAck}
	case DropSignal:
		if b.Metrics != nil {
			b.Metrics.FilterDropTotal.WithLabelValues(b.Name, filterName).Inc()
		}
		return nil
	}

	// Step 4: resolve dispatchers.
	dispatchers := b.Registry.Lookup(messageClass)
	if len(dispatchers) == 0 {
		return b.ackAll(s.ID, corerr.New(corerr.CodeRouteFailed, fmt.Sprintf("no dispatcher registered for class %q", messageClass)))
	}
	if b.Registry.unicast && len(dispatchers) != 1 {
		return b.ackAll(s.ID, corerr.New(corerr.CodeInvalidDispatcher, fmt.Sprintf("unicast bus %q has %d dispatchers for class %q", b.Name, len(dispatchers), messageClass)))
	}

	// Step 5+6: dispatch and acknowledge.
	acks := make([]signal.Ack, 0, len(dispatchers))
	for _, d := range dispatchers {
		ack, dispatchErr := d.Dispatch(ctx, env)
		if dispatchErr != nil {
			ack = signal.ErrorAck(s.ID, corerr.Wrap(corerr.CodeHandlerFailedUnexpectedly, "dispatch failed", dispatchErr))
		}
		b.recordAck(ack)
		acks = append(acks, ack)
	}
	return acks
}

func (b *Bus) ackAll(signalID string, err *corerr.CoreError) []signal.Ack {
	ack := signal.ErrorAck(signalID, err)
	b.recordAck(ack)
	return []signal.Ack{ack}
}

func (b *Bus) recordAck(ack signal.Ack) {
	if b.Metrics == nil {
		return
	}
	status := "ok"
	switch ack.Status {
	case signal.AckError:
		status = "error"
	case signal.AckRejection:
		status = "rejection"
	}
	b.Metrics.AckTotal.WithLabelValues(b.Name, status).Inc()
}
