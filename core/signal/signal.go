// Package signal defines the uniform wrapper around a message carried
// through the bus, routing, and delivery subsystems: the Signal sum type
// (Command/Event/Rejection), its Envelope, entity identifiers, and the
// versioning scheme applied to entity state.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes the three signal families the core understands.
type Kind int

const (
	// KindCommand requests a state change on exactly one entity.
	KindCommand Kind = iota
	// KindEvent records that a state change already happened.
	KindEvent
	// KindRejection reports that a command could not be honored.
	KindRejection
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// EntityId is any opaque key whose serialized form is deterministic.
// Comparison and map-keying both use String().
type EntityId interface {
	String() string
}

// StringID wraps a plain string as an EntityId.
type StringID string

// String implements EntityId.
func (s StringID) String() string { return string(s) }

// Int64ID wraps an integer identifier as an EntityId.
type Int64ID int64

// String implements EntityId.
func (i Int64ID) String() string { return fmt.Sprintf("%d", int64(i)) }

// Version is (number, timestamp), monotonic within one producer.
type Version struct {
	Number    int64
	Timestamp time.Time
}

// Less reports whether v precedes other by number.
func (v Version) Less(other Version) bool { return v.Number < other.Number }

// Payload is the schema-agnostic wire pair (type_url, bytes) from spec.md
// §6, plus a best-effort decoded cache so in-process producers/consumers
// that already share a typed Go value avoid a marshal round trip.
type Payload struct {
	TypeURL string
	Bytes   []byte

	decoded any
}

// IsDefault reports whether the payload is the zero/default message for
// its type: no type url and no bytes. A default message is never
// enqueued or stored per spec.md §3's invariants.
func (p Payload) IsDefault() bool {
	return p.TypeURL == "" && len(p.Bytes) == 0
}

// NewPayload constructs a Payload from a typed Go value, marshaling it to
// JSON for the wire representation while retaining the original value for
// same-process handlers.
func NewPayload(typeURL string, value any) (Payload, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Payload{}, fmt.Errorf("signal: marshal payload %s: %w", typeURL, err)
	}
	return Payload{TypeURL: typeURL, Bytes: data, decoded: value}, nil
}

// As decodes the payload into target by unmarshaling the wire bytes; the
// cached decoded value is not consulted.
func (p Payload) As(target any) error {
	if len(p.Bytes) == 0 {
		return fmt.Errorf("signal: empty payload for %s", p.TypeURL)
	}
	return json.Unmarshal(p.Bytes, target)
}

// Decoded returns the cached in-process value, if any, and whether it was set.
func (p Payload) Decoded() (any, bool) {
	return p.decoded, p.decoded != nil
}

// Context carries the origin chain for a signal: every signal has exactly
// one parent origin except root commands, per spec.md §3's invariant.
type Context struct {
	ParentCommandID string
	ParentEventID   string
	ActorID         string
	TenantID        string
	Timestamp       time.Time
	External        bool
	Enrichments     map[string]string
}

// HasParent reports whether this context chains from another signal.
func (c Context) HasParent() bool {
	return c.ParentCommandID != "" || c.ParentEventID != ""
}

// Signal is the sum type carried through the bus and inbox.
type Signal struct {
	ID      string
	Kind    Kind
	Payload Payload
	Context Context

	// ProducerID and Version apply to events only.
	ProducerID string
	Version    *Version
	External   bool

	// ProducedAt is stamped by the injected Clock at creation time and is
	// distinct from Context.Timestamp (the origin's timestamp); catch-up
	// uses it for its turbulence-window reads. The inbox orders by its own
	// ReceivedAt, not by ProducedAt.
	ProducedAt time.Time
}

// Envelope is a convenience wrapper exposing routing-relevant facets of a
// signal without requiring callers to re-derive them from Payload/Context.
type Envelope struct {
	Signal       Signal
	MessageClass string
	TenantID     string
	OriginID     string
}

// IsExternal reports whether the wrapped signal originated outside this
// deployment (set by an integration bus adapter on ingress).
func (e Envelope) IsExternal() bool {
	return e.Signal.External || e.Signal.Context.External
}

// NewEnvelope wraps a signal, deriving TenantID/OriginID from its context.
func NewEnvelope(messageClass string, s Signal) Envelope {
	return Envelope{
		Signal:       s,
		MessageClass: messageClass,
		TenantID:     s.Context.TenantID,
		OriginID:     firstNonEmpty(s.Context.ParentCommandID, s.Context.ParentEventID, s.ID),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
