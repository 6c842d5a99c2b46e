// Package handler implements the handler model and signature checker of
// spec.md §4.3. Per spec.md §9's redesign guidance, Go has no runtime
// annotations to scan, so entities self-register a descriptor table
// ([]Descriptor) instead of being reflected over; Describe validates that
// table against the same criteria a reflective checker would enforce.
package handler

import (
	"fmt"

	"github.com/signalcore/substrate/core/signal"
)

// Kind classifies a handler's role on an entity.
type Kind int

const (
	KindCommandHandler Kind = iota
	KindCommandSubstitute
	KindEventApplier
	KindEventReactor
	KindRejectionReactor
	KindEventSubscriber
)

func (k Kind) String() string {
	switch k {
	case KindCommandHandler:
		return "CommandHandler"
	case KindCommandSubstitute:
		return "CommandSubstitute"
	case KindEventApplier:
		return "EventApplier"
	case KindEventReactor:
		return "EventReactor"
	case KindRejectionReactor:
		return "RejectionReactor"
	case KindEventSubscriber:
		return "EventSubscriber"
	default:
		return "Unknown"
	}
}

// ParamSpec enumerates the handler parameter shapes spec.md §4.3 allows.
type ParamSpec int

const (
	ParamMsg ParamSpec = iota
	ParamMsgCtx
	ParamEventMsgEventCtx
	ParamRejectionMsgCommandCtx
	ParamRejectionMsgCommandCtxCommandMsg
)

// ReturnSpec enumerates the handler return shapes spec.md §4.3 allows.
type ReturnSpec int

const (
	ReturnSingle ReturnSpec = iota
	ReturnIterable
	ReturnOptional
	ReturnTuple
	ReturnNothing
)

// Severity of a SignatureMismatch.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityError
)

// Fn is the uniform shape every descriptor's implementation is adapted
// to at registration time, regardless of the entity method's own
// signature: it receives the consumed message(s) pre-decoded by the
// entity and returns produced messages plus an error.
type Fn func(args Args) (Result, error)

// Args bundles whichever fields a given ParamSpec makes available. Only
// the fields relevant to the descriptor's ParamSpec are populated.
type Args struct {
	Msg          any
	Ctx          signal.Context
	EventCtx     signal.Context
	RejectionMsg any
	CommandCtx   signal.Context
	CommandMsg   any

	// Builder exposes the entity's in-flight mutable state to the
	// handler implementation, which type-asserts it back to its own
	// concrete state type. Populated by the repository layer at
	// invocation time for every handler kind, including a command
	// handler on an aggregate, which proposes events for a separate
	// event applier to apply.
	Builder any
}

// Result bundles whichever produced messages a handler returns,
// regardless of its ReturnSpec.
type Result struct {
	Messages []any
}

// Descriptor is one handler's classification plus its callable.
type Descriptor struct {
	Name         string
	Kind         Kind
	ParamSpec    ParamSpec
	ReturnSpec   ReturnSpec
	MessageType  string // type_url of the consumed message
	ProducesType string // type_url of the produced message, if single-typed; "" otherwise
	Fn           Fn

	// FilterFieldValue, if non-empty, further disambiguates two
	// descriptors that would otherwise collide on (MessageType) alone
	// (spec.md §4.3: "must not contain two handlers for the same
	// (message_class, filter_field_value?)").
	FilterFieldValue string
}

// SignatureMismatch reports one descriptor failing a checker criterion.
type SignatureMismatch struct {
	Descriptor string
	Severity   Severity
	Reason     string
}

func (m SignatureMismatch) String() string {
	sev := "WARN"
	if m.Severity == SeverityError {
		sev = "ERROR"
	}
	return fmt.Sprintf("[%s] %s: %s", sev, m.Descriptor, m.Reason)
}

// Table is the validated, registration-time descriptor table for one
// entity class.
type Table struct {
	byKey map[string]Descriptor
}

// Describe validates a raw descriptor list against spec.md §4.3's
// criteria and, if no ERROR-severity mismatch was found, returns the
// resulting Table. WARN-severity mismatches are returned alongside a
// usable table; the caller decides whether to log and proceed.
func Describe(descriptors []Descriptor) (*Table, []SignatureMismatch, error) {
	var mismatches []SignatureMismatch
	seen := make(map[string]Descriptor)

	for _, d := range descriptors {
		if d.Name == "" {
			mismatches = append(mismatches, SignatureMismatch{Descriptor: "<unnamed>", Severity: SeverityError, Reason: "handler has no name"})
			continue
		}
		if d.Fn == nil {
			mismatches = append(mismatches, SignatureMismatch{Descriptor: d.Name, Severity: SeverityError, Reason: "handler has no implementation"})
			continue
		}
		// Invariant: a handler must not return the same message type it
		// consumes (prevents event loops into the event store).
		if d.MessageType != "" && d.ProducesType != "" && d.MessageType == d.ProducesType {
			mismatches = append(mismatches, SignatureMismatch{Descriptor: d.Name, Severity: SeverityError,
				Reason: fmt.Sprintf("handler consumes and produces the same message type %q", d.MessageType)})
			continue
		}
		if d.Kind == KindEventApplier && d.ReturnSpec != ReturnNothing {
			mismatches = append(mismatches, SignatureMismatch{Descriptor: d.Name, Severity: SeverityWarn,
				Reason: "event applier should not return a message"})
		}

		key := d.MessageType + "|" + d.FilterFieldValue
		if existing, dup := seen[key]; dup {
			mismatches = append(mismatches, SignatureMismatch{Descriptor: d.Name, Severity: SeverityError,
				Reason: fmt.Sprintf("duplicate handler for (%s): already registered as %q", key, existing.Name)})
			continue
		}
		seen[key] = d
	}

	for _, m := range mismatches {
		if m.Severity == SeverityError {
			return nil, mismatches, fmt.Errorf("handler table has %d error-severity mismatch(es)", countErrors(mismatches))
		}
	}

	table := &Table{byKey: seen}
	return table, mismatches, nil
}

func countErrors(mismatches []SignatureMismatch) int {
	n := 0
	for _, m := range mismatches {
		if m.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Lookup finds the descriptor for a message type and optional filter
// field value.
func (t *Table) Lookup(messageType, filterFieldValue string) (Descriptor, bool) {
	d, ok := t.byKey[messageType+"|"+filterFieldValue]
	if !ok && filterFieldValue != "" {
		d, ok = t.byKey[messageType+"|"]
	}
	return d, ok
}

// All returns every descriptor in the table.
func (t *Table) All() []Descriptor {
	out := make([]Descriptor, 0, len(t.byKey))
	for _, d := range t.byKey {
		out = append(out, d)
	}
	return out
}
