// Package entity implements the entity and transaction lifecycle of
// spec.md §4.5: staged, phase-by-phase application of a signal to an
// entity's state with an atomic commit/rollback boundary. Grounded on
// the teacher's aggregate/version-tracking code in
// domain/models (entity kind + version fields) adapted into a generic,
// phase-staged transaction rather than a single-shot save.
package entity

import (
	"fmt"

	"github.com/signalcore/substrate/core/signal"
	"github.com/signalcore/substrate/pkg/logger"
)

var versionLog = logger.NewDefault("entity.version")

// Kind classifies which of the three entity sub-kinds owns a state.
type Kind int

const (
	KindAggregate Kind = iota
	KindProcessManager
	KindProjection
)

func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "Aggregate"
	case KindProcessManager:
		return "ProcessManager"
	case KindProjection:
		return "Projection"
	default:
		return "Unknown"
	}
}

// Flags are the two independent lifecycle bits of spec.md §3.
type Flags struct {
	Archived bool
	Deleted  bool
}

// State is the constraint every entity payload type must satisfy: a
// builder that can be cloned into a fresh mutable copy for the next
// transaction, so committed state is never aliased by an in-flight one.
type State interface {
	Clone() State
}

// Entity is one addressable instance: its id, current state, version,
// and lifecycle flags.
type Entity struct {
	ID      signal.EntityId
	Kind    Kind
	State   State
	Version signal.Version
	Flags   Flags
}

// VersionStrategy assigns the next Version at commit time.
type VersionStrategy interface {
	Next(prev signal.Version, appliedEvent *signal.Signal, now func() signal.Version) (signal.Version, error)
}

// FromEvent copies the version of the event being applied, the strategy
// aggregates use. It is an error to commit a phase with this strategy
// that did not apply an event (e.g. a process manager phase).
type FromEvent struct{}

func (FromEvent) Next(prev signal.Version, appliedEvent *signal.Signal, _ func() signal.Version) (signal.Version, error) {
	if appliedEvent == nil || appliedEvent.Version == nil {
		return signal.Version{}, fmt.Errorf("FromEvent strategy requires an applied event carrying a version")
	}
	next := *appliedEvent.Version
	if !prev.Less(next) && prev != (signal.Version{}) {
		return signal.Version{}, fmt.Errorf("event version %+v is not strictly greater than previous version %+v", next, prev)
	}
	return next, nil
}

// AutoIncrement bumps the version number by one and stamps the current
// time, the strategy process managers and projections use. The applied
// event's own version, if any, is advisory only: a mismatch against the
// auto-incremented number is logged but never aborts the commit, since
// process managers and projections replay from events produced by
// aggregates with their own independent versioning.
type AutoIncrement struct{}

func (AutoIncrement) Next(prev signal.Version, appliedEvent *signal.Signal, now func() signal.Version) (signal.Version, error) {
	n := now()
	next := signal.Version{Number: prev.Number + 1, Timestamp: n.Timestamp}
	if appliedEvent != nil && appliedEvent.Version != nil && appliedEvent.Version.Number != next.Number {
		versionLog.WithField("applied_event_version", appliedEvent.Version.Number).
			WithField("auto_increment_version", next.Number).
			Warn("applied event version diverges from auto-incremented version")
	}
	return next, nil
}

// Phase is one (signal, step) record applied within a transaction.
type Phase struct {
	Signal        signal.Signal
	AppliedEvent  *signal.Signal // set when this phase's step is an event applier
	ProducedEvent *signal.Signal // set when this phase produced a new event to append
}

// ListenerPolicy decides whether a phase-fail or commit error is
// rethrown to the repository as an Ack.Error, versus swallowed into a
// Rejection.
type ListenerPolicy interface {
	ShouldPropagate(err error) bool
}

// NoOpListener never propagates: the repository swallows the abort into
// a Rejection signal rather than an Ack.Error, so the page keeps
// delivering and the failure is never retried.
type NoOpListener struct{}

func (NoOpListener) ShouldPropagate(error) bool { return false }

// PropagationRequiredListener always rethrows: the repository surfaces
// the abort as an Ack.Error, which the worker pool retries and, if it
// keeps failing, raises as a diagnostic.
type PropagationRequiredListener struct{}

func (PropagationRequiredListener) ShouldPropagate(error) bool { return true }

// Listener is a lifecycle hook invoked in registration order; multiple
// listeners compose (e.g. metrics and domain auditing both attaching).
type Listener interface {
	BeforePhase(tx *Transaction, phase Phase)
	AfterPhase(tx *Transaction, phase Phase)
	BeforeCommit(tx *Transaction)
	PhaseFail(tx *Transaction, phase Phase, err error)
}

// BaseListener is embeddable by listeners that only care about one hook.
type BaseListener struct{}

func (BaseListener) BeforePhase(*Transaction, Phase)  {}
func (BaseListener) AfterPhase(*Transaction, Phase)   {}
func (BaseListener) BeforeCommit(*Transaction)        {}
func (BaseListener) PhaseFail(*Transaction, Phase, error) {}
