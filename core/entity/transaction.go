package entity

import (
	"fmt"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/signal"
)

// Step is one unit of work a handler yields within a transaction: for
// aggregates, one event applier per produced event; for process
// managers and projections, the single phase corresponding to the
// dispatch itself.
type Step struct {
	// Apply mutates builder in place and returns the event this step
	// applied (aggregates) or nil (process managers/projections).
	Apply func(builder State) (appliedEvent *signal.Signal, err error)
	// Validate runs after Apply, against the builder, before onAfterPhase.
	Validate func(builder State) error
	// Produced is the new event/command this step yields downstream, if any.
	Produced *signal.Signal
}

// Transaction is the ephemeral object spec.md §4.5 describes: a snapshot
// of the entity's pre-transaction state plus the staged phase sequence
// being applied to a mutable builder.
type Transaction struct {
	entity *Entity

	state0   State
	version0 signal.Version
	flags0   Flags

	builder State
	phases  []Phase

	strategy  VersionStrategy
	listeners []Listener
	policy    ListenerPolicy
	now       func() signal.Version

	committed bool
	aborted   bool
	err       error
}

// Start snapshots the entity and opens a new transaction around it.
func Start(e *Entity, strategy VersionStrategy, policy ListenerPolicy, now func() signal.Version, listeners ...Listener) *Transaction {
	return &Transaction{
		entity:    e,
		state0:    e.State,
		version0:  e.Version,
		flags0:    e.Flags,
		builder:   e.State.Clone(),
		strategy:  strategy,
		policy:    policy,
		now:       now,
		listeners: listeners,
	}
}

// Apply runs one staged step of the transaction: onBeforePhase, the
// step's Apply, the step's Validate, onAfterPhase. On any error the
// transaction is immediately marked aborted and onPhaseFail fires; the
// caller must check Aborted() before applying further steps.
func (tx *Transaction) Apply(s signal.Signal, step Step) error {
	if tx.aborted || tx.committed {
		return fmt.Errorf("entity: cannot apply a step on a %s transaction", tx.stateLabel())
	}

	phase := Phase{Signal: s, ProducedEvent: step.Produced}

	for _, l := range tx.listeners {
		l.BeforePhase(tx, phase)
	}

	appliedEvent, err := step.Apply(tx.builder)
	code := corerr.CodeHandlerFailedUnexpectedly
	if err == nil && step.Validate != nil {
		err = step.Validate(tx.builder)
		code = corerr.CodeConstraintViolated
	}
	phase.AppliedEvent = appliedEvent

	if err != nil {
		wrapped := corerr.Wrap(code, "phase application failed", err)
		tx.abort(phase, wrapped)
		return wrapped
	}

	tx.phases = append(tx.phases, phase)
	for _, l := range tx.listeners {
		l.AfterPhase(tx, phase)
	}
	return nil
}

func (tx *Transaction) abort(phase Phase, err error) {
	tx.aborted = true
	tx.err = err
	tx.builder = tx.state0.Clone()
	for _, l := range tx.listeners {
		l.PhaseFail(tx, phase, err)
	}
}

// Aborted reports whether a phase failure has already rolled this
// transaction back.
func (tx *Transaction) Aborted() bool { return tx.aborted }

// Err returns the abort error, if any.
func (tx *Transaction) Err() error { return tx.err }

// Propagate reports, per the configured ListenerPolicy, whether the
// repository should rethrow the transaction's error as an Ack.Error
// rather than swallow it into a Rejection.
func (tx *Transaction) Propagate() bool {
	if tx.err == nil {
		return false
	}
	return tx.policy.ShouldPropagate(tx.err)
}

// Commit performs the atomic step-4 commit of spec.md §4.5: assign the
// version by strategy, set the built state, update flags. It is a
// no-op returning the transaction's stored error if the transaction was
// already aborted by a phase failure.
func (tx *Transaction) Commit(flags Flags) error {
	if tx.aborted {
		return tx.err
	}
	if tx.committed {
		return fmt.Errorf("entity: transaction already committed")
	}

	for _, l := range tx.listeners {
		l.BeforeCommit(tx)
	}

	var lastEvent *signal.Signal
	for i := len(tx.phases) - 1; i >= 0; i-- {
		if tx.phases[i].AppliedEvent != nil {
			lastEvent = tx.phases[i].AppliedEvent
			break
		}
	}

	nextVersion, err := tx.strategy.Next(tx.version0, lastEvent, tx.now)
	if err != nil {
		wrapped := corerr.Wrap(corerr.CodeVersionConflict, "version strategy rejected commit", err)
		tx.abort(Phase{}, wrapped)
		return wrapped
	}

	tx.entity.State = tx.builder
	tx.entity.Version = nextVersion
	tx.entity.Flags = flags
	tx.committed = true
	return nil
}

// ProducedEvents returns every event/command produced by committed
// phases, in application order. Returns nil if the transaction aborted
// (spec.md §4.5 step 5: "events produced so far within the failed
// transaction are discarded").
func (tx *Transaction) ProducedEvents() []signal.Signal {
	if tx.aborted || !tx.committed {
		return nil
	}
	out := make([]signal.Signal, 0, len(tx.phases))
	for _, p := range tx.phases {
		if p.ProducedEvent != nil {
			out = append(out, *p.ProducedEvent)
		}
	}
	return out
}

func (tx *Transaction) stateLabel() string {
	switch {
	case tx.aborted:
		return "aborted"
	case tx.committed:
		return "committed"
	default:
		return "open"
	}
}
