package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/signalcore/substrate/core/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Total int
}

func (c *counterState) Clone() State {
	clone := *c
	return &clone
}

func nowVersion(n int64) func() signal.Version {
	return func() signal.Version { return signal.Version{Number: n, Timestamp: time.Unix(0, 0)} }
}

func TestTransactionCommitAppliesAllPhasesInOrder(t *testing.T) {
	e := &Entity{ID: signal.StringID("acct-1"), Kind: KindAggregate, State: &counterState{}, Version: signal.Version{}}
	tx := Start(e, AutoIncrement{}, NoOpListener{}, nowVersion(1))

	for i := 0; i < 3; i++ {
		err := tx.Apply(signal.Signal{ID: "evt"}, Step{
			Apply: func(b State) (*signal.Signal, error) {
				b.(*counterState).Total++
				return nil, nil
			},
		})
		require.NoError(t, err)
	}

	require.NoError(t, tx.Commit(Flags{}))
	assert.Equal(t, 3, e.State.(*counterState).Total)
	assert.Equal(t, int64(1), e.Version.Number)
}

func TestTransactionAbortsOnPhaseFailureLeavesStateUnchanged(t *testing.T) {
	e := &Entity{ID: signal.StringID("acct-1"), Kind: KindAggregate, State: &counterState{Total: 5}, Version: signal.Version{Number: 2}}
	tx := Start(e, AutoIncrement{}, NoOpListener{}, nowVersion(1))

	require.NoError(t, tx.Apply(signal.Signal{ID: "ok"}, Step{
		Apply: func(b State) (*signal.Signal, error) {
			b.(*counterState).Total++
			return nil, nil
		},
	}))

	err := tx.Apply(signal.Signal{ID: "boom"}, Step{
		Apply: func(State) (*signal.Signal, error) {
			return nil, errors.New("boom")
		},
	})
	require.Error(t, err)
	assert.True(t, tx.Aborted())

	commitErr := tx.Commit(Flags{})
	require.Error(t, commitErr)

	// state_post == state_pre, entity untouched by the partially applied phase.
	assert.Equal(t, 5, e.State.(*counterState).Total)
	assert.Equal(t, int64(2), e.Version.Number)
	assert.Nil(t, tx.ProducedEvents())
}

func TestPropagationRequiredListenerRethrows(t *testing.T) {
	e := &Entity{ID: signal.StringID("acct-1"), State: &counterState{}, Version: signal.Version{}}
	tx := Start(e, AutoIncrement{}, PropagationRequiredListener{}, nowVersion(1))

	_ = tx.Apply(signal.Signal{ID: "boom"}, Step{
		Apply: func(State) (*signal.Signal, error) { return nil, errors.New("boom") },
	})

	assert.True(t, tx.Propagate())
}

func TestNoOpListenerSwallowsError(t *testing.T) {
	e := &Entity{ID: signal.StringID("acct-1"), State: &counterState{}, Version: signal.Version{}}
	tx := Start(e, AutoIncrement{}, NoOpListener{}, nowVersion(1))

	_ = tx.Apply(signal.Signal{ID: "boom"}, Step{
		Apply: func(State) (*signal.Signal, error) { return nil, errors.New("boom") },
	})

	assert.False(t, tx.Propagate())
}

func TestFromEventStrategyRejectsOutOfOrderVersion(t *testing.T) {
	e := &Entity{ID: signal.StringID("acct-1"), State: &counterState{}, Version: signal.Version{Number: 5}}
	tx := Start(e, FromEvent{}, NoOpListener{}, nowVersion(0))

	staleVersion := signal.Version{Number: 1}
	err := tx.Apply(signal.Signal{ID: "evt"}, Step{
		Apply: func(b State) (*signal.Signal, error) {
			ev := signal.Signal{ID: "evt", Version: &staleVersion}
			return &ev, nil
		},
	})
	require.NoError(t, err)

	err = tx.Commit(Flags{})
	require.Error(t, err)
	assert.True(t, tx.Aborted())
}
