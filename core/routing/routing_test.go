package routing

import (
	"testing"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/signal"
	"github.com/stretchr/testify/require"
)

func sig(producerID string) signal.Signal {
	return signal.Signal{ID: "s1", Kind: signal.KindEvent, ProducerID: producerID}
}

// TestTableAppliesClassSpecificRouteOverDefault covers spec.md §4.2's
// routing precedence: a class-specific Func wins over the table default.
func TestTableAppliesClassSpecificRouteOverDefault(t *testing.T) {
	table := NewTable(ProducerIDRoute, false)
	require.NoError(t, table.Set("wallet.Credited", func(s signal.Signal, env signal.Envelope) ([]string, error) {
		return []string{"fixed-target"}, nil
	}))

	env := signal.Envelope{MessageClass: "wallet.Credited"}
	ids, err := table.Apply(sig("producer-1"), env)
	require.NoError(t, err)
	require.Equal(t, []string{"fixed-target"}, ids)
}

// TestTableFallsBackToDefaultForUnregisteredClass covers the totality
// property (P6): every class either has a specific route or falls back
// to the table's default, never silently drops.
func TestTableFallsBackToDefaultForUnregisteredClass(t *testing.T) {
	table := NewTable(ProducerIDRoute, false)
	env := signal.Envelope{MessageClass: "wallet.Debited"}
	ids, err := table.Apply(sig("producer-2"), env)
	require.NoError(t, err)
	require.Equal(t, []string{"producer-2"}, ids)
}

// TestTableWithNoDefaultAndNoRouteFails covers the other half of P6: a
// class with neither a specific route nor a default function is a
// routing failure, not a silent drop.
func TestTableWithNoDefaultAndNoRouteFails(t *testing.T) {
	table := NewTable(nil, false)
	env := signal.Envelope{MessageClass: "wallet.Unknown"}
	_, err := table.Apply(sig("producer-3"), env)
	require.Error(t, err)
	ce, ok := err.(*corerr.CoreError)
	require.True(t, ok)
	require.Equal(t, corerr.CodeRouteFailed, ce.Code)
}

// TestCommandTableRejectsMultipleIDs covers spec.md §4.2's invariant that
// command routing must resolve to exactly one target id.
func TestCommandTableRejectsMultipleIDs(t *testing.T) {
	table := NewTable(func(s signal.Signal, env signal.Envelope) ([]string, error) {
		return []string{"a", "b"}, nil
	}, true)

	env := signal.Envelope{MessageClass: "wallet.Credit"}
	_, err := table.Apply(sig("producer-4"), env)
	require.Error(t, err)
	ce, ok := err.(*corerr.CoreError)
	require.True(t, ok)
	require.Equal(t, corerr.CodeRouteFailed, ce.Code)
}

// TestCommandTableRejectsZeroIDs mirrors the same invariant at the other
// boundary: zero resolved ids is as invalid as more than one.
func TestCommandTableRejectsZeroIDs(t *testing.T) {
	table := NewTable(func(s signal.Signal, env signal.Envelope) ([]string, error) {
		return nil, nil
	}, true)

	env := signal.Envelope{MessageClass: "wallet.Credit"}
	_, err := table.Apply(sig("producer-5"), env)
	require.Error(t, err)
}

// TestSetRejectsDuplicateRoute covers the table's own uniqueness
// invariant: re-registering a class is a caller error, not a silent
// overwrite.
func TestSetRejectsDuplicateRoute(t *testing.T) {
	table := NewTable(ProducerIDRoute, false)
	fn := func(s signal.Signal, env signal.Envelope) ([]string, error) { return []string{"x"}, nil }
	require.NoError(t, table.Set("wallet.Credited", fn))

	err := table.Set("wallet.Credited", fn)
	require.Error(t, err)
	ce, ok := err.(*corerr.CoreError)
	require.True(t, ok)
	require.Equal(t, corerr.CodeDuplicateRoute, ce.Code)
}

// TestRemoveUnknownClassFails mirrors TestSetRejectsDuplicateRoute for
// the removal path.
func TestRemoveUnknownClassFails(t *testing.T) {
	table := NewTable(ProducerIDRoute, false)
	err := table.Remove("never.Registered")
	require.Error(t, err)
	ce, ok := err.(*corerr.CoreError)
	require.True(t, ok)
	require.Equal(t, corerr.CodeRouteNotFound, ce.Code)
}

// TestFirstIDFieldScansCandidateFieldsInOrder grounds routing.FirstIDField
// against spec.md §4.2's "first id-typed field of message" default.
func TestFirstIDFieldScansCandidateFieldsInOrder(t *testing.T) {
	payload, err := signal.NewPayload("wallet.Credit", map[string]any{"entity_id": "wallet-9", "id": "wallet-ignored"})
	require.NoError(t, err)
	s := signal.Signal{ID: "s2", Kind: signal.KindCommand, Payload: payload}

	ids, err := FirstIDField(s, signal.Envelope{MessageClass: "wallet.Credit"})
	require.NoError(t, err)
	require.Equal(t, []string{"wallet-ignored"}, ids)
}

// TestFirstIDFieldFailsClosedForCommandsWithNoIDField covers the
// command-specific failure branch: an event silently routes nowhere, but
// a command with no id-typed field is a hard routing failure.
func TestFirstIDFieldFailsClosedForCommandsWithNoIDField(t *testing.T) {
	payload, err := signal.NewPayload("wallet.Credit", map[string]any{"amount": 5})
	require.NoError(t, err)
	cmd := signal.Signal{ID: "s3", Kind: signal.KindCommand, Payload: payload}

	_, err = FirstIDField(cmd, signal.Envelope{MessageClass: "wallet.Credit"})
	require.Error(t, err)

	evt := signal.Signal{ID: "s4", Kind: signal.KindEvent, Payload: payload}
	ids, err := FirstIDField(evt, signal.Envelope{MessageClass: "wallet.Credit"})
	require.NoError(t, err)
	require.Nil(t, ids)
}
