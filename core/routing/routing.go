// Package routing implements the class-keyed routing tables that map a
// signal to the set of entity ids it targets (spec.md §4.2).
package routing

import (
	"fmt"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/signal"
)

// Func computes the target entity ids for one signal class.
type Func func(s signal.Signal, env signal.Envelope) ([]string, error)

// Table is one repository's routing table: a class-keyed map of Func plus
// a default used when no class-specific function is registered.
type Table struct {
	byClass map[string]Func
	def     Func
	// commandTable requires apply() to yield exactly one id.
	commandTable bool
}

// NewTable constructs an empty table. When commandTable is true, Apply
// enforces that exactly one id is returned (spec.md §4.2: "command
// routing must return exactly one id per signal").
func NewTable(def Func, commandTable bool) *Table {
	return &Table{byClass: make(map[string]Func), def: def, commandTable: commandTable}
}

// Set registers the routing function for a message class. Overwriting an
// existing entry fails with CodeDuplicateRoute.
func (t *Table) Set(messageClass string, fn Func) error {
	if _, exists := t.byClass[messageClass]; exists {
		return corerr.New(corerr.CodeDuplicateRoute, fmt.Sprintf("route already set for class %q", messageClass))
	}
	t.byClass[messageClass] = fn
	return nil
}

// Remove deletes the routing function for a message class. The class must
// already be set, otherwise CodeRouteNotFound is returned.
func (t *Table) Remove(messageClass string) error {
	if _, exists := t.byClass[messageClass]; !exists {
		return corerr.New(corerr.CodeRouteNotFound, fmt.Sprintf("no route set for class %q", messageClass))
	}
	delete(t.byClass, messageClass)
	return nil
}

// Apply resolves the target ids for a signal, using the class-specific
// function when registered, else the table's default.
func (t *Table) Apply(s signal.Signal, env signal.Envelope) ([]string, error) {
	fn := t.def
	if classFn, ok := t.byClass[env.MessageClass]; ok {
		fn = classFn
	}
	if fn == nil {
		return nil, corerr.New(corerr.CodeRouteFailed, fmt.Sprintf("no route and no default for class %q", env.MessageClass))
	}

	ids, err := fn(s, env)
	if err != nil {
		return nil, err
	}
	if t.commandTable && len(ids) != 1 {
		return nil, corerr.New(corerr.CodeRouteFailed,
			fmt.Sprintf("command routing for class %q must yield exactly one id, got %d", env.MessageClass, len(ids)))
	}
	return ids, nil
}

// ProducerIDRoute is the common default for events: route to the
// producer's own id.
func ProducerIDRoute(s signal.Signal, env signal.Envelope) ([]string, error) {
	if s.ProducerID == "" {
		return nil, nil
	}
	return []string{s.ProducerID}, nil
}
