package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/signal"
)

// Dispatcher consumes signals of one or more message classes and directs
// them to a target (spec.md §4.1). Repositories and integration adapters
// both implement Dispatcher.
type Dispatcher interface {
	// Classes returns the non-empty set of message classes this
	// dispatcher handles.
	Classes() []string
	Dispatch(ctx context.Context, env signal.Envelope) (signal.Ack, error)
}

// Registry is the per-bus class-to-dispatcher index (C2). Unicast
// registries (the command bus) require exactly one dispatcher per class;
// multicast registries (event/rejection/integration buses) allow many.
type Registry struct {
	mu      sync.RWMutex
	byClass map[string][]Dispatcher
	unicast bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(unicast bool) *Registry {
	return &Registry{byClass: make(map[string][]Dispatcher), unicast: unicast}
}

// Register adds a dispatcher to every class it declares. For a unicast
// registry, any class already bound to a dispatcher fails the whole call
// with CodeDuplicateHandler (no partial registration). The dispatcher's
// class set must be non-empty.
func (r *Registry) Register(d Dispatcher) error {
	classes := d.Classes()
	if len(classes) == 0 {
		return corerr.New(corerr.CodeInvalidDispatcher, "dispatcher exposes no message classes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unicast {
		for _, c := range classes {
			if len(r.byClass[c]) > 0 {
				return corerr.New(corerr.CodeDuplicateHandler, fmt.Sprintf("class %q already has a dispatcher", c))
			}
		}
	}

	for _, c := range classes {
		r.byClass[c] = append(r.byClass[c], d)
	}
	return nil
}

// Unregister removes all associations for a dispatcher.
func (r *Registry) Unregister(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range d.Classes() {
		list := r.byClass[c]
		for i, existing := range list {
			if existing == d {
				r.byClass[c] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byClass[c]) == 0 {
			delete(r.byClass, c)
		}
	}
}

// Lookup returns the dispatchers registered for a message class.
func (r *Registry) Lookup(messageClass string) []Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byClass[messageClass]
	out := make([]Dispatcher, len(list))
	copy(out, list)
	return out
}
