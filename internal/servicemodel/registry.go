// Package servicemodel implements the Service-Model Registry: an
// immutable-after-Freeze map from RAN function id to the handler that
// validates that function's event triggers and actions. Indication payloads
// are not parsed by the handlers.
package servicemodel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFrozen is returned by Register once the registry has been frozen.
var ErrFrozen = errors.New("servicemodel: registry is frozen")

// ErrDuplicateFunction is returned when two handlers claim the same id.
var ErrDuplicateFunction = errors.New("servicemodel: duplicate function id")

// ErrUnknownFunction is returned when a lookup targets an unregistered id.
var ErrUnknownFunction = errors.New("servicemodel: unknown function id")

// Handler validates and interprets the opaque IE payloads carried for one
// RAN function.
type Handler interface {
	// FunctionID is the RAN function id this handler owns.
	FunctionID() int
	// Description is the human-readable function description advertised
	// in E2 Setup.
	Description() string
	// OID is the service model's object identifier.
	OID() string
	// ValidateEventTrigger reports whether the opaque trigger payload is
	// well-formed for this function.
	ValidateEventTrigger(payload []byte) error
	// ValidateAction reports whether the opaque action payload/type pair is
	// well-formed for this function.
	ValidateAction(actionType string, payload []byte) error
}

// Registry holds the set of registered Handlers, keyed by function id.
type Registry struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	frozen   bool
}

// New constructs an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{handlers: make(map[int]Handler)}
}

// Register adds a handler to the registry. It fails once Freeze has been
// called, or if another handler already owns the same function id.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.handlers[h.FunctionID()]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateFunction, h.FunctionID())
	}
	r.handlers[h.FunctionID()] = h
	return nil
}

// Freeze prevents any further registration, making lookups safe to call
// without synchronization concerns about concurrent mutation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the handler registered for id.
func (r *Registry) Lookup(id int) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, id)
	}
	return h, nil
}

// All returns every registered handler, in no particular order.
func (r *Registry) All() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}
