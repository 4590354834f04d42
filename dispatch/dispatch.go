// Package dispatch maps operation names onto domain handlers.
//
// The server core resolves a session and then hands the request body to
// whatever handler is registered for its method; the handlers themselves are
// external collaborators and the core knows nothing about their semantics.
// Registration happens at startup, before the registry is shared across
// goroutines, so lookups are lock-free.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownOperation indicates no handler is registered for the method.
var ErrUnknownOperation = errors.New("unknown operation")

// Session is the view of a resolved session a handler may use. Announce
// durably logs an outbound message on the session's stream and delivers it to
// any connected stream consumers.
type Session interface {
	ID() string
	Announce(ctx context.Context, payload []byte) (eventID string, err error)
}

// Handler processes one operation against a resolved session.
type Handler interface {
	Handle(ctx context.Context, sess Session, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sess Session, params json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, sess Session, params json.RawMessage) (any, error) {
	return f(ctx, sess, params)
}

// Registry is the operation-name → handler table.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation name, replacing any previous
// binding. Call only during startup wiring.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler for name, or ErrUnknownOperation.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return h, nil
}

// Operations lists the registered operation names; order is unspecified.
func (r *Registry) Operations() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// NewTyped wraps a function taking decoded arguments of type T into a
// Handler, rejecting undecodable params before the function runs.
func NewTyped[T any](fn func(ctx context.Context, sess Session, args T) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, sess Session, params json.RawMessage) (any, error) {
		var args T
		if len(params) > 0 {
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		return fn(ctx, sess, args)
	})
}
