package dsnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

type HandlerFunc[T any] func(ctx context.Context, from string, msg T) error

// Mux routes inbound events to handlers by message type. Handlers run one at
// a time in arrival order, so a handler that blocks stalls intake; long work
// belongs in its own goroutine.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, ev Event) error
	fallback func(ctx context.Context, ev Event) error
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]func(ctx context.Context, ev Event) error)}
}

// On registers a type-safe handler for a specific message type.
func On[T any](m *Mux, msgType string, handler HandlerFunc[T]) {
	m.Handle(msgType, func(ctx context.Context, ev Event) error {
		var msg T
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", msgType, err)
		}
		return handler(ctx, ev.From, msg)
	})
}

// Handle registers a handler that receives the raw event.
func (m *Mux) Handle(msgType string, handler func(ctx context.Context, ev Event) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// HandleUnknown registers the handler for types with no registration.
func (m *Mux) HandleUnknown(handler func(ctx context.Context, ev Event) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = handler
}

func (m *Mux) Dispatch(ctx context.Context, ev Event) error {
	m.mu.RLock()
	handler, ok := m.handlers[ev.Type]
	if !ok {
		handler = m.fallback
	}
	m.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no handler for %q from %s", ev.Type, ev.From)
	}
	return handler(ctx, ev)
}

// Serve dispatches inbound events until ctx is cancelled, the node is
// stopped, or Inbound is closed. Handler errors are logged, not returned.
func (n *Node) Serve(ctx context.Context, m *Mux) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopped:
			return nil
		case ev, ok := <-n.Inbound:
			if !ok {
				return nil
			}
			if err := m.Dispatch(ctx, ev); err != nil {
				log.Printf("[%s] handler for %s failed: %v", n.ID, ev.Type, err)
			}
		}
	}
}
