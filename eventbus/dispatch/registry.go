package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopfabric/lib-eventbus/eventbus/events"
)

var (
	// ErrRegistryRequired is returned when a registry method is called on a nil receiver.
	ErrRegistryRequired = errors.New("registry is required")
	// ErrEventTypeRequired is returned when an event type is empty or whitespace.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrHandlerFactoryRequired is returned when a nil handler factory is provided.
	ErrHandlerFactoryRequired = errors.New("handler factory is required")
	// ErrRegistryFrozen is returned when Subscribe is called after Freeze.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Handler processes one decoded integration event.
type Handler interface {
	Handle(ctx context.Context, env *events.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *events.Envelope) error

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, env *events.Envelope) error {
	return f(ctx, env)
}

// HandlerFactory produces a handler instance per delivery so handlers never
// accumulate per-message state across deliveries.
type HandlerFactory func() Handler

// Registry maps event types to ordered handler factories.
//
// All subscriptions happen during boot; Freeze marks the end of wiring.
// After Freeze the map is never mutated, so HandlersFor reads take no locks.
type Registry struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	handlers map[string][]HandlerFactory
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]HandlerFactory)}
}

// Subscribe appends a handler factory for the given event type.
// Subscriptions after Freeze are a wiring bug and are rejected.
func (r *Registry) Subscribe(eventType string, factory HandlerFactory) error {
	if r == nil {
		return ErrRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if factory == nil {
		return ErrHandlerFactoryRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot subscribe %s", ErrRegistryFrozen, normalizedType)
	}

	if r.handlers == nil {
		r.handlers = make(map[string][]HandlerFactory)
	}

	r.handlers[normalizedType] = append(r.handlers[normalizedType], factory)

	return nil
}

// Freeze ends the wiring phase. Idempotent. The mutex acquisition orders
// Freeze after any in-flight Subscribe, so the post-freeze map is immutable.
func (r *Registry) Freeze() {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen.Store(true)
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	if r == nil {
		return false
	}

	return r.frozen.Load()
}

// HandlersFor returns the factories subscribed to eventType in subscription
// order, or nil when nothing is subscribed. Lock-free once frozen.
func (r *Registry) HandlersFor(eventType string) []HandlerFactory {
	if r == nil {
		return nil
	}

	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()

		return r.handlers[strings.TrimSpace(eventType)]
	}

	return r.handlers[strings.TrimSpace(eventType)]
}

// EventTypes returns every event type with at least one subscription, in
// sorted order so topology declarations and logs stay stable across runs.
// Consumers use this to bind queue routing keys at boot.
func (r *Registry) EventTypes() []string {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}
