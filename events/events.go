package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers would receive the event.
	ErrNoHandler = errors.New("no handlers registered for event")
)

// Run lifecycle event types published for external presentation layers.
const (
	EventRunStarted            = "run_started"
	EventStateChanged          = "state_changed"
	EventConsultationRequested = "consultation_requested"
	EventConsultationResolved  = "consultation_resolved"
	EventRunCompleted          = "run_completed"
	EventRunFailed             = "run_failed"
)

// Event represents a run lifecycle event.
type Event struct {
	Type  string                 // e.g., "run_started", "consultation_requested"
	RunID string                 // Run identifier the event belongs to
	Data  map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription is a handle to a registered handler. Cancel removes the
// handler; canceling twice is a no-op.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription's handler from the bus.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// EventBus fans run lifecycle events out to subscribers. Handlers can be
// keyed three ways: by event type (a reviewer console watching every
// consultation request), by run ID (a caller following one run across all
// its events), or globally (an exporter mirroring the whole stream).
// Delivery is asynchronous through a buffered channel and a processor
// goroutine; handler errors go to a pluggable error handler.
type EventBus struct {
	mu     sync.RWMutex
	byType map[string]map[int]EventHandler
	byRun  map[string]map[int]EventHandler
	global map[int]EventHandler
	nextID int

	eventCh chan Event

	errHandler func(event Event, err error)
	errMu      sync.RWMutex

	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errMu.Lock()
		defer eb.errMu.Unlock()
		eb.errHandler = handler
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100; use options to customize buffer size or
// error handling.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		byType:     make(map[string]map[int]EventHandler),
		byRun:      make(map[string]map[int]EventHandler),
		global:     make(map[int]EventHandler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for one event type across all runs.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set, ok := eb.byType[eventType]
	if !ok {
		set = make(map[int]EventHandler)
		eb.byType[eventType] = set
	}
	return eb.register(set, handler, func(id int) {
		delete(eb.byType[eventType], id)
	})
}

// SubscribeFunc registers a function for one event type across all runs.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) *Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeRun registers a handler for every event of a single run,
// regardless of type. Callers should Cancel once the run is terminal;
// the bus does not know when a run ends.
func (eb *EventBus) SubscribeRun(runID string, handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set, ok := eb.byRun[runID]
	if !ok {
		set = make(map[int]EventHandler)
		eb.byRun[runID] = set
	}
	return eb.register(set, handler, func(id int) {
		delete(eb.byRun[runID], id)
		if len(eb.byRun[runID]) == 0 {
			delete(eb.byRun, runID)
		}
	})
}

// SubscribeAll registers a handler for every event on the bus.
func (eb *EventBus) SubscribeAll(handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	return eb.register(eb.global, handler, func(id int) {
		delete(eb.global, id)
	})
}

// register must be called with eb.mu held.
func (eb *EventBus) register(set map[int]EventHandler, handler EventHandler, remove func(id int)) *Subscription {
	id := eb.nextID
	eb.nextID++
	set[id] = handler
	return &Subscription{cancel: func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		remove(id)
	}}
}

// handlersFor collects every handler the event would reach.
func (eb *EventBus) handlersFor(event Event) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	handlers := make([]EventHandler, 0, len(eb.byType[event.Type])+len(eb.byRun[event.RunID])+len(eb.global))
	for _, h := range eb.byType[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.byRun[event.RunID] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.global {
		handlers = append(handlers, h)
	}
	return handlers
}

// HasSubscribers checks if any handler is registered for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.byType[eventType]) > 0 || len(eb.global) > 0
}

// Publish publishes an event asynchronously to all matching handlers.
// Returns an error if the context is canceled, the bus is closed, or the
// channel is full. Handlers are invoked in a separate goroutine.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return ErrBusClosed
	}
	eb.closeMu.RUnlock()

	if len(eb.handlersFor(event)) == 0 {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
// Execution is subject to a 5-second timeout unless the context specifies otherwise.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	handlers := eb.handlersFor(event)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Any unprocessed events are discarded to ensure a clean shutdown.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errMu.RLock()
		handler := eb.errHandler
		eb.errMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers executes all handlers for an event and collects errors.
// Handlers run concurrently; the function waits for all to complete.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

// defaultErrorHandler logs errors with stack traces for debugging.
func defaultErrorHandler(event Event, err error) {
	fmt.Printf("Error handling event %s (run %s): %v\nStack: %s\n",
		event.Type, event.RunID, err, debug.Stack())
}
