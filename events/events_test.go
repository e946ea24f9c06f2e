package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	handler := &recordingHandler{}
	bus.Subscribe(EventRunStarted, handler)

	err := bus.Publish(context.Background(), Event{
		Type:  EventRunStarted,
		RunID: "run-1",
		Data:  map[string]interface{}{"input_ref": "abc"},
	})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "run-1", handler.events[0].RunID)
}

func TestPublishWithoutHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventRunCompleted, RunID: "run-1"})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPublishAfterStop(t *testing.T) {
	bus := NewEventBus()
	bus.SubscribeFunc(EventRunFailed, func(ctx context.Context, event Event) error { return nil })
	bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventRunFailed, RunID: "run-1"})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishSyncCollectsErrors(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("handler boom")
	bus.Subscribe(EventConsultationRequested, &recordingHandler{err: boom})
	bus.SubscribeFunc(EventConsultationRequested, func(ctx context.Context, event Event) error { return nil })

	errs := bus.PublishSync(context.Background(), Event{Type: EventConsultationRequested, RunID: "run-1"})
	assert.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestErrorHandlerReceivesAsyncFailures(t *testing.T) {
	var mu sync.Mutex
	var captured []error

	bus := NewEventBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, err)
	}))
	defer bus.Stop()

	boom := errors.New("async boom")
	bus.Subscribe(EventRunCompleted, &recordingHandler{err: boom})

	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventRunCompleted, RunID: "run-1"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeRunReceivesAllTypes(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	follower := &recordingHandler{}
	sub := bus.SubscribeRun("run-1", follower)
	defer sub.Cancel()

	other := &recordingHandler{}
	bus.SubscribeRun("run-2", other)

	for _, eventType := range []string{EventRunStarted, EventStateChanged, EventRunCompleted} {
		assert.NoError(t, bus.Publish(context.Background(), Event{Type: eventType, RunID: "run-1"}))
	}

	assert.Eventually(t, func() bool { return follower.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, other.count())
}

func TestSubscribeAllMirrorsEveryEvent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	mirror := &recordingHandler{}
	bus.SubscribeAll(mirror)

	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventRunStarted, RunID: "run-1"}))
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventRunFailed, RunID: "run-2"}))

	assert.Eventually(t, func() bool { return mirror.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	handler := &recordingHandler{}
	sub := bus.Subscribe(EventStateChanged, handler)

	errs := bus.PublishSync(context.Background(), Event{Type: EventStateChanged, RunID: "run-1"})
	assert.Empty(t, errs)
	assert.Equal(t, 1, handler.count())

	sub.Cancel()
	sub.Cancel() // second cancel is a no-op

	errs = bus.PublishSync(context.Background(), Event{Type: EventStateChanged, RunID: "run-1"})
	assert.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoHandler)
	assert.Equal(t, 1, handler.count())
}

func TestHasSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	assert.False(t, bus.HasSubscribers(EventStateChanged))
	bus.Subscribe(EventStateChanged, &recordingHandler{})
	assert.True(t, bus.HasSubscribers(EventStateChanged))
}

func TestWithBufferSize(t *testing.T) {
	bus := NewEventBus(WithBufferSize(1))
	defer bus.Stop()

	block := make(chan struct{})
	bus.SubscribeFunc(EventStateChanged, func(ctx context.Context, event Event) error {
		<-block
		return nil
	})

	// Fill the processor and the single buffer slot, then expect a full
	// channel, not a blocked publisher.
	sawFull := false
	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), Event{Type: EventStateChanged, RunID: "run-1"}); errors.Is(err, ErrChannelFull) {
			sawFull = true
			break
		}
	}
	close(block)
	assert.True(t, sawFull)
}
