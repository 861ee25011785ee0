package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToTopicListeners(t *testing.T) {
	bus := NewEventBus()

	var got *Event
	var mu sync.Mutex
	bus.Subscribe(TopicMessageUpdated, func(_ context.Context, event *Event) {
		mu.Lock()
		got = event
		mu.Unlock()
	})

	bus.Publish(context.Background(), &Event{Topic: TopicMessageUpdated, ConversationID: "c1", MessageID: "m1"})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, "c1", got.ConversationID)
	require.Equal(t, "m1", got.MessageID)
	require.NotZero(t, got.Timestamp)
}

func TestEventBusIgnoresOtherTopics(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int64
	bus.Subscribe(TopicConversationActivated, func(_ context.Context, _ *Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), &Event{Topic: TopicMessageUpdated})
	require.Zero(t, calls.Load())
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int64
	unsubscribe := bus.Subscribe(TopicMessageUpdated, func(_ context.Context, _ *Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), &Event{Topic: TopicMessageUpdated})
	unsubscribe()
	bus.Publish(context.Background(), &Event{Topic: TopicMessageUpdated})

	require.Equal(t, int64(1), calls.Load())
}

func TestEventBusSurvivesListenerPanic(t *testing.T) {
	bus := NewEventBus()

	bus.Subscribe(TopicMessageUpdated, func(_ context.Context, _ *Event) {
		panic("listener exploded")
	})
	var calls atomic.Int64
	bus.Subscribe(TopicMessageUpdated, func(_ context.Context, _ *Event) {
		calls.Add(1)
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), &Event{Topic: TopicMessageUpdated})
	})
	require.Equal(t, int64(1), calls.Load())
}
