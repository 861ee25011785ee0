package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Topic names an outbound notification channel. The bus is fire and
// forget: core correctness never depends on a subscriber.
type Topic string

const (
	TopicConversationActivated   Topic = "conversation:activated"
	TopicConversationListUpdated Topic = "conversation:list_updated"
	TopicMessageUpdated          Topic = "message:updated"
)

// Event is the outbound notification payload.
type Event struct {
	Topic          Topic  `json:"topic"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Listener receives events for a subscribed topic. The context carries the
// per-listener dispatch timeout.
type Listener func(ctx context.Context, event *Event)

type subscription struct {
	id       int64
	listener Listener
}

// EventBus dispatches events to topic listeners concurrently, each under
// its own timeout, recovering listener panics.
type EventBus struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[Topic][]subscription
	timeout   time.Duration
	logger    *slog.Logger
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[Topic][]subscription),
		timeout:   5 * time.Second,
		logger:    slog.Default(),
	}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (b *EventBus) Subscribe(topic Topic, listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[topic] = append(b.listeners[topic], subscription{id: id, listener: listener})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[topic]
		for i, s := range subs {
			if s.id == id {
				b.listeners[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to all topic listeners and returns once every
// listener has run or timed out.
func (b *EventBus) Publish(ctx context.Context, event *Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.listeners[event.Topic]))
	copy(subs, b.listeners[event.Topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event listener panicked", "topic", event.Topic, "panic", r)
				}
			}()
			listenerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
			defer cancel()
			s.listener(listenerCtx, event)
		}(s)
	}
	wg.Wait()
}
