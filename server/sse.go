package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fluxchat/flux/chat"
)

// sseBufferSize bounds per-connection queueing. A client that cannot keep
// up loses events rather than stalling publishers.
const sseBufferSize = 64

var sseTopics = []chat.Topic{
	chat.TopicConversationActivated,
	chat.TopicConversationListUpdated,
	chat.TopicMessageUpdated,
}

// streamEvents pushes bus events to the client over server-sent events.
// An optional conversation_id query param narrows the stream to one
// conversation; list updates always pass through.
func (s *Server) streamEvents(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	conversationID := c.QueryParam("conversation_id")
	events := make(chan *chat.Event, sseBufferSize)

	unsubscribes := make([]func(), 0, len(sseTopics))
	for _, topic := range sseTopics {
		unsub := s.bus.Subscribe(topic, func(ctx context.Context, event *chat.Event) {
			if conversationID != "" && event.ConversationID != "" &&
				event.ConversationID != conversationID &&
				event.Topic != chat.TopicConversationListUpdated {
				return
			}
			select {
			case events <- event:
			default:
				// Slow consumer, drop.
			}
		})
		unsubscribes = append(unsubscribes, unsub)
	}
	defer func() {
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
