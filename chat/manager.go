package chat

import (
	"context"
	"log/slog"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

// Manager owns message lifecycle outside of active generation: creation,
// edits, threading, variants, context selection and startup recovery.
type Manager struct {
	store  *store.Store
	bus    *EventBus
	tokens TokenCounter
	logger *slog.Logger
}

// NewManager wires the manager. A nil counter falls back to the chars/4
// estimate.
func NewManager(st *store.Store, bus *EventBus, tokens TokenCounter) *Manager {
	if tokens == nil {
		tokens = EstimateCounter{}
	}
	return &Manager{
		store:  st,
		bus:    bus,
		tokens: tokens,
		logger: slog.Default().With("component", "chat.manager"),
	}
}

func (m *Manager) Store() *store.Store { return m.store }

func (m *Manager) Bus() *EventBus { return m.bus }

// SendRequest describes a message to append to a conversation.
type SendRequest struct {
	ConversationID string
	Role           store.Role
	Content        string
	ParentID       string
	IsVariant      bool
	Metadata       map[string]any
}

// Send validates and persists a new message at the next orderSeq.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	conversation, err := m.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load conversation")
	}
	if conversation == nil {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", req.ConversationID)
	}

	status := store.StatusSent
	switch req.Role {
	case store.RoleUser:
		if _, err := ParseUserContent(req.Content); err != nil {
			return nil, err
		}
	case store.RoleAssistant:
		if _, err := ParseBlocks(req.Content); err != nil {
			return nil, err
		}
		status = store.StatusPending
	default:
		return nil, errors.Wrapf(ErrInvalidRole, "role %q", req.Role)
	}

	maxSeq, err := m.store.GetMaxOrderSeq(ctx, req.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get max order seq")
	}

	message, err := m.store.CreateMessage(ctx, &store.Message{
		ID:             shortuuid.New(),
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		Status:         status,
		ParentID:       req.ParentID,
		OrderSeq:       maxSeq + 1,
		IsVariant:      req.IsVariant,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}

	m.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: message.ConversationID, MessageID: message.ID})
	m.bus.Publish(ctx, &Event{Topic: TopicConversationListUpdated, ConversationID: message.ConversationID})
	return message, nil
}

// Edit replaces the content of an existing message; other fields are
// untouched.
func (m *Manager) Edit(ctx context.Context, id, content string) (*store.Message, error) {
	message, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	switch message.Role {
	case store.RoleUser:
		if _, err := ParseUserContent(content); err != nil {
			return nil, err
		}
	case store.RoleAssistant:
		if _, err := ParseBlocks(content); err != nil {
			return nil, err
		}
	}

	updated, err := m.store.UpdateMessage(ctx, &store.UpdateMessage{ID: id, Content: &content})
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}
	m.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: message.ConversationID, MessageID: id})
	return updated, nil
}

// Delete removes the message. Children are not cascaded; they become
// orphans excluded from default thread views but stay addressable by id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	message, err := m.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteMessage(ctx, &store.DeleteMessage{ID: id}); err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	m.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: message.ConversationID, MessageID: id})
	return nil
}

// Retry creates a sibling assistant message for regeneration. The original
// is never touched; that it has variants is derivable from its siblings,
// see GetVariants.
func (m *Manager) Retry(ctx context.Context, id string, metadata map[string]any) (*store.Message, error) {
	original, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Role != store.RoleAssistant {
		return nil, errors.Wrapf(ErrInvalidRole, "cannot retry %s message", original.Role)
	}

	maxSeq, err := m.store.GetMaxOrderSeq(ctx, original.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get max order seq")
	}

	message, err := m.store.CreateMessage(ctx, &store.Message{
		ID:             shortuuid.New(),
		ConversationID: original.ConversationID,
		Role:           store.RoleAssistant,
		Content:        "[]",
		Status:         store.StatusPending,
		ParentID:       original.ParentID,
		OrderSeq:       maxSeq + 1,
		IsVariant:      true,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create retry message")
	}

	m.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: message.ConversationID, MessageID: message.ID})
	return message, nil
}

// GetThread returns one page of the conversation ordered by orderSeq,
// plus the total count. Orphans are filtered out before pagination so
// pages stay full and total matches the visible thread.
func (m *Manager) GetThread(ctx context.Context, conversationID string, page, pageSize int) ([]*store.Message, int64, error) {
	conversation, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to load conversation")
	}
	if conversation == nil {
		return nil, 0, errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	messages, err := m.store.ListMessages(ctx, &store.FindMessage{ConversationID: &conversationID})
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list messages")
	}

	present := make(map[string]bool, len(messages))
	for _, msg := range messages {
		present[msg.ID] = true
	}

	thread := make([]*store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ParentID != "" && !present[msg.ParentID] {
			continue
		}
		thread = append(thread, msg)
	}

	total := int64(len(thread))
	start := (page - 1) * pageSize
	if start >= len(thread) {
		return []*store.Message{}, total, nil
	}
	end := start + pageSize
	if end > len(thread) {
		end = len(thread)
	}
	return thread[start:end], total, nil
}

// GetVariants lists all assistant siblings sharing the message's parent,
// ordered by orderSeq.
func (m *Manager) GetVariants(ctx context.Context, id string) ([]*store.Message, error) {
	message, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if message.Role != store.RoleAssistant {
		return nil, errors.Wrapf(ErrInvalidRole, "variants of %s message", message.Role)
	}
	role := store.RoleAssistant
	return m.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &message.ConversationID,
		Role:           &role,
		ParentID:       &message.ParentID,
	})
}

// GetContextMessages selects the upstream context window: messages newer
// than the most recent context edge, walked backward from the tail until
// the token budget is spent. A message is never split across the boundary.
func (m *Manager) GetContextMessages(ctx context.Context, conversationID string, maxTokens int) ([]*store.Message, error) {
	messages, err := m.store.ListMessages(ctx, &store.FindMessage{ConversationID: &conversationID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}

	start := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsContextEdge {
			start = i
			break
		}
	}
	messages = messages[start:]

	if maxTokens <= 0 {
		return messages, nil
	}

	budget := maxTokens
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := m.tokens.Count(m.contextText(messages[i]))
		if cost > budget {
			break
		}
		budget -= cost
		cut = i
	}
	return messages[cut:], nil
}

// CountContextTokens totals the context cost of the given messages.
func (m *Manager) CountContextTokens(messages []*store.Message) int {
	total := 0
	for _, msg := range messages {
		total += m.tokens.Count(m.contextText(msg))
	}
	return total
}

func (m *Manager) contextText(msg *store.Message) string {
	switch msg.Role {
	case store.RoleUser:
		uc, err := ParseUserContent(msg.Content)
		if err != nil {
			return msg.Content
		}
		return uc.Text
	case store.RoleAssistant:
		blocks, err := ParseBlocks(msg.Content)
		if err != nil {
			return msg.Content
		}
		return blocks.PlainText()
	}
	return msg.Content
}

// MarkContextEdge toggles the context boundary flag on a message.
func (m *Manager) MarkContextEdge(ctx context.Context, id string, edge bool) (*store.Message, error) {
	if _, err := m.mustGet(ctx, id); err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateMessage(ctx, &store.UpdateMessage{ID: id, IsContextEdge: &edge})
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}
	return updated, nil
}

// UpdateMetadata replaces the metadata payload of a message.
func (m *Manager) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) (*store.Message, error) {
	if _, err := m.mustGet(ctx, id); err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateMessage(ctx, &store.UpdateMessage{ID: id, Metadata: metadata})
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}
	return updated, nil
}

// HandleError appends an error block to an assistant message and marks it
// failed. Used for runtime errors outside the streaming path.
func (m *Manager) HandleError(ctx context.Context, id, message string) error {
	msg, err := m.mustGet(ctx, id)
	if err != nil {
		return err
	}
	blocks, err := ParseBlocks(msg.Content)
	if err != nil {
		blocks = BlockList{}
	}
	blocks.SealLoading()
	blocks = append(blocks, &ErrorBlock{Message: message})
	content, err := blocks.Encode()
	if err != nil {
		return err
	}
	status := store.StatusError
	if _, err := m.store.UpdateMessage(ctx, &store.UpdateMessage{ID: id, Content: &content, Status: &status}); err != nil {
		return errors.Wrap(err, "failed to persist error")
	}
	m.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: msg.ConversationID, MessageID: id})
	return nil
}

// RecoverUnfinishedMessages sweeps assistant messages stuck pending after
// a restart and closes them with an interruption error. Returns the count
// of recovered messages.
func (m *Manager) RecoverUnfinishedMessages(ctx context.Context) (int, error) {
	role, status := store.RoleAssistant, store.StatusPending
	stuck, err := m.store.ListMessages(ctx, &store.FindMessage{Role: &role, Status: &status})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending messages")
	}
	recovered := 0
	for _, msg := range stuck {
		if err := m.HandleError(ctx, msg.ID, "generation interrupted by restart"); err != nil {
			m.logger.Error("failed to recover message", "message_id", msg.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered unfinished messages", "count", recovered)
	}
	return recovered, nil
}

func (m *Manager) mustGet(ctx context.Context, id string) (*store.Message, error) {
	message, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message")
	}
	if message == nil {
		return nil, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return message, nil
}
