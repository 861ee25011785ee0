package chat

import (
	"context"

	"github.com/fluxchat/flux/store"
)

// StopMessage cancels one in-flight generation. It is idempotent: a
// second stop, or a stop for a message with no active generation, is a
// no-op. Cleanup order: in-flight search, then the upstream stream, then
// terminal persistence, then state release. The message lands in error
// status with its partial content kept; the stop reason travels as the
// finalize outcome.
func (o *Orchestrator) StopMessage(ctx context.Context, messageID string) error {
	gs := o.state(messageID)
	if gs == nil {
		return nil
	}

	gs.mu.Lock()
	if gs.stopped {
		gs.mu.Unlock()
		return nil
	}
	gs.stopped = true
	searching := gs.searching
	parked := gs.Parked
	gs.Blocks.SealLoading()
	if toolCall := o.runningToolCall(gs); toolCall != nil {
		toolCall.Status = BlockStatusError
		toolCall.Response = "stopped by user"
	}
	if parked {
		for _, b := range gs.Blocks {
			if p, ok := b.(*PermissionBlock); ok && p.Status == BlockStatusPending {
				p.Status = BlockStatusDenied
			}
		}
	}
	gs.mu.Unlock()

	if searching && o.search != nil {
		o.search.StopSearch(gs.ConversationID)
	}
	o.provider.Stop(messageID)
	gs.cancel()

	o.logger.Info("generation stopped", "message_id", messageID, "conversation_id", gs.ConversationID)
	o.finalize(ctx, gs, store.StatusError, "stopped")
	return nil
}

// StopConversation stops every active generation in a conversation.
func (o *Orchestrator) StopConversation(ctx context.Context, conversationID string) error {
	o.mu.RLock()
	ids := []string{}
	for id, gs := range o.generations {
		if gs.ConversationID == conversationID {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range ids {
		if err := o.StopMessage(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// runningToolCall returns the latest tool call still marked running, if
// any. Called with gs.mu held.
func (o *Orchestrator) runningToolCall(gs *GenerationState) *ToolCallBlock {
	for i := len(gs.Blocks) - 1; i >= 0; i-- {
		if b, ok := gs.Blocks[i].(*ToolCallBlock); ok && b.Status == BlockStatusRunning {
			return b
		}
	}
	return nil
}
