package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

// ResolvePermission settles a pending tool_call_permission block. A grant
// resumes the parked agent loop; a denial records the refusal and
// finalizes the message with its partial content. Resolution is
// single-shot per block.
func (o *Orchestrator) ResolvePermission(ctx context.Context, messageID, toolCallID string, granted, remember bool) error {
	gs := o.state(messageID)
	if gs == nil {
		return o.resolveWithoutState(ctx, messageID, toolCallID)
	}

	gs.mu.Lock()
	if gs.stopped {
		gs.mu.Unlock()
		return errors.Wrapf(ErrBlockNotFound, "message %s", messageID)
	}
	permission := gs.Blocks.FindPermission(toolCallID)
	if permission == nil {
		gs.mu.Unlock()
		return errors.Wrapf(ErrBlockNotFound, "tool call %s on message %s", toolCallID, messageID)
	}
	if permission.Status != BlockStatusPending {
		gs.mu.Unlock()
		return errors.Wrapf(ErrAlreadyResolved, "tool call %s already %s", toolCallID, permission.Status)
	}

	toolCall := gs.Blocks.FindToolCall(toolCallID)

	if !granted {
		permission.Status = BlockStatusDenied
		if toolCall != nil {
			toolCall.Status = BlockStatusError
			toolCall.Response = "permission denied by user"
		}
		gs.Parked = false
		gs.mu.Unlock()

		if o.metrics != nil {
			o.metrics.PermissionResolved(false)
		}
		o.provider.Stop(messageID)
		o.logger.Info("permission denied", "message_id", messageID, "tool_call_id", toolCallID)
		o.finalize(ctx, gs, store.StatusSent, "denied")
		return nil
	}

	permission.Status = BlockStatusGranted
	if toolCall != nil {
		toolCall.Status = BlockStatusGranted
	}
	if o.tools != nil && permission.ServerName != "" {
		// Recorded before resume so the provider's gate passes. Remember
		// controls persistence only; the session grant always happens.
		if err := o.tools.GrantPermission(permission.ServerName, permission.PermissionType, remember); err != nil {
			o.logger.Warn("failed to persist permission grant", "server", permission.ServerName, "error", err)
		}
	}
	gs.Parked = false
	o.flushLocked(ctx, gs, true)
	resumeCtx := gs.ctx
	req := StreamRequest{
		ConversationID: gs.ConversationID,
		MessageID:      gs.MessageID,
		Settings:       gs.settings,
		Context:        gs.prompt,
		Think:          gs.userContent.Think,
		Resume:         true,
	}
	gs.mu.Unlock()

	if o.metrics != nil {
		o.metrics.PermissionResolved(true)
	}
	o.logger.Info("permission granted", "message_id", messageID, "tool_call_id", toolCallID, "remember", remember)

	events, err := o.provider.OpenStream(resumeCtx, req)
	if err != nil {
		o.fail(ctx, gs, "failed to resume after permission grant: "+err.Error())
		return nil
	}
	go o.consume(resumeCtx, gs, events)
	return nil
}

// resolveWithoutState classifies a resolution request that arrived after
// the generation state was released.
func (o *Orchestrator) resolveWithoutState(ctx context.Context, messageID, toolCallID string) error {
	message, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to load message")
	}
	if message == nil {
		return errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	blocks, err := ParseBlocks(message.Content)
	if err != nil {
		return errors.Wrapf(ErrBlockNotFound, "message %s", messageID)
	}
	permission := blocks.FindPermission(toolCallID)
	if permission == nil {
		return errors.Wrapf(ErrBlockNotFound, "tool call %s on message %s", toolCallID, messageID)
	}
	if permission.Status != BlockStatusPending {
		return errors.Wrapf(ErrAlreadyResolved, "tool call %s already %s", toolCallID, permission.Status)
	}
	// A pending block without live state means the generation was lost,
	// e.g. across a restart before recovery swept it.
	return errors.Wrapf(ErrBlockNotFound, "no active generation for message %s", messageID)
}
