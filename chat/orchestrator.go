package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

const (
	// streamFlushInterval bounds how often streaming text deltas are
	// persisted. Structural block changes always flush immediately.
	streamFlushInterval = 300 * time.Millisecond

	finalizeRetries      = 3
	finalizeRetryBackoff = 100 * time.Millisecond

	defaultContextTokens = 8192
)

// MetricsRecorder receives generation lifecycle metrics. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	GenerationStarted()
	GenerationFinished(outcome string, seconds float64, promptTokens, outputTokens int)
	PermissionResolved(granted bool)
	SearchPerformed(ok bool)
}

// GenerationState tracks one in-flight assistant message. All block
// mutation happens on the single consumer goroutine; the mutex covers
// cross-goroutine access from stop and permission resolution.
type GenerationState struct {
	mu sync.Mutex

	MessageID      string
	ConversationID string
	Blocks         BlockList
	Parked         bool

	settings    store.ConversationSettings
	userContent *UserContent
	prompt      []PromptMessage

	startTime      time.Time
	firstTokenAt   time.Time
	reasoningStart time.Time
	reasoningEnd   time.Time
	lastFlush      time.Time

	promptTokens int
	usagePrompt  int
	usageOutput  int

	searching bool
	stopped   bool
	finalized bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// Orchestrator drives generations: it owns the GenerationState map,
// consumes agent events in order per message, parks on pending
// permissions and finalizes messages with their usage accounting.
type Orchestrator struct {
	mu          sync.RWMutex
	generations map[string]*GenerationState

	manager  *Manager
	store    *store.Store
	provider StreamProvider
	search   SearchProvider
	tools    ToolRuntime
	bus      *EventBus
	metrics  MetricsRecorder
	logger   *slog.Logger
}

func NewOrchestrator(manager *Manager, provider StreamProvider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		generations: make(map[string]*GenerationState),
		manager:     manager,
		store:       manager.Store(),
		provider:    provider,
		bus:         manager.Bus(),
		logger:      slog.Default().With("component", "chat.orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type OrchestratorOption func(*Orchestrator)

func WithSearch(s SearchProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.search = s }
}

func WithTools(t ToolRuntime) OrchestratorOption {
	return func(o *Orchestrator) { o.tools = t }
}

func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// ActiveGenerations lists the message ids currently generating or parked.
func (o *Orchestrator) ActiveGenerations() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.generations))
	for id := range o.generations {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) state(messageID string) *GenerationState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generations[messageID]
}

// Start creates the assistant reply for a user message and begins its
// generation. It returns the pending assistant message immediately; the
// generation proceeds on a background goroutine.
func (o *Orchestrator) Start(ctx context.Context, userMessage *store.Message) (*store.Message, error) {
	userContent, err := ParseUserContent(userMessage.Content)
	if err != nil {
		return nil, err
	}

	assistant, err := o.manager.Send(ctx, SendRequest{
		ConversationID: userMessage.ConversationID,
		Role:           store.RoleAssistant,
		Content:        "[]",
		ParentID:       userMessage.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := o.begin(ctx, assistant, userContent); err != nil {
		return nil, err
	}
	return assistant, nil
}

// StartForMessage begins generation for an existing pending assistant
// message, e.g. one created by Retry. The triggering user content comes
// from the parent message.
func (o *Orchestrator) StartForMessage(ctx context.Context, assistant *store.Message) error {
	if assistant.Role != store.RoleAssistant {
		return errors.Wrapf(ErrInvalidRole, "cannot generate %s message", assistant.Role)
	}
	userContent := &UserContent{}
	if assistant.ParentID != "" {
		parent, err := o.store.GetMessage(ctx, assistant.ParentID)
		if err != nil {
			return errors.Wrap(err, "failed to load parent message")
		}
		if parent != nil {
			if uc, err := ParseUserContent(parent.Content); err == nil {
				userContent = uc
			}
		}
	}
	return o.begin(ctx, assistant, userContent)
}

func (o *Orchestrator) begin(ctx context.Context, assistant *store.Message, userContent *UserContent) error {
	conversation, err := o.store.GetConversation(ctx, assistant.ConversationID)
	if err != nil {
		return errors.Wrap(err, "failed to load conversation")
	}
	if conversation == nil {
		return errors.Wrapf(ErrNotFound, "conversation %s", assistant.ConversationID)
	}

	blocks, err := ParseBlocks(assistant.Content)
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	gs := &GenerationState{
		MessageID:      assistant.ID,
		ConversationID: assistant.ConversationID,
		Blocks:         blocks,
		settings:       conversation.Settings,
		userContent:    userContent,
		startTime:      time.Now(),
		ctx:            genCtx,
		cancel:         cancel,
	}

	o.mu.Lock()
	if _, exists := o.generations[assistant.ID]; exists {
		o.mu.Unlock()
		cancel()
		return errors.Wrapf(ErrGenerationExists, "message %s", assistant.ID)
	}
	o.generations[assistant.ID] = gs
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.GenerationStarted()
	}
	o.bus.Publish(ctx, &Event{Topic: TopicConversationActivated, ConversationID: gs.ConversationID, MessageID: gs.MessageID})
	o.logger.Info("generation started", "message_id", gs.MessageID, "conversation_id", gs.ConversationID)

	go o.run(genCtx, gs)
	return nil
}

// run performs search augmentation, builds the prompt, opens the stream
// and consumes it to completion or parking.
func (o *Orchestrator) run(ctx context.Context, gs *GenerationState) {
	var results []SearchResult
	if gs.userContent.Search && o.search != nil {
		gs.mu.Lock()
		gs.searching = true
		gs.mu.Unlock()
		var err error
		results, err = o.search.Search(ctx, gs.ConversationID, gs.userContent.Text)
		gs.mu.Lock()
		gs.searching = false
		stopped := gs.stopped
		gs.mu.Unlock()
		if stopped {
			return
		}
		if err != nil {
			// Degrade to a plain generation.
			o.logger.Warn("search failed, continuing without results", "message_id", gs.MessageID, "error", err)
			results = nil
		}
		if o.metrics != nil {
			o.metrics.SearchPerformed(err == nil)
		}
	}

	prompt, promptTokens, err := o.buildPrompt(ctx, gs, results)
	if err != nil {
		o.fail(ctx, gs, fmt.Sprintf("failed to build context: %v", err))
		return
	}
	gs.mu.Lock()
	gs.prompt = prompt
	gs.promptTokens = promptTokens
	gs.mu.Unlock()

	events, err := o.provider.OpenStream(ctx, StreamRequest{
		ConversationID: gs.ConversationID,
		MessageID:      gs.MessageID,
		Settings:       gs.settings,
		Context:        prompt,
		Think:          gs.userContent.Think,
	})
	if err != nil {
		o.fail(ctx, gs, fmt.Sprintf("failed to open stream: %v", err))
		return
	}

	o.consume(ctx, gs, events)
}

// consume applies agent events in order. Exactly one consumer goroutine
// runs per message id, which serializes all block mutation.
func (o *Orchestrator) consume(ctx context.Context, gs *GenerationState, events <-chan AgentEvent) {
	ended := false
	for event := range events {
		gs.mu.Lock()
		if gs.stopped {
			gs.mu.Unlock()
			// The producer may be blocked on a buffered send; keep
			// draining until it observes the stop and closes the channel.
			go func() {
				for range events {
				}
			}()
			return
		}
		done := o.apply(ctx, gs, event)
		gs.mu.Unlock()
		if done {
			ended = true
			break
		}
	}
	if !ended {
		// Upstream closed without an end event. Synthesize the terminal
		// transition so the message never sticks in pending.
		gs.mu.Lock()
		if gs.stopped {
			gs.mu.Unlock()
			return
		}
		gs.Blocks.SealLoading()
		gs.Blocks = append(gs.Blocks, &ErrorBlock{Message: "stream closed unexpectedly"})
		gs.mu.Unlock()
		o.finalize(ctx, gs, store.StatusError, "upstream_closed")
	}
}

// apply mutates the block list for one event. It returns true when the
// event ended the stream, either finalizing or parking the generation.
// Called with gs.mu held.
func (o *Orchestrator) apply(ctx context.Context, gs *GenerationState, event AgentEvent) bool {
	structural := true
	switch event.Type {
	case AgentEventContent:
		if gs.firstTokenAt.IsZero() {
			gs.firstTokenAt = time.Now()
		}
		before := len(gs.Blocks)
		gs.Blocks = gs.Blocks.AppendText(event.Text)
		structural = len(gs.Blocks) != before

	case AgentEventReasoning:
		if gs.firstTokenAt.IsZero() {
			gs.firstTokenAt = time.Now()
		}
		if gs.reasoningStart.IsZero() {
			gs.reasoningStart = time.Now()
		}
		gs.reasoningEnd = time.Now()
		before := len(gs.Blocks)
		gs.Blocks = gs.Blocks.AppendReasoning(event.Text)
		structural = len(gs.Blocks) != before

	case AgentEventToolCallStart:
		gs.Blocks.SealLoading()
		gs.Blocks = append(gs.Blocks, &ToolCallBlock{
			ID:         event.ToolCallID,
			Name:       event.ToolName,
			ServerName: event.ServerName,
			Params:     event.Params,
			Status:     BlockStatusRunning,
		})

	case AgentEventToolCallEnd:
		block := gs.Blocks.FindToolCall(event.ToolCallID)
		if block == nil {
			o.logger.Warn("tool call end without start", "message_id", gs.MessageID, "tool_call_id", event.ToolCallID)
			return false
		}
		block.Response = event.Response
		if event.ToolErr {
			block.Status = BlockStatusError
		} else {
			block.Status = BlockStatusSuccess
		}

	case AgentEventPermission:
		if block := gs.Blocks.FindToolCall(event.ToolCallID); block != nil {
			block.Status = BlockStatusPending
		}
		gs.Blocks = append(gs.Blocks, &PermissionBlock{
			ToolCallID:     event.ToolCallID,
			ServerName:     event.ServerName,
			PermissionType: event.PermissionType,
			Description:    event.Description,
			Status:         BlockStatusPending,
		})

	case AgentEventError:
		gs.Blocks.SealLoading()
		gs.Blocks = append(gs.Blocks, &ErrorBlock{Message: event.Text})

	case AgentEventEnd:
		if event.PromptTokens > 0 {
			gs.usagePrompt = event.PromptTokens
		}
		if event.OutputTokens > 0 {
			gs.usageOutput = event.OutputTokens
		}
		if gs.Blocks.HasPendingPermission() {
			gs.Parked = true
			o.flushLocked(ctx, gs, true)
			o.logger.Info("generation parked on permission", "message_id", gs.MessageID)
			return true
		}
		status, outcome := store.StatusSent, "sent"
		for _, b := range gs.Blocks {
			if _, ok := b.(*ErrorBlock); ok {
				status, outcome = store.StatusError, "error"
				break
			}
		}
		go o.finalize(ctx, gs, status, outcome)
		return true
	}

	o.flushLocked(ctx, gs, structural)
	return false
}

// flushLocked persists the current block list. Structural changes flush
// immediately; text deltas are throttled. Called with gs.mu held.
func (o *Orchestrator) flushLocked(ctx context.Context, gs *GenerationState, structural bool) {
	if !structural && time.Since(gs.lastFlush) < streamFlushInterval {
		return
	}
	content, err := gs.Blocks.Encode()
	if err != nil {
		o.logger.Error("failed to encode blocks", "message_id", gs.MessageID, "error", err)
		return
	}
	if _, err := o.store.UpdateMessage(ctx, &store.UpdateMessage{ID: gs.MessageID, Content: &content}); err != nil {
		o.logger.Error("failed to flush blocks", "message_id", gs.MessageID, "error", err)
		return
	}
	gs.lastFlush = time.Now()
	o.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: gs.ConversationID, MessageID: gs.MessageID})
}

// finalize seals the message with its terminal status and usage, retrying
// persistence before force-marking the message failed. Always releases
// the generation state.
func (o *Orchestrator) finalize(ctx context.Context, gs *GenerationState, status store.MessageStatus, outcome string) {
	gs.mu.Lock()
	if gs.finalized {
		gs.mu.Unlock()
		return
	}
	gs.finalized = true
	gs.Blocks.SealLoading()
	usage := o.computeUsage(gs)
	content, encErr := gs.Blocks.Encode()
	gs.mu.Unlock()

	if encErr != nil {
		o.logger.Error("failed to encode final blocks", "message_id", gs.MessageID, "error", encErr)
		content = "[]"
		status = store.StatusError
	}

	var err error
	for attempt := 1; attempt <= finalizeRetries; attempt++ {
		_, err = o.store.UpdateMessage(ctx, &store.UpdateMessage{
			ID:      gs.MessageID,
			Content: &content,
			Status:  &status,
			Usage:   usage,
		})
		if err == nil {
			break
		}
		o.logger.Warn("finalize persistence failed", "message_id", gs.MessageID, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * finalizeRetryBackoff)
	}
	if err != nil {
		err = errors.Wrapf(ErrPersistence, "finalize message %s: %v", gs.MessageID, err)
		o.logger.Error("finalize failed permanently", "message_id", gs.MessageID, "error", err)
		status = store.StatusError
		if _, ferr := o.store.UpdateMessage(ctx, &store.UpdateMessage{ID: gs.MessageID, Status: &status}); ferr != nil {
			o.logger.Error("failed to force error status", "message_id", gs.MessageID, "error", ferr)
		}
		outcome = "persistence_failure"
	}

	o.release(gs.MessageID)

	if status == store.StatusSent {
		o.clearIsNew(ctx, gs.ConversationID)
	}

	if o.metrics != nil {
		o.metrics.GenerationFinished(outcome, time.Since(gs.startTime).Seconds(), usage.PromptTokens, usage.CompletionTokens)
	}
	o.bus.Publish(ctx, &Event{Topic: TopicMessageUpdated, ConversationID: gs.ConversationID, MessageID: gs.MessageID})
	o.bus.Publish(ctx, &Event{Topic: TopicConversationListUpdated, ConversationID: gs.ConversationID})
	o.logger.Info("generation finalized",
		"message_id", gs.MessageID,
		"outcome", outcome,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"duration_ms", usage.GenerationMs)
}

// fail closes a generation that never produced a usable stream.
func (o *Orchestrator) fail(ctx context.Context, gs *GenerationState, message string) {
	gs.mu.Lock()
	if gs.stopped {
		gs.mu.Unlock()
		return
	}
	gs.Blocks.SealLoading()
	gs.Blocks = append(gs.Blocks, &ErrorBlock{Message: message})
	gs.mu.Unlock()
	o.finalize(ctx, gs, store.StatusError, "error")
}

func (o *Orchestrator) computeUsage(gs *GenerationState) *store.TokenUsage {
	elapsed := time.Since(gs.startTime)
	usage := &store.TokenUsage{
		PromptTokens: gs.promptTokens,
		GenerationMs: elapsed.Milliseconds(),
	}
	if gs.usagePrompt > 0 {
		usage.PromptTokens = gs.usagePrompt
	}
	if gs.usageOutput > 0 {
		usage.CompletionTokens = gs.usageOutput
	} else {
		usage.CompletionTokens = o.manager.tokens.Count(gs.Blocks.PlainText())
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if !gs.firstTokenAt.IsZero() {
		usage.FirstTokenMs = gs.firstTokenAt.Sub(gs.startTime).Milliseconds()
	}
	if !gs.reasoningStart.IsZero() {
		usage.ReasoningMs = gs.reasoningEnd.Sub(gs.reasoningStart).Milliseconds()
	}
	if secs := elapsed.Seconds(); secs > 0 {
		usage.TokensPerSecond = float64(usage.CompletionTokens) / secs
	}
	contextLength := gs.settings.ContextLength
	if contextLength <= 0 {
		contextLength = defaultContextTokens
	}
	usage.ContextUsage = float64(usage.TotalTokens) / float64(contextLength)
	return usage
}

// buildPrompt assembles the upstream context: system prompt, optional
// search digest, then the budgeted history window.
func (o *Orchestrator) buildPrompt(ctx context.Context, gs *GenerationState, results []SearchResult) ([]PromptMessage, int, error) {
	contextLength := gs.settings.ContextLength
	if contextLength <= 0 {
		contextLength = defaultContextTokens
	}

	history, err := o.manager.GetContextMessages(ctx, gs.ConversationID, contextLength)
	if err != nil {
		return nil, 0, err
	}

	prompt := []PromptMessage{}
	if gs.settings.SystemPrompt != "" {
		prompt = append(prompt, PromptMessage{Role: "system", Content: gs.settings.SystemPrompt})
	}
	if len(results) > 0 {
		prompt = append(prompt, PromptMessage{Role: "system", Content: formatSearchDigest(results)})
	}
	for _, msg := range history {
		if msg.ID == gs.MessageID {
			continue
		}
		text := o.manager.contextText(msg)
		if text == "" {
			continue
		}
		prompt = append(prompt, PromptMessage{Role: string(msg.Role), Content: text})
	}

	tokens := 0
	for _, p := range prompt {
		tokens += o.manager.tokens.Count(p.Content)
	}
	return prompt, tokens, nil
}

func formatSearchDigest(results []SearchResult) string {
	digest := "Web search results:\n"
	for _, r := range results {
		digest += fmt.Sprintf("%d. %s (%s)\n", r.Rank, r.Title, r.URL)
		if r.Content != "" {
			digest += r.Content + "\n"
		} else if r.Description != "" {
			digest += r.Description + "\n"
		}
	}
	return digest
}

func (o *Orchestrator) clearIsNew(ctx context.Context, conversationID string) {
	conversation, err := o.store.GetConversation(ctx, conversationID)
	if err != nil || conversation == nil || !conversation.IsNew {
		return
	}
	isNew := false
	if _, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{ID: conversationID, IsNew: &isNew}); err != nil {
		o.logger.Warn("failed to clear isNew", "conversation_id", conversationID, "error", err)
	}
}

func (o *Orchestrator) release(messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.generations, messageID)
}
