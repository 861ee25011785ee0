package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fluxchat/flux/store"
	"github.com/fluxchat/flux/store/storetest"
)

// fakeStream hands out test-controlled event channels, one per OpenStream
// call, and records every request and stop.
type fakeStream struct {
	mu      sync.Mutex
	opens   []StreamRequest
	streams []chan AgentEvent
	openErr error
	stops   []string
}

func (p *fakeStream) queue() chan AgentEvent {
	ch := make(chan AgentEvent, 16)
	p.mu.Lock()
	p.streams = append(p.streams, ch)
	p.mu.Unlock()
	return ch
}

func (p *fakeStream) OpenStream(_ context.Context, req StreamRequest) (<-chan AgentEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opens = append(p.opens, req)
	if len(p.streams) == 0 {
		ch := make(chan AgentEvent)
		close(ch)
		return ch, nil
	}
	ch := p.streams[0]
	p.streams = p.streams[1:]
	return ch, nil
}

func (p *fakeStream) Stop(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, messageID)
}

func (p *fakeStream) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

func (p *fakeStream) requests() []StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamRequest, len(p.opens))
	copy(out, p.opens)
	return out
}

type fakeSearch struct {
	mu      sync.Mutex
	results []SearchResult
	err     error
	stopped []string
}

func (s *fakeSearch) Search(_ context.Context, _, _ string) ([]SearchResult, error) {
	return s.results, s.err
}

func (s *fakeSearch) StopSearch(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, conversationID)
}

type fakeTools struct {
	mu      sync.Mutex
	granted []string
}

func (f *fakeTools) CallTool(_ context.Context, _, _ string, _ map[string]any) (string, error) {
	return "", nil
}
func (f *fakeTools) IsServerRunning(string) bool { return true }

func (f *fakeTools) HasPermission(string, PermissionType) bool { return false }

func (f *fakeTools) GrantPermission(server string, permission PermissionType, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted = append(f.granted, server+":"+string(permission))
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	started  int
	outcomes []string
	grants   []bool
	searches []bool
}

func (m *fakeMetrics) GenerationStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) GenerationFinished(outcome string, _ float64, _, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) PermissionResolved(granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, granted)
}

func (m *fakeMetrics) SearchPerformed(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, ok)
}

func (m *fakeMetrics) lastOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

type orchestratorFixture struct {
	orch     *Orchestrator
	manager  *Manager
	driver   *storetest.Driver
	provider *fakeStream
	metrics  *fakeMetrics
}

func newOrchestratorFixture(t *testing.T, opts ...OrchestratorOption) *orchestratorFixture {
	t.Helper()
	driver := storetest.NewDriver()
	manager := NewManager(store.New(driver), NewEventBus(), charCounter{})

	_, err := manager.Store().CreateConversation(context.Background(), &store.Conversation{ID: "c1", Title: "test", IsNew: true})
	require.NoError(t, err)

	provider := &fakeStream{}
	metrics := &fakeMetrics{}
	opts = append([]OrchestratorOption{WithMetrics(metrics)}, opts...)
	return &orchestratorFixture{
		orch:     NewOrchestrator(manager, provider, opts...),
		manager:  manager,
		driver:   driver,
		provider: provider,
		metrics:  metrics,
	}
}

func (f *orchestratorFixture) message(t *testing.T, id string) *store.Message {
	t.Helper()
	msg, err := f.manager.Store().GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func (f *orchestratorFixture) waitStatus(t *testing.T, id string, want store.MessageStatus) *store.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.message(t, id).Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return f.message(t, id)
}

func (f *orchestratorFixture) waitParked(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		gs := f.orch.state(id)
		if gs == nil {
			return false
		}
		gs.mu.Lock()
		defer gs.mu.Unlock()
		return gs.Parked
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *orchestratorFixture) waitReleased(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orch.state(id) == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGenerationHappyPath(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "Hello"}
	stream <- AgentEvent{Type: AgentEventContent, Text: " world"}
	stream <- AgentEvent{Type: AgentEventEnd, PromptTokens: 10, OutputTokens: 5}
	close(stream)

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, assistant.Status)

	final := f.waitStatus(t, assistant.ID, store.StatusSent)
	f.waitReleased(t, assistant.ID)

	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	content := blocks[0].(*ContentBlock)
	require.Equal(t, "Hello world", content.Text)
	require.Equal(t, BlockStatusSuccess, content.Status)

	require.NotNil(t, final.Usage)
	require.Equal(t, 10, final.Usage.PromptTokens)
	require.Equal(t, 5, final.Usage.CompletionTokens)
	require.Equal(t, 15, final.Usage.TotalTokens)

	require.Equal(t, "sent", f.metrics.lastOutcome())

	conversation, err := f.manager.Store().GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.False(t, conversation.IsNew)
}

func TestGenerationErrorEvent(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "partial"}
	stream <- AgentEvent{Type: AgentEventError, Text: "upstream failed"}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	final := f.waitStatus(t, assistant.ID, store.StatusError)
	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, "upstream failed", blocks[len(blocks)-1].(*ErrorBlock).Message)
	require.Equal(t, "error", f.metrics.lastOutcome())
}

func TestGenerationAbnormalStreamClose(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "cut off"}
	close(stream)

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	final := f.waitStatus(t, assistant.ID, store.StatusError)
	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, "stream closed unexpectedly", blocks[len(blocks)-1].(*ErrorBlock).Message)
	require.Equal(t, BlockStatusSuccess, blocks[0].(*ContentBlock).Status)
	require.Equal(t, "upstream_closed", f.metrics.lastOutcome())
}

func TestGenerationOpenStreamFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.provider.openErr = errors.New("upstream unreachable")

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	final := f.waitStatus(t, assistant.ID, store.StatusError)
	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Contains(t, blocks[len(blocks)-1].(*ErrorBlock).Message, "failed to open stream")
}

func TestDuplicateGeneration(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.provider.queue() // held open

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	err = f.orch.StartForMessage(context.Background(), assistant)
	require.True(t, errors.Is(err, ErrGenerationExists))

	require.NoError(t, f.orch.StopMessage(context.Background(), assistant.ID))
}

func TestStartForMessageRejectsUserRole(t *testing.T) {
	f := newOrchestratorFixture(t)
	user := sendUser(t, f.manager, "question")

	err := f.orch.StartForMessage(context.Background(), user)
	require.True(t, errors.Is(err, ErrInvalidRole))
}

func TestToolCallLifecycle(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "let me check"}
	stream <- AgentEvent{
		Type:       AgentEventToolCallStart,
		ToolCallID: "call-1",
		ToolName:   "get_weather",
		ServerName: "weather",
		Params:     map[string]any{"city": "Berlin"},
	}
	stream <- AgentEvent{Type: AgentEventToolCallEnd, ToolCallID: "call-1", Response: "sunny"}
	stream <- AgentEvent{Type: AgentEventContent, Text: "it is sunny"}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	user := sendUser(t, f.manager, "weather?")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	final := f.waitStatus(t, assistant.ID, store.StatusSent)
	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	toolCall := blocks[1].(*ToolCallBlock)
	require.Equal(t, "get_weather", toolCall.Name)
	require.Equal(t, BlockStatusSuccess, toolCall.Status)
	require.Equal(t, "sunny", toolCall.Response)
	require.Equal(t, "it is sunny", blocks[2].(*ContentBlock).Text)
}

func TestPermissionParkAndGrantResume(t *testing.T) {
	tools := &fakeTools{}
	f := newOrchestratorFixture(t, WithTools(tools))

	first := f.provider.queue()
	first <- AgentEvent{
		Type:       AgentEventToolCallStart,
		ToolCallID: "call-1",
		ToolName:   "write_file",
		ServerName: "fs",
	}
	first <- AgentEvent{
		Type:           AgentEventPermission,
		ToolCallID:     "call-1",
		ServerName:     "fs",
		PermissionType: PermissionWrite,
		Description:    "fs wants to write via write_file",
	}
	first <- AgentEvent{Type: AgentEventEnd}
	close(first)

	user := sendUser(t, f.manager, "write it")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	f.waitParked(t, assistant.ID)

	// Parked, not finalized: still pending, permission visible.
	parked := f.message(t, assistant.ID)
	require.Equal(t, store.StatusPending, parked.Status)
	blocks, err := ParseBlocks(parked.Content)
	require.NoError(t, err)
	require.True(t, blocks.HasPendingPermission())

	second := f.provider.queue()
	second <- AgentEvent{Type: AgentEventToolCallEnd, ToolCallID: "call-1", Response: "written"}
	second <- AgentEvent{Type: AgentEventContent, Text: "done"}
	second <- AgentEvent{Type: AgentEventEnd}
	close(second)

	require.NoError(t, f.orch.ResolvePermission(context.Background(), assistant.ID, "call-1", true, true))

	final := f.waitStatus(t, assistant.ID, store.StatusSent)
	f.waitReleased(t, assistant.ID)

	blocks, err = ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, BlockStatusSuccess, blocks.FindToolCall("call-1").Status)
	require.Equal(t, BlockStatusGranted, blocks.FindPermission("call-1").Status)

	requests := f.provider.requests()
	require.Len(t, requests, 2)
	require.False(t, requests[0].Resume)
	require.True(t, requests[1].Resume)

	require.Equal(t, []string{"fs:write"}, tools.granted)
	require.Equal(t, []bool{true}, f.metrics.grants)
}

func TestPermissionDenialFinalizesGracefully(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "partial answer"}
	stream <- AgentEvent{
		Type:       AgentEventToolCallStart,
		ToolCallID: "call-1",
		ToolName:   "write_file",
		ServerName: "fs",
	}
	stream <- AgentEvent{
		Type:           AgentEventPermission,
		ToolCallID:     "call-1",
		ServerName:     "fs",
		PermissionType: PermissionWrite,
	}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	user := sendUser(t, f.manager, "write it")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	f.waitParked(t, assistant.ID)
	require.NoError(t, f.orch.ResolvePermission(context.Background(), assistant.ID, "call-1", false, false))

	final := f.waitStatus(t, assistant.ID, store.StatusSent)
	f.waitReleased(t, assistant.ID)

	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, "partial answer", blocks[0].(*ContentBlock).Text)
	require.Equal(t, BlockStatusDenied, blocks.FindPermission("call-1").Status)

	toolCall := blocks.FindToolCall("call-1")
	require.Equal(t, BlockStatusError, toolCall.Status)
	require.Equal(t, "permission denied by user", toolCall.Response)

	require.Equal(t, "denied", f.metrics.lastOutcome())
	require.Equal(t, 1, f.provider.stopCount())
}

func TestResolvePermissionErrors(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventToolCallStart, ToolCallID: "call-1", ServerName: "fs"}
	stream <- AgentEvent{Type: AgentEventPermission, ToolCallID: "call-1", ServerName: "fs", PermissionType: PermissionWrite}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	user := sendUser(t, f.manager, "go")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)
	f.waitParked(t, assistant.ID)

	err = f.orch.ResolvePermission(context.Background(), assistant.ID, "no-such-call", true, false)
	require.True(t, errors.Is(err, ErrBlockNotFound))

	require.NoError(t, f.orch.ResolvePermission(context.Background(), assistant.ID, "call-1", false, false))
	f.waitReleased(t, assistant.ID)

	// Second resolution after release classifies against the stored body.
	err = f.orch.ResolvePermission(context.Background(), assistant.ID, "call-1", true, false)
	require.True(t, errors.Is(err, ErrAlreadyResolved))

	err = f.orch.ResolvePermission(context.Background(), "no-such-message", "call-1", true, false)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStopMessage(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "partial"}

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		blocks, err := ParseBlocks(f.message(t, assistant.ID).Content)
		return err == nil && len(blocks) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.StopMessage(context.Background(), assistant.ID))
	close(stream)

	// A user stop lands in error status with the partial content kept.
	final := f.waitStatus(t, assistant.ID, store.StatusError)
	f.waitReleased(t, assistant.ID)

	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, "partial", blocks[0].(*ContentBlock).Text)
	require.Equal(t, BlockStatusSuccess, blocks[0].(*ContentBlock).Status)

	require.Equal(t, "stopped", f.metrics.lastOutcome())
	require.Equal(t, 1, f.provider.stopCount())

	// Idempotent after release.
	require.NoError(t, f.orch.StopMessage(context.Background(), assistant.ID))
	require.Equal(t, []string{"stopped"}, f.metrics.outcomes)
}

func TestStopDrainsProviderEvents(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "partial"}

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		blocks, err := ParseBlocks(f.message(t, assistant.ID).Content)
		return err == nil && len(blocks) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.StopMessage(context.Background(), assistant.ID))
	f.waitStatus(t, assistant.ID, store.StatusError)
	f.waitReleased(t, assistant.ID)

	// A producer still emitting past the channel buffer must not block
	// after the stop; the consumer keeps draining until close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			stream <- AgentEvent{Type: AgentEventContent, Text: "late"}
		}
		close(stream)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked sending after stop")
	}

	// Late events never reach the stored message.
	blocks, err := ParseBlocks(f.message(t, assistant.ID).Content)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "partial", blocks[0].(*ContentBlock).Text)
}

func TestStopDeniesParkedPermission(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventToolCallStart, ToolCallID: "call-1", ServerName: "fs"}
	stream <- AgentEvent{Type: AgentEventPermission, ToolCallID: "call-1", ServerName: "fs", PermissionType: PermissionWrite}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	user := sendUser(t, f.manager, "go")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)
	f.waitParked(t, assistant.ID)

	require.NoError(t, f.orch.StopMessage(context.Background(), assistant.ID))
	final := f.waitStatus(t, assistant.ID, store.StatusError)

	blocks, err := ParseBlocks(final.Content)
	require.NoError(t, err)
	require.Equal(t, BlockStatusDenied, blocks.FindPermission("call-1").Status)
}

func TestStopConversation(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.provider.queue()
	f.provider.queue()

	first, err := f.orch.Start(context.Background(), sendUser(t, f.manager, "one"))
	require.NoError(t, err)
	second, err := f.orch.Start(context.Background(), sendUser(t, f.manager, "two"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.orch.ActiveGenerations()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.StopConversation(context.Background(), "c1"))

	f.waitStatus(t, first.ID, store.StatusError)
	f.waitStatus(t, second.ID, store.StatusError)
	require.Empty(t, f.orch.ActiveGenerations())
}

func TestFinalizePersistenceFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	stream := f.provider.queue()

	user := sendUser(t, f.manager, "question")
	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.provider.requests()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.driver.UpdateMessageErr = errors.New("disk full")
	stream <- AgentEvent{Type: AgentEventContent, Text: "doomed"}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	require.Eventually(t, func() bool {
		return f.metrics.lastOutcome() == "persistence_failure"
	}, 5*time.Second, 10*time.Millisecond)
	f.waitReleased(t, assistant.ID)
}

func TestSearchDegradesOnFailure(t *testing.T) {
	search := &fakeSearch{err: errors.New("metasearch down")}
	f := newOrchestratorFixture(t, WithSearch(search))

	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "answer without web"}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	content, err := (&UserContent{Text: "latest news", Search: true}).Encode()
	require.NoError(t, err)
	user, err := f.manager.Send(context.Background(), SendRequest{ConversationID: "c1", Role: store.RoleUser, Content: content})
	require.NoError(t, err)

	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)

	f.waitStatus(t, assistant.ID, store.StatusSent)
	require.Equal(t, []bool{false}, f.metrics.searches)
}

func TestSearchDigestInPrompt(t *testing.T) {
	search := &fakeSearch{results: []SearchResult{
		{Rank: 1, Title: "Result", URL: "https://example.com", Content: "full text"},
	}}
	f := newOrchestratorFixture(t, WithSearch(search))

	stream := f.provider.queue()
	stream <- AgentEvent{Type: AgentEventContent, Text: "grounded answer"}
	stream <- AgentEvent{Type: AgentEventEnd}
	close(stream)

	content, err := (&UserContent{Text: "latest news", Search: true}).Encode()
	require.NoError(t, err)
	user, err := f.manager.Send(context.Background(), SendRequest{ConversationID: "c1", Role: store.RoleUser, Content: content})
	require.NoError(t, err)

	assistant, err := f.orch.Start(context.Background(), user)
	require.NoError(t, err)
	f.waitStatus(t, assistant.ID, store.StatusSent)

	requests := f.provider.requests()
	require.Len(t, requests, 1)
	digest := ""
	for _, p := range requests[0].Context {
		if p.Role == "system" {
			digest += p.Content
		}
	}
	require.Contains(t, digest, "Web search results")
	require.Contains(t, digest, "https://example.com")
	require.Contains(t, digest, "full text")
	require.Equal(t, []bool{true}, f.metrics.searches)
}
