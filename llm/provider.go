// Package llm implements the upstream stream provider over any
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/fluxchat/flux/chat"
)

// Config represents provider configuration.
type Config struct {
	Provider      string // deepseek, openai, siliconflow, ollama, openrouter
	Model         string
	ThinkingModel string // optional model used when the user toggles thinking
	APIKey        string
	BaseURL       string
	MaxTokens     int     // default: 2048
	Temperature   float32 // default: 0.7
	Timeout       int     // request timeout in seconds (default: 300)
}

// ToolCatalog lists the tools exposed to the model.
type ToolCatalog interface {
	ListTools() []chat.ToolSpec
}

// Provider implements chat.StreamProvider. One session per message id
// carries the agent loop state across permission parks.
type Provider struct {
	client      *openai.Client
	model       string
	thinking    string
	maxTokens   int
	temperature float32
	timeout     int

	runtime chat.ToolRuntime
	catalog ToolCatalog

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the retained agent loop state for one generation.
type session struct {
	messages []openai.ChatCompletionMessage
	pending  []toolCall
	model    string
	settings openaiSettings
	cancel   context.CancelFunc
}

type openaiSettings struct {
	maxTokens   int
	temperature float32
}

type toolCall struct {
	id     string
	name   string
	server string
	args   string
	params map[string]any
	spec   *chat.ToolSpec
}

// NewProvider creates a provider for the configured upstream.
func NewProvider(cfg *Config, runtime chat.ToolRuntime, catalog ToolCatalog) (*Provider, error) {
	if cfg.Model == "" {
		return nil, errors.New("model required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = newHTTPClient()

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "deepseek":
			baseURL = "https://api.deepseek.com"
		case "siliconflow":
			baseURL = "https://api.siliconflow.cn/v1"
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		case "ollama":
			baseURL = "http://localhost:11434/v1"
		case "openai", "":
			// library default
		default:
			slog.Info("using generic OpenAI-compatible provider", "provider", cfg.Provider)
		}
	}
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	return &Provider{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		thinking:    cfg.ThinkingModel,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		runtime:     runtime,
		catalog:     catalog,
		sessions:    make(map[string]*session),
	}, nil
}

// OpenStream starts or resumes the agent loop for one message. Events are
// delivered on the returned channel, which is closed when the loop exits
// or parks.
func (p *Provider) OpenStream(ctx context.Context, req chat.StreamRequest) (<-chan chat.AgentEvent, error) {
	p.mu.Lock()
	s, exists := p.sessions[req.MessageID]
	if req.Resume {
		if !exists {
			p.mu.Unlock()
			return nil, errors.Errorf("no session to resume for message %s", req.MessageID)
		}
	} else {
		if exists {
			p.mu.Unlock()
			return nil, errors.Errorf("session already open for message %s", req.MessageID)
		}
		s = &session{
			messages: convertPrompt(req.Context),
			model:    p.pickModel(req),
			settings: p.pickSettings(req),
		}
		p.sessions[req.MessageID] = s
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(p.timeout)*time.Second)
	s.cancel = cancel
	p.mu.Unlock()

	events := make(chan chat.AgentEvent, 16)
	go p.run(runCtx, req.MessageID, s, events)
	return events, nil
}

// Stop cancels the session for a message id, if any.
func (p *Provider) Stop(messageID string) {
	p.mu.Lock()
	s := p.sessions[messageID]
	delete(p.sessions, messageID)
	p.mu.Unlock()
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

func (p *Provider) pickModel(req chat.StreamRequest) string {
	if req.Settings.ModelID != "" {
		return req.Settings.ModelID
	}
	if req.Think && p.thinking != "" {
		return p.thinking
	}
	return p.model
}

func (p *Provider) pickSettings(req chat.StreamRequest) openaiSettings {
	s := openaiSettings{maxTokens: p.maxTokens, temperature: p.temperature}
	if req.Settings.MaxTokens > 0 {
		s.maxTokens = req.Settings.MaxTokens
	}
	if req.Settings.Temperature > 0 {
		s.temperature = req.Settings.Temperature
	}
	return s
}

// run drives completion rounds and tool execution until a final answer, a
// permission park, or an error. The events channel is always closed on
// exit; every path emits an end event first.
func (p *Provider) run(ctx context.Context, messageID string, s *session, events chan<- chat.AgentEvent) {
	defer close(events)

	// Granted calls left over from a park run first.
	if len(s.pending) > 0 {
		pending := s.pending
		s.pending = nil
		for i, call := range pending {
			if parked := p.gate(messageID, s, call, pending[i:], events); parked {
				return
			}
			p.execute(ctx, s, call, events)
		}
	}

	for {
		usage, calls, err := p.streamRound(ctx, s, events)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				p.drop(messageID)
				return
			}
			events <- chat.AgentEvent{Type: chat.AgentEventError, Text: fmt.Sprintf("upstream stream failed: %v", err)}
			events <- chat.AgentEvent{Type: chat.AgentEventEnd}
			p.drop(messageID)
			return
		}

		if len(calls) == 0 {
			end := chat.AgentEvent{Type: chat.AgentEventEnd}
			if usage != nil {
				end.PromptTokens = usage.PromptTokens
				end.OutputTokens = usage.CompletionTokens
			}
			events <- end
			p.drop(messageID)
			return
		}

		s.messages = append(s.messages, assistantToolCallMessage(calls))
		for i, call := range calls {
			if parked := p.gate(messageID, s, call, calls[i:], events); parked {
				return
			}
			p.execute(ctx, s, call, events)
		}
	}
}

// gate checks the tool permission. When the grant is missing it emits the
// permission request followed by end, retains the unexecuted calls on the
// session and reports parked.
func (p *Provider) gate(messageID string, s *session, call toolCall, remaining []toolCall, events chan<- chat.AgentEvent) bool {
	perm := chat.PermissionExecute
	if call.spec != nil {
		perm = call.spec.Permission
	}
	if perm == chat.PermissionRead {
		return false
	}
	if p.runtime != nil && p.runtime.HasPermission(call.server, perm) {
		return false
	}

	s.pending = remaining
	events <- chat.AgentEvent{
		Type:           chat.AgentEventPermission,
		ToolCallID:     call.id,
		ToolName:       call.name,
		ServerName:     call.server,
		Params:         call.params,
		PermissionType: perm,
		Description:    fmt.Sprintf("%s wants to %s via %s", call.server, perm, call.name),
	}
	events <- chat.AgentEvent{Type: chat.AgentEventEnd}
	slog.Info("tool call parked on permission", "message_id", messageID, "tool", call.name, "permission", perm)
	return true
}

// execute runs one tool call and appends its result to the session
// context.
func (p *Provider) execute(ctx context.Context, s *session, call toolCall, events chan<- chat.AgentEvent) {
	events <- chat.AgentEvent{
		Type:       chat.AgentEventToolCallStart,
		ToolCallID: call.id,
		ToolName:   call.name,
		ServerName: call.server,
		Params:     call.params,
	}

	var response string
	var err error
	if p.runtime == nil {
		err = errors.New("no tool runtime configured")
	} else {
		response, err = p.runtime.CallTool(ctx, call.server, call.name, call.params)
	}
	if err != nil {
		response = fmt.Sprintf("tool error: %v", err)
	}

	events <- chat.AgentEvent{
		Type:       chat.AgentEventToolCallEnd,
		ToolCallID: call.id,
		ToolName:   call.name,
		ServerName: call.server,
		Response:   response,
		ToolErr:    err != nil,
	}

	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    response,
		ToolCallID: call.id,
	})
}

// streamRound performs one streaming completion, emitting text deltas and
// accumulating tool call fragments.
func (p *Provider) streamRound(ctx context.Context, s *session, events chan<- chat.AgentEvent) (*openai.Usage, []toolCall, error) {
	req := openai.ChatCompletionRequest{
		Model:         s.model,
		MaxTokens:     s.settings.maxTokens,
		Temperature:   s.settings.temperature,
		Messages:      s.messages,
		Tools:         p.openaiTools(),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create stream failed")
	}
	defer func() { _ = stream.Close() }()

	var usage *openai.Usage
	var content strings.Builder
	accum := map[int]*toolCall{}
	finish := openai.FinishReason("")

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF") {
				break
			}
			return usage, nil, errors.Wrap(err, "stream recv failed")
		}

		if response.Usage != nil && response.Usage.TotalTokens > 0 {
			usage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			events <- chat.AgentEvent{Type: chat.AgentEventReasoning, Text: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			events <- chat.AgentEvent{Type: chat.AgentEventContent, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := accum[idx]
			if !ok {
				call = &toolCall{}
				accum[idx] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name += tc.Function.Name
			}
			call.args += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	if content.Len() > 0 && len(accum) == 0 {
		s.messages = append(s.messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content.String(),
		})
	}

	if finish != openai.FinishReasonToolCalls && len(accum) == 0 {
		return usage, nil, nil
	}

	indexes := make([]int, 0, len(accum))
	for idx := range accum {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]toolCall, 0, len(accum))
	for _, idx := range indexes {
		call := *accum[idx]
		if call.id == "" {
			call.id = uuid.NewString()
		}
		call.server, call.name = splitToolName(call.name)
		call.params = map[string]any{}
		if call.args != "" {
			if err := json.Unmarshal([]byte(call.args), &call.params); err != nil {
				slog.Warn("unparsable tool arguments", "tool", call.name, "error", err)
			}
		}
		call.spec = p.findSpec(call.server, call.name)
		calls = append(calls, call)
	}
	return usage, calls, nil
}

func (p *Provider) drop(messageID string) {
	p.mu.Lock()
	delete(p.sessions, messageID)
	p.mu.Unlock()
}

func (p *Provider) openaiTools() []openai.Tool {
	if p.catalog == nil {
		return nil
	}
	specs := p.catalog.ListTools()
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        joinToolName(spec.ServerName, spec.Name),
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func (p *Provider) findSpec(server, name string) *chat.ToolSpec {
	if p.catalog == nil {
		return nil
	}
	for _, spec := range p.catalog.ListTools() {
		if spec.ServerName == server && spec.Name == name {
			s := spec
			return &s
		}
	}
	return nil
}

// Tool names are exposed to the model as "server__tool" so the executing
// server survives the round trip.
func joinToolName(server, name string) string {
	if server == "" {
		return name
	}
	return server + "__" + name
}

func splitToolName(full string) (server, name string) {
	if i := strings.Index(full, "__"); i > 0 {
		return full[:i], full[i+2:]
	}
	return "", full
}

func assistantToolCallMessage(calls []toolCall) openai.ChatCompletionMessage {
	toolCalls := make([]openai.ToolCall, 0, len(calls))
	for _, call := range calls {
		toolCalls = append(toolCalls, openai.ToolCall{
			ID:   call.id,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      joinToolName(call.server, call.name),
				Arguments: call.args,
			},
		})
	}
	return openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		ToolCalls: toolCalls,
	}
}

func convertPrompt(messages []chat.PromptMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
