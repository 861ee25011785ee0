package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxchat/flux/chat"
	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/metrics"
	"github.com/fluxchat/flux/store"
	"github.com/fluxchat/flux/store/storetest"
)

// scriptedProvider replays one canned event stream per OpenStream call.
type scriptedProvider struct {
	script []chat.AgentEvent
}

func (p *scriptedProvider) OpenStream(_ context.Context, _ chat.StreamRequest) (<-chan chat.AgentEvent, error) {
	ch := make(chan chat.AgentEvent, len(p.script))
	for _, event := range p.script {
		ch <- event
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Stop(string) {}

func newTestServer(t *testing.T) (*Server, *chat.Manager) {
	t.Helper()
	st := store.New(storetest.NewDriver())
	manager := chat.NewManager(st, chat.NewEventBus(), nil)
	provider := &scriptedProvider{script: []chat.AgentEvent{
		{Type: chat.AgentEventContent, Text: "hello"},
		{Type: chat.AgentEventEnd},
	}}
	orch := chat.NewOrchestrator(manager, provider)

	s := NewServer(
		&profile.Profile{Mode: "dev", Port: 0},
		st,
		manager,
		orch,
		metrics.NewExporter(metrics.DefaultConfig()),
	)
	return s, manager
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestConversationEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", `{"title":"demo"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "demo", created.Title)
	require.NotEmpty(t, created.ID)
	require.True(t, created.IsNew)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/conversations/"+created.ID, `{"title":"renamed","pinned":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, "renamed", updated.Title)
	require.True(t, updated.Pinned)

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/conversations/missing", `{"title":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/conversations/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSendMessageEndpoint(t *testing.T) {
	s, manager := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", `{"title":"demo"}`)
	var conversation store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversation))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/conversations/"+conversation.ID+"/messages", `{"text":"hi there"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		UserMessage      *store.Message `json:"userMessage"`
		AssistantMessage *store.Message `json:"assistantMessage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, store.RoleUser, resp.UserMessage.Role)
	require.Equal(t, store.RoleAssistant, resp.AssistantMessage.Role)
	require.Equal(t, resp.UserMessage.ID, resp.AssistantMessage.ParentID)

	// The scripted stream completes the assistant message.
	require.Eventually(t, func() bool {
		msg, err := manager.Store().GetMessage(context.Background(), resp.AssistantMessage.ID)
		return err == nil && msg != nil && msg.Status == store.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+conversation.ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var thread struct {
		Messages []*store.Message `json:"messages"`
		Total    int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &thread))
	require.Equal(t, int64(2), thread.Total)
	require.Len(t, thread.Messages, 2)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations/missing/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPermissionEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/messages/m1/permission", `{"granted":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/messages/m1/permission", `{"toolCallId":"call-1","granted":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryEndpointRejectsUserMessage(t *testing.T) {
	s, manager := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", `{"title":"demo"}`)
	var conversation store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversation))

	user, err := manager.Send(context.Background(), chat.SendRequest{
		ConversationID: conversation.ID,
		Role:           store.RoleUser,
		Content:        "hi",
	})
	require.NoError(t, err)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/messages/"+user.ID+"/retry", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
