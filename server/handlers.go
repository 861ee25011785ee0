package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/fluxchat/flux/chat"
	"github.com/fluxchat/flux/store"
)

// httpError maps core errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrInvalidRole):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrBlockNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrGenerationExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type createConversationRequest struct {
	Title    string                      `json:"title"`
	Settings *store.ConversationSettings `json:"settings"`
}

func (s *Server) createConversation(c echo.Context) error {
	req := &createConversationRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conversation := &store.Conversation{
		ID:    shortuuid.New(),
		Title: req.Title,
		IsNew: true,
	}
	if req.Settings != nil {
		conversation.Settings = *req.Settings
	}
	created, err := s.Store.CreateConversation(c.Request().Context(), conversation)
	if err != nil {
		return httpError(err)
	}
	s.bus.Publish(c.Request().Context(), &chat.Event{Topic: chat.TopicConversationListUpdated, ConversationID: created.ID})
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listConversations(c echo.Context) error {
	find := &store.FindConversation{}
	if pinned := c.QueryParam("pinned"); pinned != "" {
		v := pinned == "true"
		find.Pinned = &v
	}
	list, err := s.Store.ListConversations(c.Request().Context(), find)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

type updateConversationRequest struct {
	Title    *string                     `json:"title"`
	Pinned   *bool                       `json:"pinned"`
	Settings *store.ConversationSettings `json:"settings"`
}

func (s *Server) updateConversation(c echo.Context) error {
	req := &updateConversationRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := c.Param("id")
	updated, err := s.Store.UpdateConversation(c.Request().Context(), &store.UpdateConversation{
		ID:       id,
		Title:    req.Title,
		Pinned:   req.Pinned,
		Settings: req.Settings,
	})
	if err != nil {
		return httpError(err)
	}
	if updated == nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	s.bus.Publish(c.Request().Context(), &chat.Event{Topic: chat.TopicConversationListUpdated, ConversationID: id})
	return c.JSON(http.StatusOK, updated)
}

// deleteConversation stops any in-flight generations first so no worker
// keeps writing into deleted rows.
func (s *Server) deleteConversation(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	if err := s.orch.StopConversation(ctx, id); err != nil {
		return httpError(err)
	}
	if err := s.Store.DeleteConversation(ctx, &store.DeleteConversation{ID: id}); err != nil {
		return httpError(err)
	}
	s.bus.Publish(ctx, &chat.Event{Topic: chat.TopicConversationListUpdated, ConversationID: id})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopConversation(c echo.Context) error {
	if err := s.orch.StopConversation(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text     string         `json:"text"`
	Files    []chat.FileRef `json:"files,omitempty"`
	Search   bool           `json:"search,omitempty"`
	Think    bool           `json:"think,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sendMessageResponse struct {
	UserMessage      *store.Message `json:"userMessage"`
	AssistantMessage *store.Message `json:"assistantMessage"`
}

// sendMessage appends the user message and starts the assistant
// generation for it.
func (s *Server) sendMessage(c echo.Context) error {
	req := &sendMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	content, err := (&chat.UserContent{
		Text:   req.Text,
		Files:  req.Files,
		Search: req.Search,
		Think:  req.Think,
	}).Encode()
	if err != nil {
		return httpError(err)
	}

	userMessage, err := s.manager.Send(ctx, chat.SendRequest{
		ConversationID: c.Param("id"),
		Role:           store.RoleUser,
		Content:        content,
		ParentID:       req.ParentID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return httpError(err)
	}

	assistant, err := s.orch.Start(ctx, userMessage)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, &sendMessageResponse{
		UserMessage:      userMessage,
		AssistantMessage: assistant,
	})
}

func (s *Server) getThread(c echo.Context) error {
	page := intQueryParam(c, "page", 1)
	pageSize := intQueryParam(c, "pageSize", 50)
	messages, total, err := s.manager.GetThread(c.Request().Context(), c.Param("id"), page, pageSize)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"messages": messages,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(c echo.Context) error {
	req := &editMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := s.manager.Edit(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteMessage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.orch.StopMessage(ctx, id); err != nil {
		return httpError(err)
	}
	if err := s.manager.Delete(ctx, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type retryMessageRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// retryMessage creates a variant sibling and generates into it.
func (s *Server) retryMessage(c echo.Context) error {
	req := &retryMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	variant, err := s.manager.Retry(ctx, c.Param("id"), req.Metadata)
	if err != nil {
		return httpError(err)
	}
	if err := s.orch.StartForMessage(ctx, variant); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, variant)
}

func (s *Server) stopMessage(c echo.Context) error {
	if err := s.orch.StopMessage(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type resolvePermissionRequest struct {
	ToolCallID string `json:"toolCallId"`
	Granted    bool   `json:"granted"`
	Remember   bool   `json:"remember,omitempty"`
}

func (s *Server) resolvePermission(c echo.Context) error {
	req := &resolvePermissionRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ToolCallID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "toolCallId required")
	}
	err := s.orch.ResolvePermission(c.Request().Context(), c.Param("id"), req.ToolCallID, req.Granted, req.Remember)
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type contextEdgeRequest struct {
	Edge bool `json:"edge"`
}

func (s *Server) markContextEdge(c echo.Context) error {
	req := &contextEdgeRequest{Edge: true}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := s.manager.MarkContextEdge(c.Request().Context(), c.Param("id"), req.Edge)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type updateMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) updateMetadata(c echo.Context) error {
	req := &updateMetadataRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := s.manager.UpdateMetadata(c.Request().Context(), c.Param("id"), req.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) getVariants(c echo.Context) error {
	variants, err := s.manager.GetVariants(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, variants)
}

func intQueryParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return fallback
		}
		v = v*10 + int(r-'0')
	}
	if v == 0 {
		return fallback
	}
	return v
}
