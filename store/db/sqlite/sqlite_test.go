package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/store"
)

func newTestDriver(t *testing.T) store.Driver {
	t.Helper()
	driver, err := NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "flux_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	return driver
}

func TestConversationCRUD(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	created, err := driver.CreateConversation(ctx, &store.Conversation{
		ID:    "c1",
		Title: "first",
		IsNew: true,
		Settings: store.ConversationSettings{
			SystemPrompt: "be concise",
			Temperature:  0.5,
		},
	})
	require.NoError(t, err)
	require.NotZero(t, created.CreatedTs)

	id := "c1"
	list, err := driver.ListConversations(ctx, &store.FindConversation{ID: &id})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "first", list[0].Title)
	require.True(t, list[0].IsNew)
	require.Equal(t, "be concise", list[0].Settings.SystemPrompt)

	title, pinned := "renamed", true
	updated, err := driver.UpdateConversation(ctx, &store.UpdateConversation{ID: "c1", Title: &title, Pinned: &pinned})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.True(t, updated.Pinned)

	pinnedOnly, err := driver.ListConversations(ctx, &store.FindConversation{Pinned: &pinned})
	require.NoError(t, err)
	require.Len(t, pinnedOnly, 1)

	require.NoError(t, driver.DeleteConversation(ctx, &store.DeleteConversation{ID: "c1"}))
	list, err = driver.ListConversations(ctx, &store.FindConversation{ID: &id})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMessageCRUD(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	_, err := driver.CreateConversation(ctx, &store.Conversation{ID: "c1"})
	require.NoError(t, err)

	_, err = driver.CreateMessage(ctx, &store.Message{
		ID:             "m1",
		ConversationID: "c1",
		Role:           store.RoleUser,
		Content:        "hello",
		Status:         store.StatusSent,
		OrderSeq:       1,
	})
	require.NoError(t, err)

	_, err = driver.CreateMessage(ctx, &store.Message{
		ID:             "m2",
		ConversationID: "c1",
		Role:           store.RoleAssistant,
		Content:        "[]",
		Status:         store.StatusPending,
		ParentID:       "m1",
		OrderSeq:       2,
		Metadata:       map[string]any{"model": "deepseek-chat"},
	})
	require.NoError(t, err)

	got, err := driver.GetMessage(ctx, "m2")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, store.RoleAssistant, got.Role)
	require.Equal(t, "m1", got.ParentID)
	require.Equal(t, "deepseek-chat", got.Metadata["model"])
	require.Nil(t, got.Usage)

	missing, err := driver.GetMessage(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	content := `[{"type":"content","text":"hi","status":"success"}]`
	status := store.StatusSent
	updated, err := driver.UpdateMessage(ctx, &store.UpdateMessage{
		ID:      "m2",
		Content: &content,
		Status:  &status,
		Usage:   &store.TokenUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	})
	require.NoError(t, err)
	require.Equal(t, content, updated.Content)
	require.Equal(t, store.StatusSent, updated.Status)
	require.NotNil(t, updated.Usage)
	require.Equal(t, 12, updated.Usage.PromptTokens)

	require.NoError(t, driver.DeleteMessage(ctx, &store.DeleteMessage{ID: "m1"}))
	gone, err := driver.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestListMessagesFiltersAndPaging(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	_, err := driver.CreateConversation(ctx, &store.Conversation{ID: "c1"})
	require.NoError(t, err)

	for i, role := range []store.Role{store.RoleUser, store.RoleAssistant, store.RoleUser, store.RoleAssistant} {
		status := store.StatusSent
		if role == store.RoleAssistant {
			status = store.StatusPending
		}
		_, err := driver.CreateMessage(ctx, &store.Message{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "c1",
			Role:           role,
			Status:         status,
			OrderSeq:       int64(i + 1),
		})
		require.NoError(t, err)
	}

	conversationID := "c1"
	all, err := driver.ListMessages(ctx, &store.FindMessage{ConversationID: &conversationID})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "m1", all[0].ID)
	require.Equal(t, "m4", all[3].ID)

	role, status := store.RoleAssistant, store.StatusPending
	pending, err := driver.ListMessages(ctx, &store.FindMessage{Role: &role, Status: &status})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	page, err := driver.ListMessages(ctx, &store.FindMessage{ConversationID: &conversationID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "m3", page[0].ID)

	ids, err := driver.ListMessageIDs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, ids, 4)

	count, err := driver.CountMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(4), count)
}

func TestGetMaxOrderSeq(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	max, err := driver.GetMaxOrderSeq(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(0), max)

	_, err = driver.CreateMessage(ctx, &store.Message{ID: "m1", ConversationID: "c1", Role: store.RoleUser, Status: store.StatusSent, OrderSeq: 7})
	require.NoError(t, err)

	max, err = driver.GetMaxOrderSeq(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(7), max)
}

func TestDeleteConversationCascades(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	_, err := driver.CreateConversation(ctx, &store.Conversation{ID: "c1"})
	require.NoError(t, err)
	_, err = driver.CreateMessage(ctx, &store.Message{ID: "m1", ConversationID: "c1", Role: store.RoleUser, Status: store.StatusSent, OrderSeq: 1})
	require.NoError(t, err)

	require.NoError(t, driver.DeleteConversation(ctx, &store.DeleteConversation{ID: "c1"}))

	count, err := driver.CountMessages(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, count)
}
