// Package storetest provides an in-memory store.Driver for tests.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

// Driver keeps everything in maps. Injectable errors let tests exercise
// persistence failure paths.
type Driver struct {
	mu            sync.Mutex
	conversations map[string]*store.Conversation
	messages      map[string]*store.Message

	// When set, the named operations fail with this error.
	UpdateMessageErr error
	CreateMessageErr error
}

func NewDriver() *Driver {
	return &Driver{
		conversations: map[string]*store.Conversation{},
		messages:      map[string]*store.Message{},
	}
}

func (d *Driver) GetDB() *sql.DB { return nil }

func (d *Driver) Close() error { return nil }

func (d *Driver) Migrate(ctx context.Context) error { return nil }

func (d *Driver) CreateConversation(_ context.Context, create *store.Conversation) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	create.UpdatedTs = create.CreatedTs
	clone := *create
	d.conversations[create.ID] = &clone
	return create, nil
}

func (d *Driver) ListConversations(_ context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Conversation{}
	for _, c := range d.conversations {
		if find.ID != nil && c.ID != *find.ID {
			continue
		}
		if find.Pinned != nil && c.Pinned != *find.Pinned {
			continue
		}
		clone := *c
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedTs > list[j].UpdatedTs })
	return list, nil
}

func (d *Driver) UpdateConversation(_ context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[update.ID]
	if !ok {
		return nil, nil
	}
	if update.Title != nil {
		c.Title = *update.Title
	}
	if update.IsNew != nil {
		c.IsNew = *update.IsNew
	}
	if update.Pinned != nil {
		c.Pinned = *update.Pinned
	}
	if update.Settings != nil {
		c.Settings = *update.Settings
	}
	c.UpdatedTs = time.Now().Unix()
	if update.UpdatedTs != nil {
		c.UpdatedTs = *update.UpdatedTs
	}
	clone := *c
	return &clone, nil
}

func (d *Driver) DeleteConversation(_ context.Context, del *store.DeleteConversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, m := range d.messages {
		if m.ConversationID == del.ID {
			delete(d.messages, id)
		}
	}
	delete(d.conversations, del.ID)
	return nil
}

func (d *Driver) CreateMessage(_ context.Context, create *store.Message) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateMessageErr != nil {
		return nil, d.CreateMessageErr
	}
	if _, ok := d.messages[create.ID]; ok {
		return nil, errors.Errorf("duplicate message id: %s", create.ID)
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	create.UpdatedTs = create.CreatedTs
	clone := *create
	d.messages[create.ID] = &clone
	return create, nil
}

func (d *Driver) GetMessage(_ context.Context, id string) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (d *Driver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Message{}
	for _, m := range d.messages {
		if find.ID != nil && m.ID != *find.ID {
			continue
		}
		if find.ConversationID != nil && m.ConversationID != *find.ConversationID {
			continue
		}
		if find.Role != nil && m.Role != *find.Role {
			continue
		}
		if find.Status != nil && m.Status != *find.Status {
			continue
		}
		if find.ParentID != nil && m.ParentID != *find.ParentID {
			continue
		}
		clone := *m
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].OrderSeq < list[j].OrderSeq })
	if find.Limit > 0 {
		if find.Offset >= len(list) {
			return []*store.Message{}, nil
		}
		end := find.Offset + find.Limit
		if end > len(list) {
			end = len(list)
		}
		list = list[find.Offset:end]
	}
	return list, nil
}

func (d *Driver) ListMessageIDs(_ context.Context, conversationID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := []string{}
	for _, m := range d.messages {
		if m.ConversationID == conversationID {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (d *Driver) CountMessages(_ context.Context, conversationID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var count int64
	for _, m := range d.messages {
		if m.ConversationID == conversationID {
			count++
		}
	}
	return count, nil
}

func (d *Driver) UpdateMessage(_ context.Context, update *store.UpdateMessage) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UpdateMessageErr != nil {
		return nil, d.UpdateMessageErr
	}
	m, ok := d.messages[update.ID]
	if !ok {
		return nil, nil
	}
	if update.Content != nil {
		m.Content = *update.Content
	}
	if update.Status != nil {
		m.Status = *update.Status
	}
	if update.Usage != nil {
		usage := *update.Usage
		m.Usage = &usage
	}
	if update.IsContextEdge != nil {
		m.IsContextEdge = *update.IsContextEdge
	}
	if update.IsVariant != nil {
		m.IsVariant = *update.IsVariant
	}
	if update.Metadata != nil {
		m.Metadata = update.Metadata
	}
	m.UpdatedTs = time.Now().Unix()
	if update.UpdatedTs != nil {
		m.UpdatedTs = *update.UpdatedTs
	}
	clone := *m
	return &clone, nil
}

func (d *Driver) DeleteMessage(_ context.Context, del *store.DeleteMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.messages, del.ID)
	return nil
}

func (d *Driver) GetMaxOrderSeq(_ context.Context, conversationID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var max int64
	for _, m := range d.messages {
		if m.ConversationID == conversationID && m.OrderSeq > max {
			max = m.OrderSeq
		}
	}
	return max, nil
}
