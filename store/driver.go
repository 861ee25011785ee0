package store

import (
	"context"
	"database/sql"
)

// Driver is the interface a storage backend implements. Find/Get methods
// return (nil, nil) when nothing matches; errors are reserved for backend
// failures.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, delete *DeleteConversation) error

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	ListMessageIDs(ctx context.Context, conversationID string) ([]string, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error)
	DeleteMessage(ctx context.Context, delete *DeleteMessage) error
	GetMaxOrderSeq(ctx context.Context, conversationID string) (int64, error)
}
