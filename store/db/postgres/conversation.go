package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	settings, err := json.Marshal(create.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal settings")
	}
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = create.CreatedTs

	stmt := `INSERT INTO conversation (id, title, is_new, pinned, settings, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Title, create.IsNew, create.Pinned, string(settings), create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"TRUE"}, []any{}
	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if find.Pinned != nil {
		args = append(args, *find.Pinned)
		where = append(where, fmt.Sprintf("pinned = $%d", len(args)))
	}

	query := `SELECT id, title, is_new, pinned, settings, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY pinned DESC, updated_ts DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := []*store.Conversation{}
	for rows.Next() {
		conversation := &store.Conversation{}
		var settings string
		if err := rows.Scan(
			&conversation.ID, &conversation.Title, &conversation.IsNew, &conversation.Pinned,
			&settings, &conversation.CreatedTs, &conversation.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		if err := json.Unmarshal([]byte(settings), &conversation.Settings); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal settings")
		}
		list = append(list, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "row iteration failed")
	}
	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}
	if update.Title != nil {
		args = append(args, *update.Title)
		set = append(set, fmt.Sprintf("title = $%d", len(args)))
	}
	if update.IsNew != nil {
		args = append(args, *update.IsNew)
		set = append(set, fmt.Sprintf("is_new = $%d", len(args)))
	}
	if update.Pinned != nil {
		args = append(args, *update.Pinned)
		set = append(set, fmt.Sprintf("pinned = $%d", len(args)))
	}
	if update.Settings != nil {
		settings, err := json.Marshal(update.Settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal settings")
		}
		args = append(args, string(settings))
		set = append(set, fmt.Sprintf("settings = $%d", len(args)))
	}
	updatedTs := time.Now().Unix()
	if update.UpdatedTs != nil {
		updatedTs = *update.UpdatedTs
	}
	args = append(args, updatedTs)
	set = append(set, fmt.Sprintf("updated_ts = $%d", len(args)))
	args = append(args, update.ID)

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + fmt.Sprintf(` WHERE id = $%d`, len(args))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}

	list, err := d.ListConversations(ctx, &store.FindConversation{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) DeleteConversation(ctx context.Context, delete *store.DeleteConversation) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM message WHERE conversation_id = $1`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete conversation messages")
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = $1`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	return nil
}
