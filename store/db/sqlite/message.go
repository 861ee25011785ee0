package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	metadata, err := json.Marshal(orEmptyMap(create.Metadata))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}
	var usage any
	if create.Usage != nil {
		raw, err := json.Marshal(create.Usage)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal usage")
		}
		usage = string(raw)
	}
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = create.CreatedTs

	stmt := `INSERT INTO message (id, conversation_id, role, content, status, usage, parent_id, order_seq, is_context_edge, is_variant, metadata, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.ConversationID, create.Role, create.Content, create.Status, usage,
		create.ParentID, create.OrderSeq, create.IsContextEdge, create.IsVariant, string(metadata),
		create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}
	return create, nil
}

func (d *DB) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	list, err := d.ListMessages(ctx, &store.FindMessage{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, *find.Role)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}
	if find.ParentID != nil {
		where, args = append(where, "parent_id = ?"), append(args, *find.ParentID)
	}

	query := `SELECT id, conversation_id, role, content, status, usage, parent_id, order_seq, is_context_edge, is_variant, metadata, created_ts, updated_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY order_seq ASC`
	if find.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, find.Limit, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := []*store.Message{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "row iteration failed")
	}
	return list, nil
}

func (d *DB) ListMessageIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM message WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list message ids")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan message id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) (*store.Message, error) {
	set, args := []string{}, []any{}
	if update.Content != nil {
		set, args = append(set, "content = ?"), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Usage != nil {
		raw, err := json.Marshal(update.Usage)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal usage")
		}
		set, args = append(set, "usage = ?"), append(args, string(raw))
	}
	if update.IsContextEdge != nil {
		set, args = append(set, "is_context_edge = ?"), append(args, *update.IsContextEdge)
	}
	if update.IsVariant != nil {
		set, args = append(set, "is_variant = ?"), append(args, *update.IsVariant)
	}
	if update.Metadata != nil {
		metadata, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal metadata")
		}
		set, args = append(set, "metadata = ?"), append(args, string(metadata))
	}
	updatedTs := time.Now().Unix()
	if update.UpdatedTs != nil {
		updatedTs = *update.UpdatedTs
	}
	set, args = append(set, "updated_ts = ?"), append(args, updatedTs)
	args = append(args, update.ID)

	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}
	return d.GetMessage(ctx, update.ID)
}

func (d *DB) DeleteMessage(ctx context.Context, delete *store.DeleteMessage) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM message WHERE id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

func (d *DB) GetMaxOrderSeq(ctx context.Context, conversationID string) (int64, error) {
	var max sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(order_seq) FROM message WHERE conversation_id = ?`, conversationID).Scan(&max)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get max order seq")
	}
	return max.Int64, nil
}

func scanMessage(rows *sql.Rows) (*store.Message, error) {
	message := &store.Message{}
	var usage sql.NullString
	var metadata string
	if err := rows.Scan(
		&message.ID, &message.ConversationID, &message.Role, &message.Content, &message.Status,
		&usage, &message.ParentID, &message.OrderSeq, &message.IsContextEdge, &message.IsVariant,
		&metadata, &message.CreatedTs, &message.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan message")
	}
	if usage.Valid && usage.String != "" {
		message.Usage = &store.TokenUsage{}
		if err := json.Unmarshal([]byte(usage.String), message.Usage); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal usage")
		}
	}
	if err := json.Unmarshal([]byte(metadata), &message.Metadata); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal metadata")
	}
	return message, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
