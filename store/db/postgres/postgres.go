package postgres

import (
	"context"
	"database/sql"

	// Import the Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a Postgres connection with the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pgDB.SetMaxOpenConns(25)
	pgDB.SetMaxIdleConns(5)

	return &DB{db: pgDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversation (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		is_new BOOLEAN NOT NULL DEFAULT TRUE,
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		settings JSONB NOT NULL DEFAULT '{}',
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		usage JSONB,
		parent_id TEXT NOT NULL DEFAULT '',
		order_seq BIGINT NOT NULL,
		is_context_edge BOOLEAN NOT NULL DEFAULT FALSE,
		is_variant BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation_order ON message (conversation_id, order_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_message_parent ON message (parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_message_status ON message (status)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}
