package dedup

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

const createProcessedMessages = `
CREATE TABLE IF NOT EXISTS processed_messages (
  message_id   TEXT PRIMARY KEY,
  job_type     TEXT NOT NULL,
  processed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at
  ON processed_messages (processed_at);
`

// DBTX is the subset of *sql.DB the store needs.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type PostgresStore struct {
	db    DBTX
	owned *sql.DB
}

// OpenPostgres connects to databaseURL, makes sure the table exists and returns a
// store that closes the connection on Close.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, createProcessedMessages); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db, owned: db}, nil
}

// NewPostgresStore uses an existing connection, which the caller keeps owning.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)",
		messageID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, messageID, jobType string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, job_type, processed_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (message_id) DO NOTHING`,
		messageID, jobType, time.Now(),
	)
	return err
}

func (p *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM processed_messages WHERE processed_at < $1",
		time.Now().Add(-olderThan),
	)
	return err
}

func (p *PostgresStore) Close() error {
	if p.owned == nil {
		// connection is managed elsewhere
		return nil
	}
	return p.owned.Close()
}
