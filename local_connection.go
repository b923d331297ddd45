package sqsjobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

const (
	localTable = "sqsjobs_messages_v1"

	DefaultRedeliveryWindow = 60 * time.Second
	DefaultDeadLetterAfter  = 10

	sqliteBusy = 5
)

const localSchema = `
CREATE TABLE IF NOT EXISTS sqsjobs_messages_v1 (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  queue_name       TEXT NOT NULL,
  receipt_handle   TEXT NOT NULL,
  deliver_after    INTEGER NOT NULL,
  times_delivered  INTEGER NOT NULL DEFAULT 0,
  last_delivery_at INTEGER NOT NULL,
  visible          INTEGER NOT NULL DEFAULT 1,
  sent_at          INTEGER NOT NULL,
  body             TEXT NOT NULL,
  attributes_json  TEXT
);
CREATE INDEX IF NOT EXISTS idx_sqsjobs_messages_v1_receipt_handle
  ON sqsjobs_messages_v1 (receipt_handle);
CREATE INDEX IF NOT EXISTS idx_sqsjobs_messages_v1_queue_name
  ON sqsjobs_messages_v1 (queue_name);
`

// LocalConnection emulates an SQS queue on top of a SQLite file, so workers can run
// without network access. Several processes may share one file: every write goes
// through a BEGIN IMMEDIATE transaction which serializes writers on the database lock.
type LocalConnection struct {
	db               *sql.DB
	queue            string
	redeliveryWindow time.Duration
	deadLetterAfter  int
	nowFn            func() time.Time
	logger           zerolog.Logger
}

type LocalOption func(*LocalConnection)

func WithLocalLogger(l zerolog.Logger) LocalOption {
	return func(c *LocalConnection) { c.logger = l }
}

// WithRedeliveryWindow sets how long a received message stays invisible.
func WithRedeliveryWindow(d time.Duration) LocalOption {
	return func(c *LocalConnection) { c.redeliveryWindow = d }
}

// WithDeadLetterAfter sets the delivery count at which a message is purged.
func WithDeadLetterAfter(n int) LocalOption {
	return func(c *LocalConnection) { c.deadLetterAfter = n }
}

func WithLocalClock(now func() time.Time) LocalOption {
	return func(c *LocalConnection) { c.nowFn = now }
}

func NewLocalConnection(path, queue string, opts ...LocalOption) (*LocalConnection, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("local connection: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local queue: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &LocalConnection{
		db:               db,
		queue:            queue,
		redeliveryWindow: DefaultRedeliveryWindow,
		deadLetterAfter:  DefaultDeadLetterAfter,
		nowFn:            time.Now,
		logger:           log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	err = c.withWriteTx(context.Background(), func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, localSchema)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create local queue schema: %w", err)
	}
	return c, nil
}

func (c *LocalConnection) Close() error {
	return c.db.Close()
}

// ReceiveMessages expires stale deliveries, purges dead letters, then claims up to a
// batch of visible messages, all inside one write transaction.
func (c *LocalConnection) ReceiveMessages(ctx context.Context) ([]Message, error) {
	now := c.nowFn()
	var messages []Message

	err := c.withWriteTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		expire := sq.Update(localTable).
			Set("visible", true).
			Where(sq.Eq{"queue_name": c.queue, "visible": false}).
			Where(sq.Lt{"last_delivery_at": now.Add(-c.redeliveryWindow).UnixNano()})
		if err := execBuilder(ctx, conn, expire); err != nil {
			return fmt.Errorf("expire deliveries: %w", err)
		}

		// in flight messages are left alone, their job may still delete them
		purge := sq.Delete(localTable).
			Where(sq.Eq{"queue_name": c.queue, "visible": true}).
			Where(sq.GtOrEq{"times_delivered": c.deadLetterAfter})
		query, args, err := purge.ToSql()
		if err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			c.logger.Warn().Str("queue", c.queue).Int64("count", n).Msg("Purged messages over the delivery limit")
		}

		query, args, err = sq.Select("id", "receipt_handle", "body", "attributes_json").
			From(localTable).
			Where(sq.Eq{"queue_name": c.queue, "visible": true}).
			Where(sq.LtOrEq{"deliver_after": now.UnixNano(), "last_delivery_at": now.UnixNano()}).
			OrderBy("id").
			Limit(MaxBatchEntries).
			ToSql()
		if err != nil {
			return err
		}
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select visible messages: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var (
				id    int64
				msg   Message
				attrs sql.NullString
			)
			if err := rows.Scan(&id, &msg.ReceiptHandle, &msg.Body, &attrs); err != nil {
				rows.Close()
				return err
			}
			msg.MessageID = strconv.FormatInt(id, 10)
			msg.Attributes = unmarshalAttributes(attrs)
			ids = append(ids, id)
			messages = append(messages, msg)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		claim := sq.Update(localTable).
			Set("visible", false).
			Set("times_delivered", sq.Expr("times_delivered + 1")).
			Set("last_delivery_at", now.UnixNano()).
			Where(sq.Eq{"id": ids})
		if err := execBuilder(ctx, conn, claim); err != nil {
			return fmt.Errorf("claim messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receive local messages: %w", err)
	}
	return messages, nil
}

func (c *LocalConnection) SendMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := c.nowFn()

	insert := sq.Insert(localTable).Columns(
		"queue_name", "receipt_handle", "deliver_after", "last_delivery_at", "visible", "sent_at", "body", "attributes_json",
	)
	for _, m := range messages {
		attrs, err := marshalAttributes(m.Attributes)
		if err != nil {
			return err
		}
		insert = insert.Values(
			c.queue, xid.New().String(), now.Add(m.Delay).UnixNano(), now.UnixNano(), true, now.UnixNano(), m.Body, attrs,
		)
	}

	err := c.withWriteTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return execBuilder(ctx, conn, insert)
	})
	if err != nil {
		return fmt.Errorf("send local messages: %w", err)
	}
	return nil
}

// DeleteMessages removes the rows for the given receipt handles. Handles that are
// already gone are ignored.
func (c *LocalConnection) DeleteMessages(ctx context.Context, receiptHandles []string) error {
	if len(receiptHandles) == 0 {
		return nil
	}
	del := sq.Delete(localTable).Where(sq.Eq{"queue_name": c.queue, "receipt_handle": receiptHandles})

	err := c.withWriteTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return execBuilder(ctx, conn, del)
	})
	if err != nil {
		return fmt.Errorf("delete local messages: %w", err)
	}
	return nil
}

// Truncate removes every message of this queue.
func (c *LocalConnection) Truncate(ctx context.Context) error {
	return c.withWriteTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return execBuilder(ctx, conn, sq.Delete(localTable).Where(sq.Eq{"queue_name": c.queue}))
	})
}

func (c *LocalConnection) QueueStats(ctx context.Context) (QueueStats, error) {
	now := c.nowFn().UnixNano()
	query, args, err := sq.Select().
		Column(sq.Expr("COALESCE(SUM(CASE WHEN visible = 1 AND deliver_after <= ? THEN 1 ELSE 0 END), 0)", now)).
		Column("COALESCE(SUM(CASE WHEN visible = 0 THEN 1 ELSE 0 END), 0)").
		Column(sq.Expr("COALESCE(SUM(CASE WHEN visible = 1 AND deliver_after > ? THEN 1 ELSE 0 END), 0)", now)).
		From(localTable).
		Where(sq.Eq{"queue_name": c.queue}).
		ToSql()
	if err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&stats.Available, &stats.InFlight, &stats.Delayed)
	if err != nil {
		return QueueStats{}, fmt.Errorf("local queue stats: %w", err)
	}
	return stats, nil
}

// withWriteTx runs fn inside BEGIN IMMEDIATE on a dedicated connection. Beginning an
// immediate transaction takes the database write lock; while another process holds
// it we keep retrying until ctx is done.
func (c *LocalConnection) withWriteTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;")
		if err == nil {
			break
		}
		if !isBusy(err) {
			return err
		}
		c.logger.Debug().Str("queue", c.queue).Msg("Local queue is locked, waiting")
		if err := sleepCtx(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func execBuilder(ctx context.Context, conn *sql.Conn, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, query, args...)
	return err
}

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqliteBusy
}

func marshalAttributes(attrs map[string]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalAttributes(in sql.NullString) map[string]string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil
	}
	return out
}
