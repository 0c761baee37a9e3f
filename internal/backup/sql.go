package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlTableName        = "bookchat_attachment_backups"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	// bind returns the placeholder for the n-th (1-based) argument.
	bind func(n int) string
}

var (
	postgresDialect = sqlDialect{driver: "postgres", bind: func(n int) string { return fmt.Sprintf("$%d", n) }}
	sqliteDialect   = sqlDialect{driver: "sqlite3", bind: func(int) string { return "?" }}
)

// SQLCache stores entries in one table of a Postgres or SQLite database. The
// table is created on first use.
type SQLCache struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	policy    Policy
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCache(dsn string, policy Policy) (*SQLCache, error) {
	return newSQLCache(dsn, postgresDialect, policy)
}

// NewSQLiteCache opens (or creates) a SQLite file at path.
func NewSQLiteCache(path string, policy Policy) (*SQLCache, error) {
	return newSQLCache(path, sqliteDialect, policy)
}

func newSQLCache(dsn string, dialect sqlDialect, policy Policy) (*SQLCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLCache{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlTableName,
		policy:    policy.normalized(),
		openDB:    sql.Open,
	}, nil
}

func (c *SQLCache) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Entry{}, false, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return Entry{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	cutoff := c.policy.Now().Add(-c.policy.TTL).UnixNano()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE message_id = %s AND stored_at >= %s",
		quoteIdentifier(c.tableName), c.dialect.bind(1), c.dialect.bind(2))
	var payload string
	err := c.db.QueryRowContext(ctx, query, messageID, cutoff).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *SQLCache) Put(ctx context.Context, entry Entry) error {
	entry.MessageID = strings.TrimSpace(entry.MessageID)
	if entry.MessageID == "" || strings.TrimSpace(entry.URL) == "" {
		return ErrInvalidInput
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.policy.Now().UTC()
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	table := quoteIdentifier(c.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (message_id, payload, stored_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (message_id)
		DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		table, c.dialect.bind(1), c.dialect.bind(2), c.dialect.bind(3))
	if _, err := c.db.ExecContext(ctx, upsert, entry.MessageID, string(payload), entry.StoredAt.UnixNano()); err != nil {
		return err
	}
	return c.prune(ctx)
}

func (c *SQLCache) prune(ctx context.Context) error {
	table := quoteIdentifier(c.tableName)
	cutoff := c.policy.Now().Add(-c.policy.TTL).UnixNano()
	expire := fmt.Sprintf("DELETE FROM %s WHERE stored_at < %s", table, c.dialect.bind(1))
	if _, err := c.db.ExecContext(ctx, expire, cutoff); err != nil {
		return err
	}
	trim := fmt.Sprintf(`
		DELETE FROM %s WHERE message_id NOT IN (
			SELECT message_id FROM %s ORDER BY stored_at DESC, message_id DESC LIMIT %s
		)`, table, table, c.dialect.bind(1))
	_, err := c.db.ExecContext(ctx, trim, c.policy.MaxEntries)
	return err
}

func (c *SQLCache) Delete(ctx context.Context, messageID string) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE message_id = %s", quoteIdentifier(c.tableName), c.dialect.bind(1))
	_, err := c.db.ExecContext(ctx, query, strings.TrimSpace(messageID))
	return err
}

func (c *SQLCache) Len(ctx context.Context) (int, error) {
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	cutoff := c.policy.Now().Add(-c.policy.TTL).UnixNano()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE stored_at >= %s", quoteIdentifier(c.tableName), c.dialect.bind(1))
	var n int
	if err := c.db.QueryRowContext(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *SQLCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLCache) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB(c.dialect.driver, c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				message_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				stored_at BIGINT NOT NULL
			)`, quoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
