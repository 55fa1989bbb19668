package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// SQLiteDB holds the SQLite database shared by every table of a process.
// Tables are logical: rows, changes and checkpoints carry the table name.
type SQLiteDB struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (creating if needed) the database at path.
// The path should be a file path or ":memory:" for testing.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteDB{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		tbl TEXT NOT NULL,
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		lookup TEXT NOT NULL DEFAULT '',
		data BLOB,
		expires_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk, sk)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_lookup ON items(tbl, lookup, sk)`,
	`CREATE INDEX IF NOT EXISTS idx_items_expiry ON items(tbl, expires_at)`,
	`CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		op TEXT NOT NULL,
		cause TEXT NOT NULL,
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		new_image BLOB,
		old_image BLOB,
		at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_tbl ON changes(tbl, seq)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		tbl TEXT NOT NULL,
		consumer TEXT NOT NULL,
		seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tbl, consumer)
	)`,
}

// Table returns the logical table name backed by this database.
func (d *SQLiteDB) Table(name string) *SQLiteTable {
	return &SQLiteTable{d: d, name: name, now: time.Now}
}

// Close releases the database. Safe to call more than once.
func (d *SQLiteDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *SQLiteDB) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.db.PingContext(ctx)
}

// SQLiteTable is a Table persisted in SQLite.
// It is suitable for single-process production use.
type SQLiteTable struct {
	d    *SQLiteDB
	name string
	now  func() time.Time
}

// Name returns the logical table name.
func (t *SQLiteTable) Name() string { return t.name }

// Append implements Table.
func (t *SQLiteTable) Append(ctx context.Context, rec event.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	item := ItemFromRecord(rec)

	return t.write(ctx, func(tx *sql.Tx) error {
		var head sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sk) FROM items WHERE tbl = ? AND pk = ?`, t.name, item.PK,
		).Scan(&head); err != nil {
			return fmt.Errorf("read partition head: %w", err)
		}
		if head.Valid && head.String >= item.SK {
			return ErrWriteConflict
		}
		if err := t.insertItem(ctx, tx, item); err != nil {
			return err
		}
		return t.insertChange(ctx, tx, Change{Op: OpInsert, Cause: CauseWrite, PK: item.PK, SK: item.SK, NewImage: &item})
	})
}

// QueryByEntity implements Table.
func (t *SQLiteTable) QueryByEntity(ctx context.Context, pk string, r Range) ([]event.Record, error) {
	query := `SELECT pk, sk, type, lookup, data, expires_at, updated_at FROM items WHERE tbl = ? AND pk = ?`
	args := []any{t.name, pk}
	if r.From != 0 {
		query += ` AND sk >= ?`
		args = append(args, SortKey(r.From))
	}
	if r.To != 0 {
		query += ` AND sk <= ?`
		args = append(args, SortKey(r.To))
	}
	query += ` ORDER BY sk`
	return t.queryRecords(ctx, "query by entity", query, args...)
}

// QueryByLookup implements Table.
func (t *SQLiteTable) QueryByLookup(ctx context.Context, lookup string, eventTypes ...string) ([]event.Record, error) {
	query := `SELECT pk, sk, type, lookup, data, expires_at, updated_at FROM items WHERE tbl = ? AND lookup = ?`
	args := []any{t.name, lookup}
	if len(eventTypes) > 0 {
		query += ` AND type IN (?` + strings.Repeat(`, ?`, len(eventTypes)-1) + `)`
		for _, et := range eventTypes {
			args = append(args, et)
		}
	}
	query += ` ORDER BY sk, pk`
	return t.queryRecords(ctx, "query by lookup", query, args...)
}

// Put implements Table.
func (t *SQLiteTable) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = t.now().UTC()
	}

	return t.write(ctx, func(tx *sql.Tx) error {
		old, err := t.getItem(ctx, tx, item.PK, item.SK)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		c := Change{Op: OpInsert, Cause: CauseWrite, PK: item.PK, SK: item.SK, NewImage: &item}
		if err == nil {
			c.Op = OpModify
			c.OldImage = &old
		}
		if err := t.insertItem(ctx, tx, item); err != nil {
			return err
		}
		return t.insertChange(ctx, tx, c)
	})
}

// Get implements Table.
func (t *SQLiteTable) Get(ctx context.Context, pk, sk string) (Item, error) {
	t.d.mu.RLock()
	defer t.d.mu.RUnlock()

	if t.d.closed {
		return Item{}, ErrClosed
	}
	return t.getItem(ctx, t.d.db, pk, sk)
}

// Delete implements Table.
func (t *SQLiteTable) Delete(ctx context.Context, pk, sk string) error {
	return t.write(ctx, func(tx *sql.Tx) error {
		return t.removeItem(ctx, tx, pk, sk, CauseWrite)
	})
}

// Reap implements Table.
func (t *SQLiteTable) Reap(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := t.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT pk, sk FROM items
			WHERE tbl = ? AND expires_at > 0 AND expires_at <= ?
			ORDER BY pk, sk
		`, t.name, now.UnixNano())
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		var keys [][2]string
		for rows.Next() {
			var k [2]string
			if err := rows.Scan(&k[0], &k[1]); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("iterate expired: %w", err)
		}

		for _, k := range keys {
			if err := t.removeItem(ctx, tx, k[0], k[1], CauseTTL); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

// Changes implements Table.
func (t *SQLiteTable) Changes(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	t.d.mu.RLock()
	defer t.d.mu.RUnlock()

	if t.d.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := t.d.db.QueryContext(ctx, `
		SELECT seq, op, cause, pk, sk, new_image, old_image, at
		FROM changes
		WHERE tbl = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, t.name, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c              Change
			op, cause      string
			newImg, oldImg []byte
			at             int64
		)
		if err := rows.Scan(&c.Seq, &op, &cause, &c.PK, &c.SK, &newImg, &oldImg, &at); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Op, c.Cause, c.At = Op(op), Cause(cause), time.Unix(0, at).UTC()
		if c.NewImage, err = decodeImage(newImg); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.OldImage, err = decodeImage(oldImg); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// LoadCheckpoint implements Table.
func (t *SQLiteTable) LoadCheckpoint(ctx context.Context, consumer string) (int64, error) {
	t.d.mu.RLock()
	defer t.d.mu.RUnlock()

	if t.d.closed {
		return 0, ErrClosed
	}

	var seq int64
	err := t.d.db.QueryRowContext(ctx,
		`SELECT seq FROM checkpoints WHERE tbl = ? AND consumer = ?`, t.name, consumer,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return seq, nil
}

// SaveCheckpoint implements Table.
func (t *SQLiteTable) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	return t.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (tbl, consumer, seq, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tbl, consumer) DO UPDATE SET
				seq = excluded.seq,
				updated_at = excluded.updated_at
		`, t.name, consumer, seq, t.now().UnixNano())
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// write runs fn in a transaction under the write lock.
func (t *SQLiteTable) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()

	if t.d.closed {
		return ErrClosed
	}

	tx, err := t.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *SQLiteTable) getItem(ctx context.Context, q queryer, pk, sk string) (Item, error) {
	var (
		it        Item
		data      []byte
		expiresAt int64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT pk, sk, type, lookup, data, expires_at, updated_at
		FROM items WHERE tbl = ? AND pk = ? AND sk = ?
	`, t.name, pk, sk).Scan(&it.PK, &it.SK, &it.Type, &it.Lookup, &data, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	it.Data = data
	it.ExpiresAt = fromNanos(expiresAt)
	it.UpdatedAt = fromNanos(updatedAt)
	return it, nil
}

func (t *SQLiteTable) insertItem(ctx context.Context, tx *sql.Tx, it Item) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (tbl, pk, sk, type, lookup, data, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, pk, sk) DO UPDATE SET
			type = excluded.type,
			lookup = excluded.lookup,
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, t.name, it.PK, it.SK, it.Type, it.Lookup, []byte(it.Data), toNanos(it.ExpiresAt), toNanos(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	return nil
}

func (t *SQLiteTable) removeItem(ctx context.Context, tx *sql.Tx, pk, sk string, cause Cause) error {
	old, err := t.getItem(ctx, tx, pk, sk)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM items WHERE tbl = ? AND pk = ? AND sk = ?`, t.name, pk, sk,
	); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return t.insertChange(ctx, tx, Change{Op: OpRemove, Cause: cause, PK: pk, SK: sk, OldImage: &old})
}

func (t *SQLiteTable) insertChange(ctx context.Context, tx *sql.Tx, c Change) error {
	newImg, err := encodeImage(c.NewImage)
	if err != nil {
		return err
	}
	oldImg, err := encodeImage(c.OldImage)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changes (tbl, op, cause, pk, sk, new_image, old_image, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.name, string(c.Op), string(c.Cause), c.PK, c.SK, newImg, oldImg, t.now().UnixNano()); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func (t *SQLiteTable) queryRecords(ctx context.Context, op, query string, args ...any) ([]event.Record, error) {
	t.d.mu.RLock()
	defer t.d.mu.RUnlock()

	if t.d.closed {
		return nil, ErrClosed
	}

	rows, err := t.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			it                   Item
			data                 []byte
			expiresAt, updatedAt int64
		)
		if err := rows.Scan(&it.PK, &it.SK, &it.Type, &it.Lookup, &data, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		it.Data = data
		it.ExpiresAt = fromNanos(expiresAt)
		it.UpdatedAt = fromNanos(updatedAt)
		if rec, ok := RecordFromItem(it); ok {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func encodeImage(it *Item) ([]byte, error) {
	if it == nil {
		return nil, nil
	}
	b, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return b, nil
}

func decodeImage(b []byte) (*Item, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &it, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ Table = (*SQLiteTable)(nil)
