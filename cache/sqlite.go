package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteMirror persists mirrored cache entries in a SQLite table so chat
// lists and messages survive a restart.
type SQLiteMirror struct {
	db *sql.DB
}

var _ Mirror = (*SQLiteMirror)(nil)

// NewSQLiteMirror opens (or creates) the mirror database at path.
func NewSQLiteMirror(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache mirror: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key         TEXT PRIMARY KEY,
		data        BLOB NOT NULL,
		inserted_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache mirror: %w", err)
	}
	return &SQLiteMirror{db: db}, nil
}

// ReadAll returns every stored entry whose key starts with prefix; an empty
// prefix returns everything.
func (m *SQLiteMirror) ReadAll(ctx context.Context, prefix string) (map[string]Entry, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key, data, inserted_at, expires_at FROM cache_entries WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("read cache mirror: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var key string
		var data []byte
		var insertedAt, expiresAt int64
		if err := rows.Scan(&key, &data, &insertedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan cache mirror row: %w", err)
		}
		out[key] = Entry{
			Data:       data,
			InsertedAt: time.UnixMilli(insertedAt),
			ExpiresAt:  time.UnixMilli(expiresAt),
		}
	}
	return out, rows.Err()
}

// Write upserts one entry.
func (m *SQLiteMirror) Write(ctx context.Context, key string, entry Entry) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, data, inserted_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, inserted_at = excluded.inserted_at, expires_at = excluded.expires_at`,
		key, entry.Data, entry.InsertedAt.UnixMilli(), entry.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("write cache mirror: %w", err)
	}
	return nil
}

// Delete removes one entry if present.
func (m *SQLiteMirror) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache mirror entry: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}
