// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/snapvault/lib/sqlitepool"
)

// durableSchema is applied idempotently when the durable layer opens.
// expires_at is Unix nanoseconds; 0 means no expiry.
const durableSchema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// durableLayer is the SQLite-backed second cache layer.
type durableLayer struct {
	pool *sqlitepool.Pool
}

func openDurable(path string, logger *slog.Logger) (*durableLayer, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 2,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, durableSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &durableLayer{pool: pool}, nil
}

func (d *durableLayer) set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	var expiresNanos int64
	if !expiresAt.IsZero() {
		expiresNanos = expiresAt.UnixNano()
	}

	return sqlitex.Execute(conn, `INSERT INTO cache_entries (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{key, value, expiresNanos}})
}

// get returns the value and expiry for a key. Expired rows are
// deleted on the way out and reported as misses.
func (d *durableLayer) get(ctx context.Context, key string, now time.Time) ([]byte, time.Time, bool, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	defer d.pool.Put(conn)

	var value []byte
	var expiresNanos int64
	found := false
	err = sqlitex.Execute(conn, "SELECT value, expires_at FROM cache_entries WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				expiresNanos = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if !found {
		return nil, time.Time{}, false, nil
	}

	var expiresAt time.Time
	if expiresNanos != 0 {
		expiresAt = time.Unix(0, expiresNanos)
		if !now.Before(expiresAt) {
			err = sqlitex.Execute(conn, "DELETE FROM cache_entries WHERE key = ?",
				&sqlitex.ExecOptions{Args: []any{key}})
			return nil, time.Time{}, false, err
		}
	}
	return value, expiresAt, true, nil
}

func (d *durableLayer) delete(ctx context.Context, key string) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	return sqlitex.Execute(conn, "DELETE FROM cache_entries WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key}})
}

func (d *durableLayer) clear(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	return sqlitex.Execute(conn, "DELETE FROM cache_entries", nil)
}

// sweep deletes all expired rows and returns the count.
func (d *durableLayer) sweep(ctx context.Context, now time.Time) (int, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixNano()}})
	if err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

func (d *durableLayer) close() error {
	return d.pool.Close()
}
