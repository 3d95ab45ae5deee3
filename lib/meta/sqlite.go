// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/snapvault/lib/sqlitepool"
)

// schema holds the full metadata schema. Applied idempotently on
// every open.
const schema = `
	CREATE TABLE IF NOT EXISTS objects (
		storage_id    TEXT PRIMARY KEY,
		content_hash  TEXT NOT NULL,
		tier          TEXT NOT NULL,
		keys          TEXT NOT NULL,
		dedup         INTEGER NOT NULL,
		original_size INTEGER NOT NULL,
		stored_size   INTEGER NOT NULL,
		compression   TEXT NOT NULL,
		encrypted     INTEGER NOT NULL,
		stored_at     INTEGER NOT NULL,
		last_access   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objects_tier ON objects(tier);
	CREATE INDEX IF NOT EXISTS idx_objects_last_access ON objects(last_access);

	CREATE TABLE IF NOT EXISTS quota_usage (
		quota_type TEXT PRIMARY KEY,
		used       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backups (
		id            TEXT PRIMARY KEY,
		mode          TEXT NOT NULL,
		status        TEXT NOT NULL,
		started_at    INTEGER NOT NULL,
		completed_at  INTEGER,
		artifact_path TEXT,
		object_count  INTEGER NOT NULL,
		total_bytes   INTEGER NOT NULL,
		error         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_backups_started ON backups(started_at);
`

// SQLite is the durable metadata store. One table per record kind;
// all timestamps are stored as Unix nanoseconds, key lists as JSON
// arrays.
type SQLite struct {
	pool *sqlitepool.Pool
}

// SQLiteConfig holds the parameters for opening the SQLite metadata
// store.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the SQLite metadata store and
// applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("meta: Logger is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}

	store := &SQLite{pool: pool}
	if err := store.applySchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("meta: applying schema: %w", err)
	}
	return store, nil
}

func (s *SQLite) applySchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *SQLite) PutObject(ctx context.Context, record ObjectRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: put object: %w", err)
	}
	defer s.pool.Put(conn)

	keysJSON, err := json.Marshal(record.Keys)
	if err != nil {
		return fmt.Errorf("meta: marshal object keys: %w", err)
	}

	err = sqlitex.Execute(conn, `INSERT INTO objects
		(storage_id, content_hash, tier, keys, dedup, original_size,
		 stored_size, compression, encrypted, stored_at, last_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(storage_id) DO UPDATE SET
		 content_hash = excluded.content_hash,
		 tier = excluded.tier,
		 keys = excluded.keys,
		 dedup = excluded.dedup,
		 original_size = excluded.original_size,
		 stored_size = excluded.stored_size,
		 compression = excluded.compression,
		 encrypted = excluded.encrypted,
		 stored_at = excluded.stored_at,
		 last_access = excluded.last_access`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.StorageID,
				record.ContentHash,
				record.Tier,
				string(keysJSON),
				boolToInt(record.Dedup),
				record.OriginalSize,
				record.StoredSize,
				record.Compression,
				boolToInt(record.Encrypted),
				record.StoredAt.UnixNano(),
				record.LastAccess.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("meta: put object %s: %w", record.StorageID, err)
	}
	return nil
}

func (s *SQLite) DeleteObject(ctx context.Context, storageID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: delete object: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM objects WHERE storage_id = ?",
		&sqlitex.ExecOptions{Args: []any{storageID}})
	if err != nil {
		return fmt.Errorf("meta: delete object %s: %w", storageID, err)
	}
	return nil
}

func (s *SQLite) Objects(ctx context.Context) ([]ObjectRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("meta: list objects: %w", err)
	}
	defer s.pool.Put(conn)

	var records []ObjectRecord
	err = sqlitex.Execute(conn, `SELECT storage_id, content_hash, tier, keys,
		dedup, original_size, stored_size, compression, encrypted,
		stored_at, last_access FROM objects`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := ObjectRecord{
					StorageID:    stmt.ColumnText(0),
					ContentHash:  stmt.ColumnText(1),
					Tier:         stmt.ColumnText(2),
					Dedup:        stmt.ColumnInt(4) != 0,
					OriginalSize: stmt.ColumnInt64(5),
					StoredSize:   stmt.ColumnInt64(6),
					Compression:  stmt.ColumnText(7),
					Encrypted:    stmt.ColumnInt(8) != 0,
					StoredAt:     time.Unix(0, stmt.ColumnInt64(9)).UTC(),
					LastAccess:   time.Unix(0, stmt.ColumnInt64(10)).UTC(),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &record.Keys); err != nil {
					return fmt.Errorf("unmarshal object keys for %s: %w", record.StorageID, err)
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("meta: list objects: %w", err)
	}
	return records, nil
}

func (s *SQLite) TouchObjects(ctx context.Context, accesses []ObjectAccess) error {
	if len(accesses) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: touch objects: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("meta: touch objects: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, access := range accesses {
		err = sqlitex.Execute(conn,
			"UPDATE objects SET last_access = ? WHERE storage_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{access.LastAccess.UnixNano(), access.StorageID},
			})
		if err != nil {
			return fmt.Errorf("meta: touch object %s: %w", access.StorageID, err)
		}
	}
	return nil
}

func (s *SQLite) SetQuotaUsage(ctx context.Context, record QuotaRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: set quota usage: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO quota_usage (quota_type, used)
		VALUES (?, ?)
		ON CONFLICT(quota_type) DO UPDATE SET used = excluded.used`,
		&sqlitex.ExecOptions{Args: []any{record.Type, record.Used}})
	if err != nil {
		return fmt.Errorf("meta: set quota usage %s: %w", record.Type, err)
	}
	return nil
}

func (s *SQLite) QuotaUsage(ctx context.Context) ([]QuotaRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("meta: quota usage: %w", err)
	}
	defer s.pool.Put(conn)

	var records []QuotaRecord
	err = sqlitex.Execute(conn, "SELECT quota_type, used FROM quota_usage",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, QuotaRecord{
					Type: stmt.ColumnText(0),
					Used: stmt.ColumnInt64(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("meta: quota usage: %w", err)
	}
	return records, nil
}

func (s *SQLite) PutBackup(ctx context.Context, record BackupRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: put backup: %w", err)
	}
	defer s.pool.Put(conn)

	var completedAt any
	if !record.CompletedAt.IsZero() {
		completedAt = record.CompletedAt.UnixNano()
	}

	err = sqlitex.Execute(conn, `INSERT INTO backups
		(id, mode, status, started_at, completed_at, artifact_path,
		 object_count, total_bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 mode = excluded.mode,
		 status = excluded.status,
		 started_at = excluded.started_at,
		 completed_at = excluded.completed_at,
		 artifact_path = excluded.artifact_path,
		 object_count = excluded.object_count,
		 total_bytes = excluded.total_bytes,
		 error = excluded.error`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID,
				record.Mode,
				record.Status,
				record.StartedAt.UnixNano(),
				completedAt,
				record.ArtifactPath,
				record.ObjectCount,
				record.TotalBytes,
				record.Error,
			},
		})
	if err != nil {
		return fmt.Errorf("meta: put backup %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLite) Backups(ctx context.Context, limit int) ([]BackupRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("meta: list backups: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id, mode, status, started_at, completed_at,
		artifact_path, object_count, total_bytes, error
		FROM backups ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var records []BackupRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanBackup(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("meta: list backups: %w", err)
	}
	return records, nil
}

func (s *SQLite) LastCompletedBackup(ctx context.Context) (BackupRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return BackupRecord{}, false, fmt.Errorf("meta: last completed backup: %w", err)
	}
	defer s.pool.Put(conn)

	var record BackupRecord
	found := false
	err = sqlitex.Execute(conn, `SELECT id, mode, status, started_at,
		completed_at, artifact_path, object_count, total_bytes, error
		FROM backups WHERE status = ?
		ORDER BY started_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{BackupCompleted},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = scanBackup(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return BackupRecord{}, false, fmt.Errorf("meta: last completed backup: %w", err)
	}
	return record, found, nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}

func scanBackup(stmt *sqlite.Stmt) BackupRecord {
	record := BackupRecord{
		ID:           stmt.ColumnText(0),
		Mode:         stmt.ColumnText(1),
		Status:       stmt.ColumnText(2),
		StartedAt:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
		ArtifactPath: stmt.ColumnText(5),
		ObjectCount:  stmt.ColumnInt64(6),
		TotalBytes:   stmt.ColumnInt64(7),
		Error:        stmt.ColumnText(8),
	}
	if !stmt.ColumnIsNull(4) {
		record.CompletedAt = time.Unix(0, stmt.ColumnInt64(4)).UTC()
	}
	return record
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
