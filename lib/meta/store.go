// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"context"
	"time"
)

// ObjectRecord is the durable mirror of one object store index entry.
// Hashes are hex strings; tier and compression are the string forms
// of their typed counterparts.
type ObjectRecord struct {
	StorageID    string
	ContentHash  string
	Tier         string
	Keys         []string
	Dedup        bool
	OriginalSize int64
	StoredSize   int64
	Compression  string
	Encrypted    bool
	StoredAt     time.Time
	LastAccess   time.Time
}

// ObjectAccess is one entry in a batched last-access flush.
type ObjectAccess struct {
	StorageID  string
	LastAccess time.Time
}

// QuotaRecord is the persisted usage counter for one quota type.
type QuotaRecord struct {
	Type string
	Used int64
}

// Backup run status values.
const (
	BackupRunning   = "running"
	BackupCompleted = "completed"
	BackupFailed    = "failed"
)

// BackupRecord tracks one backup run through its lifecycle. The
// record is written with status running when the run starts and
// updated in place when it completes or fails.
type BackupRecord struct {
	ID           string
	Mode         string // "full" or "incremental"
	Status       string
	StartedAt    time.Time
	CompletedAt  time.Time
	ArtifactPath string
	ObjectCount  int64
	TotalBytes   int64
	Error        string
}

// Store is the metadata persistence interface. All methods are safe
// for concurrent use. Put methods upsert: writing a record with an
// existing primary key replaces it.
type Store interface {
	// PutObject upserts an object record by storage id.
	PutObject(ctx context.Context, record ObjectRecord) error

	// DeleteObject removes an object record. Deleting an absent
	// record is not an error.
	DeleteObject(ctx context.Context, storageID string) error

	// Objects returns all object records. Called once at startup to
	// reconcile against the object store index.
	Objects(ctx context.Context) ([]ObjectRecord, error)

	// TouchObjects applies a batch of last-access updates. Entries
	// referencing absent records are skipped.
	TouchObjects(ctx context.Context, accesses []ObjectAccess) error

	// SetQuotaUsage upserts the usage counter for a quota type.
	SetQuotaUsage(ctx context.Context, record QuotaRecord) error

	// QuotaUsage returns all persisted quota counters.
	QuotaUsage(ctx context.Context) ([]QuotaRecord, error)

	// PutBackup upserts a backup record by id.
	PutBackup(ctx context.Context, record BackupRecord) error

	// Backups returns backup records sorted by start time descending,
	// newest first, at most limit entries. Limit <= 0 means all.
	Backups(ctx context.Context, limit int) ([]BackupRecord, error)

	// LastCompletedBackup returns the most recent backup with status
	// completed. The second return is false when none exists.
	LastCompletedBackup(ctx context.Context) (BackupRecord, bool, error)

	// Close releases underlying resources. The store is unusable
	// afterwards.
	Close() error
}
