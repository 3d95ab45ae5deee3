// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// openStores returns one instance of each Store implementation, so
// every test runs against both.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := OpenSQLite(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "meta.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"sqlite": sqliteStore,
		"memory": NewMemory(),
	}
}

func testObjectRecord(storageID string) ObjectRecord {
	return ObjectRecord{
		StorageID:    storageID,
		ContentHash:  "c0ffee" + storageID,
		Tier:         "hot",
		Keys:         []string{"session/" + storageID},
		Dedup:        true,
		OriginalSize: 4096,
		StoredSize:   1024,
		Compression:  "zstd",
		Encrypted:    true,
		StoredAt:     time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		LastAccess:   time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestObjectRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			record := testObjectRecord("aa11")
			if err := store.PutObject(ctx, record); err != nil {
				t.Fatalf("PutObject: %v", err)
			}

			records, err := store.Objects(ctx)
			if err != nil {
				t.Fatalf("Objects: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records, want 1", len(records))
			}

			got := records[0]
			if got.StorageID != record.StorageID {
				t.Errorf("StorageID = %q, want %q", got.StorageID, record.StorageID)
			}
			if got.ContentHash != record.ContentHash {
				t.Errorf("ContentHash = %q, want %q", got.ContentHash, record.ContentHash)
			}
			if !slices.Equal(got.Keys, record.Keys) {
				t.Errorf("Keys = %v, want %v", got.Keys, record.Keys)
			}
			if got.StoredSize != record.StoredSize {
				t.Errorf("StoredSize = %d, want %d", got.StoredSize, record.StoredSize)
			}
			if !got.StoredAt.Equal(record.StoredAt) {
				t.Errorf("StoredAt = %v, want %v", got.StoredAt, record.StoredAt)
			}
			if !got.Encrypted || !got.Dedup {
				t.Errorf("Encrypted/Dedup flags lost: %+v", got)
			}
		})
	}
}

func TestObjectUpsert(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			record := testObjectRecord("bb22")
			if err := store.PutObject(ctx, record); err != nil {
				t.Fatalf("PutObject: %v", err)
			}

			record.Tier = "cold"
			record.Keys = []string{"session/bb22", "session/extra"}
			if err := store.PutObject(ctx, record); err != nil {
				t.Fatalf("PutObject (update): %v", err)
			}

			records, err := store.Objects(ctx)
			if err != nil {
				t.Fatalf("Objects: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records after upsert, want 1", len(records))
			}
			if records[0].Tier != "cold" {
				t.Errorf("Tier = %q, want cold", records[0].Tier)
			}
			if len(records[0].Keys) != 2 {
				t.Errorf("Keys = %v, want two entries", records[0].Keys)
			}
		})
	}
}

func TestObjectDelete(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutObject(ctx, testObjectRecord("cc33")); err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			if err := store.DeleteObject(ctx, "cc33"); err != nil {
				t.Fatalf("DeleteObject: %v", err)
			}
			// Idempotent.
			if err := store.DeleteObject(ctx, "cc33"); err != nil {
				t.Fatalf("DeleteObject (repeat): %v", err)
			}

			records, err := store.Objects(ctx)
			if err != nil {
				t.Fatalf("Objects: %v", err)
			}
			if len(records) != 0 {
				t.Errorf("got %d records after delete, want 0", len(records))
			}
		})
	}
}

func TestTouchObjects(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutObject(ctx, testObjectRecord("dd44")); err != nil {
				t.Fatalf("PutObject: %v", err)
			}

			touched := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
			err := store.TouchObjects(ctx, []ObjectAccess{
				{StorageID: "dd44", LastAccess: touched},
				{StorageID: "absent", LastAccess: touched},
			})
			if err != nil {
				t.Fatalf("TouchObjects: %v", err)
			}

			records, err := store.Objects(ctx)
			if err != nil {
				t.Fatalf("Objects: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records, want 1", len(records))
			}
			if !records[0].LastAccess.Equal(touched) {
				t.Errorf("LastAccess = %v, want %v", records[0].LastAccess, touched)
			}
		})
	}
}

func TestQuotaUsage(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.SetQuotaUsage(ctx, QuotaRecord{Type: "bytes", Used: 100}); err != nil {
				t.Fatalf("SetQuotaUsage: %v", err)
			}
			if err := store.SetQuotaUsage(ctx, QuotaRecord{Type: "objects", Used: 3}); err != nil {
				t.Fatalf("SetQuotaUsage: %v", err)
			}
			// Upsert.
			if err := store.SetQuotaUsage(ctx, QuotaRecord{Type: "bytes", Used: 250}); err != nil {
				t.Fatalf("SetQuotaUsage (update): %v", err)
			}

			records, err := store.QuotaUsage(ctx)
			if err != nil {
				t.Fatalf("QuotaUsage: %v", err)
			}
			usage := make(map[string]int64)
			for _, record := range records {
				usage[record.Type] = record.Used
			}
			if usage["bytes"] != 250 {
				t.Errorf("bytes usage = %d, want 250", usage["bytes"])
			}
			if usage["objects"] != 3 {
				t.Errorf("objects usage = %d, want 3", usage["objects"])
			}
		})
	}
}

func TestBackupLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			started := time.Date(2026, 2, 20, 3, 0, 0, 0, time.UTC)

			running := BackupRecord{
				ID:        "backup-1",
				Mode:      "full",
				Status:    BackupRunning,
				StartedAt: started,
			}
			if err := store.PutBackup(ctx, running); err != nil {
				t.Fatalf("PutBackup: %v", err)
			}

			// No completed backup yet.
			if _, found, err := store.LastCompletedBackup(ctx); err != nil || found {
				t.Fatalf("LastCompletedBackup = found=%v err=%v, want none", found, err)
			}

			running.Status = BackupCompleted
			running.CompletedAt = started.Add(5 * time.Minute)
			running.ArtifactPath = "/backups/backup-1.tar.zst"
			running.ObjectCount = 42
			running.TotalBytes = 1 << 20
			if err := store.PutBackup(ctx, running); err != nil {
				t.Fatalf("PutBackup (complete): %v", err)
			}

			latest, found, err := store.LastCompletedBackup(ctx)
			if err != nil {
				t.Fatalf("LastCompletedBackup: %v", err)
			}
			if !found {
				t.Fatal("LastCompletedBackup found nothing")
			}
			if latest.ID != "backup-1" || latest.ObjectCount != 42 {
				t.Errorf("unexpected backup record: %+v", latest)
			}
			if !latest.CompletedAt.Equal(running.CompletedAt) {
				t.Errorf("CompletedAt = %v, want %v", latest.CompletedAt, running.CompletedAt)
			}
		})
	}
}

func TestBackupsOrderAndLimit(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				record := BackupRecord{
					ID:        "backup-" + string(rune('a'+i)),
					Mode:      "incremental",
					Status:    BackupCompleted,
					StartedAt: base.Add(time.Duration(i) * time.Hour),
				}
				if err := store.PutBackup(ctx, record); err != nil {
					t.Fatalf("PutBackup: %v", err)
				}
			}

			records, err := store.Backups(ctx, 3)
			if err != nil {
				t.Fatalf("Backups: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("got %d records, want 3", len(records))
			}
			for i := 1; i < len(records); i++ {
				if records[i].StartedAt.After(records[i-1].StartedAt) {
					t.Errorf("backups not sorted newest first: %v before %v",
						records[i-1].StartedAt, records[i].StartedAt)
				}
			}
		})
	}
}
