// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup archives the object store into self-contained
// artifacts: a zstd-compressed tar of the stored object files plus
// the index, closed by a CBOR manifest with keyed BLAKE3 checksums.
// Archives can optionally be encrypted to age recipients for offsite
// storage.
//
// Full backups archive every object; incremental backups archive
// objects stored since the last completed run. Restoring is an
// operator procedure (extract the archive over a store root), not a
// service operation.
package backup

import (
	"archive/tar"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/codec"
	"github.com/bureau-foundation/snapvault/lib/meta"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
)

// Backup modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// DefaultInterval is the periodic backup interval when the config
// does not specify one.
const DefaultInterval = 24 * time.Hour

// Config holds the parameters for creating a backup Service.
type Config struct {
	// Store is the object store to archive. Required.
	Store *objectstore.Store

	// Meta records backup runs. Required.
	Meta meta.Store

	// Directory receives the backup artifacts. Created if absent.
	// Required.
	Directory string

	// Recipients are age public keys (age1...). When set, artifacts
	// are encrypted to all of them and carry a .age suffix.
	Recipients []string

	// Interval is the periodic backup period for Run. Zero means
	// DefaultInterval.
	Interval time.Duration

	// PeriodicMode is the mode Run uses. Empty means incremental.
	PeriodicMode string

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives run summaries and per-object failures.
	// Required.
	Logger *slog.Logger
}

// Service creates backup archives on demand and on a schedule. Runs
// never overlap: a Create while another run is in flight fails
// immediately.
type Service struct {
	store        *objectstore.Store
	meta         meta.Store
	directory    string
	recipients   []age.Recipient
	interval     time.Duration
	periodicMode string
	clock        clock.Clock
	logger       *slog.Logger

	running atomic.Bool
}

// New validates the config (including that every recipient key
// parses) and creates the artifact directory.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("backup: Store is required")
	}
	if cfg.Meta == nil {
		return nil, fmt.Errorf("backup: Meta is required")
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("backup: Directory is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("backup: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("backup: Logger is required")
	}

	recipients := make([]age.Recipient, 0, len(cfg.Recipients))
	for _, key := range cfg.Recipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("backup: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("backup: creating artifact directory: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	periodicMode := cfg.PeriodicMode
	if periodicMode == "" {
		periodicMode = ModeIncremental
	}
	if periodicMode != ModeFull && periodicMode != ModeIncremental {
		return nil, fmt.Errorf("backup: unknown periodic mode %q", periodicMode)
	}

	return &Service{
		store:        cfg.Store,
		meta:         cfg.Meta,
		directory:    cfg.Directory,
		recipients:   recipients,
		interval:     interval,
		periodicMode: periodicMode,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}, nil
}

// Run creates backups on the configured interval until the context
// is cancelled. Failures are logged; the schedule keeps going.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Create(ctx, s.periodicMode); err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			}
		}
	}
}

// Create runs one backup in the given mode and returns its record.
// An incremental with no completed predecessor is promoted to a full
// backup. The record passes through running to completed or failed in
// the metadata store.
func (s *Service) Create(ctx context.Context, mode string) (meta.BackupRecord, error) {
	if mode != ModeFull && mode != ModeIncremental {
		return meta.BackupRecord{}, fmt.Errorf("backup: unknown mode %q", mode)
	}
	if !s.running.CompareAndSwap(false, true) {
		return meta.BackupRecord{}, fmt.Errorf("backup: a run is already in progress")
	}
	defer s.running.Store(false)

	id, err := s.newBackupID()
	if err != nil {
		return meta.BackupRecord{}, err
	}

	// Resolve the incremental base before registering the new run, so
	// the cutoff never points at the run itself.
	var baseID string
	var cutoff time.Time
	if mode == ModeIncremental {
		base, found, err := s.meta.LastCompletedBackup(ctx)
		if err != nil {
			return meta.BackupRecord{}, fmt.Errorf("backup: resolving incremental base: %w", err)
		}
		if found {
			baseID = base.ID
			cutoff = base.StartedAt
		} else {
			s.logger.Info("no completed backup to build on, running full instead", "id", id)
			mode = ModeFull
		}
	}

	record := meta.BackupRecord{
		ID:        id,
		Mode:      mode,
		Status:    meta.BackupRunning,
		StartedAt: s.clock.Now().UTC(),
	}
	if err := s.meta.PutBackup(ctx, record); err != nil {
		return meta.BackupRecord{}, fmt.Errorf("backup: registering run: %w", err)
	}

	artifactPath, objectCount, totalBytes, err := s.writeArchive(ctx, id, mode, baseID, cutoff)

	record.CompletedAt = s.clock.Now().UTC()
	if err != nil {
		record.Status = meta.BackupFailed
		record.Error = err.Error()
		if putErr := s.meta.PutBackup(ctx, record); putErr != nil {
			s.logger.Error("recording failed backup failed", "id", id, "error", putErr)
		}
		return record, fmt.Errorf("backup %s: %w", id, err)
	}

	record.Status = meta.BackupCompleted
	record.ArtifactPath = artifactPath
	record.ObjectCount = objectCount
	record.TotalBytes = totalBytes
	if err := s.meta.PutBackup(ctx, record); err != nil {
		return record, fmt.Errorf("backup %s: recording completion: %w", id, err)
	}

	s.logger.Info("backup complete",
		"id", id,
		"mode", mode,
		"objects", objectCount,
		"bytes", totalBytes,
		"artifact", artifactPath,
	)
	return record, nil
}

// List returns the most recent backup records, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]meta.BackupRecord, error) {
	records, err := s.meta.Backups(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("backup: listing runs: %w", err)
	}
	return records, nil
}

// writeArchive builds the artifact file and returns its final path,
// the archived object count, and the archived byte total.
func (s *Service) writeArchive(ctx context.Context, id, mode, baseID string, cutoff time.Time) (string, int64, int64, error) {
	// Flush so the archived index file reflects current access times.
	if err := s.store.FlushAccess(ctx); err != nil {
		return "", 0, 0, fmt.Errorf("flushing store before archive: %w", err)
	}

	extension := ".tar.zst"
	if len(s.recipients) > 0 {
		extension += ".age"
	}
	finalPath := filepath.Join(s.directory, id+extension)

	file, err := os.CreateTemp(s.directory, id+"-*.partial")
	if err != nil {
		return "", 0, 0, fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpPath := file.Name()
	success := false
	defer func() {
		if !success {
			file.Close()
			os.Remove(tmpPath)
		}
	}()

	// Writer chain: tar -> zstd -> (age ->) file. Each layer is
	// closed innermost first to flush its framing.
	var sink io.Writer = file
	var ageWriter io.WriteCloser
	if len(s.recipients) > 0 {
		ageWriter, err = age.Encrypt(file, s.recipients...)
		if err != nil {
			return "", 0, 0, fmt.Errorf("creating age encryptor: %w", err)
		}
		sink = ageWriter
	}

	zstdWriter, err := zstd.NewWriter(sink)
	if err != nil {
		return "", 0, 0, fmt.Errorf("creating zstd writer: %w", err)
	}
	tarWriter := tar.NewWriter(zstdWriter)

	manifest := Manifest{
		Version:   manifestVersion,
		ID:        id,
		Mode:      mode,
		CreatedAt: s.clock.Now().UTC(),
		BaseID:    baseID,
	}

	var objectCount, totalBytes int64
	for _, entry := range s.store.Entries() {
		if mode == ModeIncremental && !entry.StoredAt.After(cutoff) {
			continue
		}

		data, err := os.ReadFile(s.store.ObjectPath(entry.Tier, entry.StorageID))
		if err != nil {
			// A concurrent delete between the snapshot and the read.
			// The object is simply absent from this archive.
			s.logger.Warn("skipping unreadable object during backup",
				"storage_id", objectstore.FormatHash(entry.StorageID),
				"error", err,
			)
			continue
		}

		archivePath := filepath.Join("objects", string(entry.Tier), objectstore.FormatHash(entry.StorageID))
		if err := writeTarFile(tarWriter, archivePath, data, manifest.CreatedAt); err != nil {
			return "", 0, 0, err
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:     archivePath,
			Size:     int64(len(data)),
			Checksum: fileChecksum(data),
		})
		objectCount++
		totalBytes += int64(len(data))
	}

	// The index snapshot rides along so the archive is restorable
	// without the live store.
	indexData, err := os.ReadFile(s.store.IndexPath())
	if err != nil {
		return "", 0, 0, fmt.Errorf("reading index for archive: %w", err)
	}
	if err := writeTarFile(tarWriter, "index.cbor", indexData, manifest.CreatedAt); err != nil {
		return "", 0, 0, err
	}
	manifest.Files = append(manifest.Files, ManifestFile{
		Path:     "index.cbor",
		Size:     int64(len(indexData)),
		Checksum: fileChecksum(indexData),
	})

	manifestData, err := codec.Marshal(manifest)
	if err != nil {
		return "", 0, 0, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarFile(tarWriter, ManifestName, manifestData, manifest.CreatedAt); err != nil {
		return "", 0, 0, err
	}

	if err := tarWriter.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("closing zstd stream: %w", err)
	}
	if ageWriter != nil {
		if err := ageWriter.Close(); err != nil {
			return "", 0, 0, fmt.Errorf("closing age stream: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		return "", 0, 0, fmt.Errorf("syncing archive: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, 0, fmt.Errorf("renaming archive into place: %w", err)
	}

	success = true
	return finalPath, objectCount, totalBytes, nil
}

// newBackupID generates a timestamped id with a random suffix to
// disambiguate runs started within the same second.
func (s *Service) newBackupID() (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("backup: generating run id: %w", err)
	}
	return fmt.Sprintf("backup-%s-%s",
		s.clock.Now().UTC().Format("20060102T150405Z"),
		hex.EncodeToString(suffix)), nil
}

func writeTarFile(tarWriter *tar.Writer, path string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:    path,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := tarWriter.Write(data); err != nil {
		return fmt.Errorf("writing tar entry %s: %w", path, err)
	}
	return nil
}
