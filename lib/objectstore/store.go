// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/meta"
	"github.com/bureau-foundation/snapvault/lib/quota"
)

// CompressionAuto is accepted in PutOptions only, never persisted.
// The store probes the payload and records the algorithm actually
// applied in the object's index entry.
const CompressionAuto CompressionTag = 0xFF

// indexFileName is the index file within the store root.
const indexFileName = "index.cbor"

// PutOptions controls the storage pipeline for one Put.
type PutOptions struct {
	// Compression selects the algorithm for the stored bytes.
	// CompressionAuto probes the payload; CompressionNone stores raw.
	// Whatever the request, incompressible payloads are stored raw
	// and recorded as CompressionNone.
	Compression CompressionTag

	// Encrypt wraps the stored bytes in the encrypted object format
	// using the store's key. Fails if the store was opened without
	// one.
	Encrypt bool

	// Dedup addresses the object by content hash: a put whose content
	// already exists stores nothing and aliases the existing object.
	// Without dedup the object gets a random storage address, so
	// identical content written twice occupies two files.
	Dedup bool

	// Tier is the initial storage tier. Empty means TierHot.
	Tier Tier
}

// ObjectInfo describes a stored object as seen through one of its
// keys.
type ObjectInfo struct {
	Key          string
	StorageID    Hash
	ContentHash  Hash
	Tier         Tier
	Keys         []string
	OriginalSize int64
	StoredSize   int64
	Compression  CompressionTag
	Encrypted    bool

	// Deduplicated is true when the put found the content already
	// stored and only added an alias.
	Deduplicated bool

	StoredAt   time.Time
	LastAccess time.Time
}

// TierStats aggregates one tier's contents.
type TierStats struct {
	Objects     int64 `cbor:"objects" json:"objects"`
	StoredBytes int64 `cbor:"stored_bytes" json:"stored_bytes"`
}

// StoreStats aggregates the whole store.
type StoreStats struct {
	Objects       int64               `cbor:"objects" json:"objects"`
	Keys          int64               `cbor:"keys" json:"keys"`
	OriginalBytes int64               `cbor:"original_bytes" json:"original_bytes"`
	StoredBytes   int64               `cbor:"stored_bytes" json:"stored_bytes"`
	Tiers         map[Tier]TierStats  `cbor:"tiers" json:"tiers"`

	// CompressionSavings is the overall fraction of original bytes
	// saved by compression, in [0, 1).
	CompressionSavings float64 `cbor:"compression_savings" json:"compression_savings"`
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Root is the store directory. Created if absent.
	Root string

	// Meta persists object records, quota counters, and backup runs.
	// The store does not own it: the caller closes it after the
	// store. Required.
	Meta meta.Store

	// Quotas enforces storage limits. Required.
	Quotas *quota.Enforcer

	// Keys enables encryption. Nil means puts requesting encryption
	// fail and existing encrypted objects cannot be read.
	Keys *KeySet

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Clock provides timestamps for access tracking. Required.
	Clock clock.Clock
}

// Store is a tiered, deduplicating, compressing, optionally
// encrypting object store for session snapshots. All operations on
// one Store are serialized by a single mutex: the workload is large
// payloads at modest operation rates, where codec and disk time
// dominates and lock contention does not.
type Store struct {
	root   string
	tiers  *TierDirectory
	meta   meta.Store
	quotas *quota.Enforcer
	keys   *KeySet
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	index *Index

	// pendingAccess accumulates LastAccess updates between flushes.
	// Access times are advisory (they drive tier demotion), so they
	// are persisted in batches at the tiering tick and on Close,
	// not on every read.
	pendingAccess map[Hash]time.Time

	closed bool
}

// Open opens (creating if needed) a store at cfg.Root, loads its
// index, and reconciles quota usage and metadata records against it.
// The index file on disk is authoritative after a crash: metadata
// rows and quota counters are rebuilt from it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Meta == nil {
		return nil, fmt.Errorf("objectstore: Meta is required")
	}
	if cfg.Quotas == nil {
		return nil, fmt.Errorf("objectstore: Quotas is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("objectstore: Logger is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("objectstore: Clock is required")
	}

	tiers, err := NewTierDirectory(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}

	index, err := LoadIndex(filepath.Join(cfg.Root, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}

	store := &Store{
		root:          cfg.Root,
		tiers:         tiers,
		meta:          cfg.Meta,
		quotas:        cfg.Quotas,
		keys:          cfg.Keys,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		index:         index,
		pendingAccess: make(map[Hash]time.Time),
	}

	store.reconcileQuotas(ctx)
	if err := store.reconcileMeta(ctx); err != nil {
		return nil, fmt.Errorf("objectstore: reconciling metadata: %w", err)
	}

	// Persist the index immediately so the file exists for readers
	// (backups) even before the first put.
	if err := store.saveIndexLocked(); err != nil {
		return nil, fmt.Errorf("objectstore: writing index: %w", err)
	}

	cfg.Logger.Info("object store opened",
		"root", cfg.Root,
		"objects", index.Len(),
		"keys", index.KeyCount(),
	)
	return store, nil
}

// reconcileQuotas overwrites the quota counters with usage computed
// from the loaded index.
func (s *Store) reconcileQuotas(ctx context.Context) {
	var storedBytes int64
	for _, entry := range s.index.Entries() {
		storedBytes += entry.StoredSize
	}
	s.quotas.Reconcile(ctx, quota.Delta{
		Objects: int64(s.index.Len()),
		Keys:    int64(s.index.KeyCount()),
		Bytes:   storedBytes,
	})
}

// reconcileMeta makes the metadata object table match the index:
// every index entry gets an upserted record, stray records are
// removed.
func (s *Store) reconcileMeta(ctx context.Context) error {
	known := make(map[string]bool)
	for _, entry := range s.index.Entries() {
		known[FormatHash(entry.StorageID)] = true
		if err := s.meta.PutObject(ctx, objectRecord(&entry)); err != nil {
			return err
		}
	}

	records, err := s.meta.Objects(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if known[record.StorageID] {
			continue
		}
		if err := s.meta.DeleteObject(ctx, record.StorageID); err != nil {
			return err
		}
	}
	return nil
}

// Put stores data under a logical key. An existing key is
// overwritten: its previous alias is removed first, which may delete
// the previous object if the key was its last reference.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) (ObjectInfo, error) {
	if key == "" {
		return ObjectInfo{}, fmt.Errorf("put: key must not be empty")
	}
	tier := opts.Tier
	if tier == "" {
		tier = TierHot
	}
	if _, err := ParseTier(string(tier)); err != nil {
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}
	if opts.Encrypt && s.keys == nil {
		return ObjectInfo{}, fmt.Errorf("put %q: encryption requested but store has no key", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Overwrite: detach the key from whatever it referenced.
	if _, exists := s.index.ResolveKey(key); exists {
		if err := s.removeKeyLocked(ctx, key); err != nil {
			return ObjectInfo{}, fmt.Errorf("put %q: removing previous object: %w", key, err)
		}
	}

	now := s.clock.Now().UTC()
	contentHash := HashContent(data)

	// Dedup hit: alias the existing object, store nothing.
	if opts.Dedup {
		if entry, exists := s.index.LookupContent(contentHash); exists {
			if err := s.quotas.Charge(ctx, quota.Delta{Keys: 1}); err != nil {
				return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
			}
			s.index.AddAlias(entry.StorageID, key)
			entry.LastAccess = now
			s.pendingAccess[entry.StorageID] = now

			if err := s.saveIndexLocked(); err != nil {
				return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
			}
			s.putMetaRecord(ctx, entry)

			info := entryInfo(entry, key)
			info.Deduplicated = true
			// The alias costs no storage; the physical size stays
			// with the existing entry. Callers summing put results
			// must not count the object twice.
			info.StoredSize = 0
			return info, nil
		}
	}

	storageID := contentHash
	if !opts.Dedup {
		randomID, err := RandomID()
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
		}
		storageID = randomID
	}

	compression := opts.Compression
	if compression == CompressionAuto {
		compression = SelectCompression(data)
	}
	stored, compression, err := compressWithFallback(data, compression)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}
	storedSize := int64(len(stored))

	payload := stored
	if opts.Encrypt {
		payload, err = s.keys.EncryptObject(stored, storageID)
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
		}
	}

	// Charge before touching disk so a failed write has a clean
	// rollback path.
	charge := quota.Delta{Objects: 1, Keys: 1, Bytes: storedSize}
	if err := s.quotas.Charge(ctx, charge); err != nil {
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}

	if err := s.tiers.WriteObject(tier, storageID, payload); err != nil {
		s.quotas.Release(ctx, charge)
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}

	entry := &Entry{
		StorageID:    storageID,
		ContentHash:  contentHash,
		Tier:         tier,
		Keys:         []string{key},
		Dedup:        opts.Dedup,
		OriginalSize: int64(len(data)),
		StoredSize:   storedSize,
		Compression:  compression,
		Encrypted:    opts.Encrypt,
		StoredAt:     now,
		LastAccess:   now,
	}
	s.index.Insert(entry)

	if err := s.saveIndexLocked(); err != nil {
		// The object file is orphaned but harmless: reconciliation at
		// next open rebuilds counters from the surviving index.
		s.index.Remove(storageID)
		s.quotas.Release(ctx, charge)
		s.tiers.RemoveObject(tier, storageID)
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}
	s.putMetaRecord(ctx, entry)

	return entryInfo(entry, key), nil
}

// PutFile stores the contents of a file under a logical key.
func (s *Store) PutFile(ctx context.Context, key, path string, opts PutOptions) (ObjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %q: reading %s: %w", key, path, err)
	}
	return s.Put(ctx, key, data, opts)
}

// Get retrieves the payload stored under a logical key, reversing
// encryption and compression and verifying the content hash. Updates
// the object's access time in memory; persistence happens at the next
// flush.
func (s *Store) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.index.ResolveKey(key)
	if !exists {
		return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}

	payload, err := s.tiers.ReadObject(entry.Tier, entry.StorageID)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, err)
		}
		// Re-resolve once: an external process (backup restore,
		// operator tooling) may have moved the file between tiers
		// under a fresh index. A second miss is corruption.
		entry, exists = s.index.ResolveKey(key)
		if !exists {
			return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		payload, err = s.tiers.ReadObject(entry.Tier, entry.StorageID)
		if err != nil {
			return nil, ObjectInfo{}, fmt.Errorf("get %q: object %s missing from %s tier: %w",
				key, FormatHash(entry.StorageID), entry.Tier, ErrCorruptIndex)
		}
	}

	stored := payload
	if entry.Encrypted {
		if s.keys == nil {
			return nil, ObjectInfo{}, fmt.Errorf("get %q: object is encrypted but store has no key", key)
		}
		stored, err = s.keys.DecryptObject(payload, entry.StorageID)
		if err != nil {
			return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, err)
		}
	}

	data, err := Decompress(stored, entry.Compression, int(entry.OriginalSize))
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, err)
	}

	if HashContent(data) != entry.ContentHash {
		return nil, ObjectInfo{}, fmt.Errorf("get %q: content hash mismatch for object %s: %w",
			key, FormatHash(entry.StorageID), ErrCodec)
	}

	now := s.clock.Now().UTC()
	entry.LastAccess = now
	s.pendingAccess[entry.StorageID] = now

	return data, entryInfo(entry, key), nil
}

// Info returns metadata for the object behind a key without reading
// its payload. Does not update the access time.
func (s *Store) Info(key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.index.ResolveKey(key)
	if !exists {
		return ObjectInfo{}, fmt.Errorf("info %q: %w", key, ErrNotFound)
	}
	return entryInfo(entry, key), nil
}

// Delete removes a logical key. The underlying object is deleted
// only when the key was its last reference. Deleting an absent key is
// a no-op: deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index.ResolveKey(key); !exists {
		return nil
	}
	if err := s.removeKeyLocked(ctx, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if err := s.saveIndexLocked(); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// removeKeyLocked detaches a key and deletes the object if it became
// unreferenced. Releases the quota the key (and possibly the object)
// held. Does not save the index; callers batch that.
func (s *Store) removeKeyLocked(ctx context.Context, key string) error {
	entry, exists := s.index.RemoveAlias(key)
	if !exists {
		return nil
	}
	s.quotas.Release(ctx, quota.Delta{Keys: 1})

	if len(entry.Keys) > 0 {
		s.putMetaRecord(ctx, entry)
		return nil
	}

	// Last reference gone: delete the object.
	s.index.Remove(entry.StorageID)
	delete(s.pendingAccess, entry.StorageID)
	if err := s.tiers.RemoveObject(entry.Tier, entry.StorageID); err != nil {
		return err
	}
	s.quotas.Release(ctx, quota.Delta{Objects: 1, Bytes: entry.StoredSize})

	if err := s.meta.DeleteObject(ctx, FormatHash(entry.StorageID)); err != nil {
		s.logger.Error("deleting object metadata failed",
			"storage_id", FormatHash(entry.StorageID),
			"error", err,
		)
	}
	return nil
}

// MoveTier relocates the object behind a key to a different tier.
// The copy lands in the destination before the index is updated, and
// the source file is removed last, so a crash at any point leaves the
// object readable at the tier the index names.
func (s *Store) MoveTier(ctx context.Context, key string, target Tier) error {
	if _, err := ParseTier(string(target)); err != nil {
		return fmt.Errorf("move %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.index.ResolveKey(key)
	if !exists {
		return fmt.Errorf("move %q: %w", key, ErrNotFound)
	}
	return s.moveEntryLocked(ctx, entry, target, fmt.Sprintf("move %q", key))
}

// MoveObjectTier relocates an object by storage id. Used by the
// tiering scheduler, which works from index snapshots rather than
// keys.
func (s *Store) MoveObjectTier(ctx context.Context, storageID Hash, target Tier) error {
	if _, err := ParseTier(string(target)); err != nil {
		return fmt.Errorf("move %s: %w", FormatHash(storageID), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.index.Entry(storageID)
	if !exists {
		return fmt.Errorf("move %s: %w", FormatHash(storageID), ErrNotFound)
	}
	return s.moveEntryLocked(ctx, entry, target, fmt.Sprintf("move %s", FormatHash(storageID)))
}

func (s *Store) moveEntryLocked(ctx context.Context, entry *Entry, target Tier, operation string) error {
	if entry.Tier == target {
		return nil
	}
	source := entry.Tier

	if err := s.tiers.CopyObject(entry.StorageID, source, target); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	s.index.UpdateTier(entry.StorageID, target)
	if err := s.saveIndexLocked(); err != nil {
		s.index.UpdateTier(entry.StorageID, source)
		s.tiers.RemoveObject(target, entry.StorageID)
		return fmt.Errorf("%s: %w", operation, err)
	}
	s.putMetaRecord(ctx, entry)

	if err := s.tiers.RemoveObject(source, entry.StorageID); err != nil {
		// Duplicate bytes, not an inconsistency: the index points at
		// the destination copy.
		s.logger.Warn("removing source copy after tier move failed",
			"storage_id", FormatHash(entry.StorageID),
			"tier", string(source),
			"error", err,
		)
	}
	return nil
}

// Entries returns a snapshot of all index entries. The tiering
// scheduler and backup service iterate this without holding the store
// lock.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Entries()
}

// IndexPath returns the on-disk path of the index file. The backup
// service includes it in archives so a restored tree is self
// describing.
func (s *Store) IndexPath() string {
	return filepath.Join(s.root, indexFileName)
}

// ObjectPath returns the on-disk path an object occupies within a
// tier. For diagnostics and tests; the file at this path holds the
// stored (compressed, possibly encrypted) bytes, not the payload.
func (s *Store) ObjectPath(tier Tier, storageID Hash) string {
	return s.tiers.ObjectPath(tier, storageID)
}

// Stats aggregates the current store contents.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StoreStats{
		Objects: int64(s.index.Len()),
		Keys:    int64(s.index.KeyCount()),
		Tiers:   make(map[Tier]TierStats, len(Tiers)),
	}
	for _, tier := range Tiers {
		stats.Tiers[tier] = TierStats{}
	}
	for _, entry := range s.index.Entries() {
		stats.OriginalBytes += entry.OriginalSize
		stats.StoredBytes += entry.StoredSize
		tierStats := stats.Tiers[entry.Tier]
		tierStats.Objects++
		tierStats.StoredBytes += entry.StoredSize
		stats.Tiers[entry.Tier] = tierStats
	}
	if stats.OriginalBytes > 0 && stats.StoredBytes < stats.OriginalBytes {
		stats.CompressionSavings = 1 - float64(stats.StoredBytes)/float64(stats.OriginalBytes)
	}
	return stats
}

// FlushAccess persists accumulated access-time updates to the index
// file and metadata store. Called by the tiering scheduler each tick
// and by Close.
func (s *Store) FlushAccess(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAccessLocked(ctx)
}

func (s *Store) flushAccessLocked(ctx context.Context) error {
	if len(s.pendingAccess) == 0 {
		return nil
	}

	accesses := make([]meta.ObjectAccess, 0, len(s.pendingAccess))
	for storageID, lastAccess := range s.pendingAccess {
		accesses = append(accesses, meta.ObjectAccess{
			StorageID:  FormatHash(storageID),
			LastAccess: lastAccess,
		})
	}

	if err := s.saveIndexLocked(); err != nil {
		return fmt.Errorf("flushing access times: %w", err)
	}
	if err := s.meta.TouchObjects(ctx, accesses); err != nil {
		return fmt.Errorf("flushing access times: %w", err)
	}

	s.pendingAccess = make(map[Hash]time.Time)
	return nil
}

// Close flushes pending access times and releases the encryption
// key. The metadata store is not closed; the caller owns it.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.flushAccessLocked(ctx)
	if s.keys != nil {
		s.keys.Close()
	}
	if flushErr != nil {
		return fmt.Errorf("objectstore: close: %w", flushErr)
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	return s.index.Save(filepath.Join(s.root, indexFileName))
}

// putMetaRecord mirrors an entry to the metadata store. Failures are
// logged, not returned: the index file is authoritative and
// reconciliation at next open repairs drift.
func (s *Store) putMetaRecord(ctx context.Context, entry *Entry) {
	if err := s.meta.PutObject(ctx, objectRecord(entry)); err != nil {
		s.logger.Error("persisting object metadata failed",
			"storage_id", FormatHash(entry.StorageID),
			"error", err,
		)
	}
}

func objectRecord(entry *Entry) meta.ObjectRecord {
	return meta.ObjectRecord{
		StorageID:    FormatHash(entry.StorageID),
		ContentHash:  FormatHash(entry.ContentHash),
		Tier:         string(entry.Tier),
		Keys:         entry.Keys,
		Dedup:        entry.Dedup,
		OriginalSize: entry.OriginalSize,
		StoredSize:   entry.StoredSize,
		Compression:  entry.Compression.String(),
		Encrypted:    entry.Encrypted,
		StoredAt:     entry.StoredAt,
		LastAccess:   entry.LastAccess,
	}
}

func entryInfo(entry *Entry, key string) ObjectInfo {
	keys := make([]string, len(entry.Keys))
	copy(keys, entry.Keys)
	return ObjectInfo{
		Key:          key,
		StorageID:    entry.StorageID,
		ContentHash:  entry.ContentHash,
		Tier:         entry.Tier,
		Keys:         keys,
		OriginalSize: entry.OriginalSize,
		StoredSize:   entry.StoredSize,
		Compression:  entry.Compression,
		Encrypted:    entry.Encrypted,
		StoredAt:     entry.StoredAt,
		LastAccess:   entry.LastAccess,
	}
}
