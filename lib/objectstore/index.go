// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/snapvault/lib/codec"
)

// Entry records everything the store knows about one stored object:
// where its bytes live, how they were transformed on the way in, and
// which logical keys reference it.
type Entry struct {
	// StorageID addresses the object file on disk. For deduplicated
	// objects this is the content hash; for objects stored with
	// deduplication disabled it is a random id, so identical content
	// written twice occupies two independent files.
	StorageID Hash `cbor:"storage_id"`

	// ContentHash is the SHA-256 of the raw payload, kept for
	// integrity verification on read regardless of dedup mode.
	ContentHash Hash `cbor:"content_hash"`

	// Tier is the storage tier the object file currently lives in.
	Tier Tier `cbor:"tier"`

	// Keys are the logical keys referencing this object. An object
	// with no keys is unreferenced and gets deleted.
	Keys []string `cbor:"keys"`

	// Dedup records whether this object participates in content-hash
	// deduplication. Controls dedup-map registration on load.
	Dedup bool `cbor:"dedup"`

	// OriginalSize is the raw payload size in bytes.
	OriginalSize int64 `cbor:"original_size"`

	// StoredSize is the post-compression payload size. Encryption
	// framing overhead is constant per object and not counted here,
	// so compression ratios derive directly from these two fields.
	StoredSize int64 `cbor:"stored_size"`

	// Compression is the algorithm the stored bytes are compressed
	// with. Recorded per object: the store's configured default can
	// change without invalidating existing objects.
	Compression CompressionTag `cbor:"compression"`

	// Encrypted records whether the stored bytes are wrapped in the
	// encrypted object format.
	Encrypted bool `cbor:"encrypted"`

	// StoredAt is when the object was first written.
	StoredAt time.Time `cbor:"stored_at"`

	// LastAccess is the most recent read or write touching this
	// object. Drives tier demotion. Updated in memory on every
	// access and flushed to disk periodically, not per read.
	LastAccess time.Time `cbor:"last_access"`
}

// CompressionRatio returns the fraction of the original size saved by
// compression, in [0, 1). Zero-byte objects report zero.
func (e *Entry) CompressionRatio() float64 {
	if e.OriginalSize == 0 {
		return 0
	}
	ratio := 1 - float64(e.StoredSize)/float64(e.OriginalSize)
	if ratio < 0 {
		return 0
	}
	return ratio
}

// indexVersion is the on-disk format version of the index file.
const indexVersion = 1

// indexDomainKey is the BLAKE3 keyed-hash key for the index file
// checksum. A fixed constant — changing it invalidates every existing
// index file. The bytes are the ASCII domain name zero-padded to 32,
// readable in hex dumps without weakening the keyed mode.
var indexDomainKey = [32]byte{
	's', 'n', 'a', 'p', 'v', 'a', 'u', 'l', 't', '.',
	'i', 'n', 'd', 'e', 'x', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// indexFile is the serialized form of the index.
type indexFile struct {
	Version int     `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

// Index maps storage ids, content hashes, and logical keys to object
// entries. The entries map is primary; dedup and byKey are derived
// lookups kept in sync by every mutation.
//
// Index is not safe for concurrent use. The store serializes all
// access through its mutex.
type Index struct {
	entries map[Hash]*Entry

	// dedup maps content hash to storage id, for content-addressed
	// objects only. This is the deduplication lookup: a Put with
	// dedup enabled checks here before writing anything.
	dedup map[Hash]Hash

	// byKey maps each logical key to the storage id it references.
	byKey map[string]Hash
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[Hash]*Entry),
		dedup:   make(map[Hash]Hash),
		byKey:   make(map[string]Hash),
	}
}

// LoadIndex reads an index file from disk, verifying its checksum
// trailer. A missing file yields an empty index (fresh store root). A
// present but unverifiable file yields ErrCorruptIndex.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}

	if len(data) < 32 {
		return nil, fmt.Errorf("index file is %d bytes, shorter than its checksum: %w", len(data), ErrCorruptIndex)
	}
	body, trailer := data[:len(data)-32], data[len(data)-32:]

	checksum := indexChecksum(body)
	if !slices.Equal(checksum[:], trailer) {
		return nil, fmt.Errorf("index checksum mismatch: %w", ErrCorruptIndex)
	}

	var file indexFile
	if err := codec.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("decoding index: %w (%w)", err, ErrCorruptIndex)
	}
	if file.Version != indexVersion {
		return nil, fmt.Errorf("index version %d, want %d: %w", file.Version, indexVersion, ErrCorruptIndex)
	}

	index := NewIndex()
	for i := range file.Entries {
		entry := file.Entries[i]
		index.Insert(&entry)
	}
	return index, nil
}

// Save writes the index to path atomically: temp file in the same
// directory, then rename. The serialized body carries a keyed BLAKE3
// checksum trailer so a torn or bit-rotted index is detected at load
// rather than silently corrupting lookups.
func (idx *Index) Save(path string) error {
	file := indexFile{
		Version: indexVersion,
		Entries: make([]Entry, 0, len(idx.entries)),
	}
	for _, entry := range idx.entries {
		file.Entries = append(file.Entries, *entry)
	}
	// Deterministic order makes identical index states byte-identical
	// on disk.
	slices.SortFunc(file.Entries, func(a, b Entry) int {
		return slices.Compare(a.StorageID[:], b.StorageID[:])
	})

	body, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	checksum := indexChecksum(body)

	tmpFile, err := os.CreateTemp(filepath.Dir(path), "index-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	if _, err := tmpFile.Write(checksum[:]); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing index checksum: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming index into place: %w", err)
	}

	success = true
	return nil
}

// Insert registers an entry in the primary map and both derived
// lookups. An existing entry with the same storage id is replaced.
func (idx *Index) Insert(entry *Entry) {
	idx.entries[entry.StorageID] = entry
	if entry.Dedup {
		idx.dedup[entry.ContentHash] = entry.StorageID
	}
	for _, key := range entry.Keys {
		idx.byKey[key] = entry.StorageID
	}
}

// Remove deletes an entry from all maps. The caller is responsible
// for deleting the object file.
func (idx *Index) Remove(storageID Hash) {
	entry, exists := idx.entries[storageID]
	if !exists {
		return
	}
	delete(idx.entries, storageID)
	if entry.Dedup {
		delete(idx.dedup, entry.ContentHash)
	}
	for _, key := range entry.Keys {
		delete(idx.byKey, key)
	}
}

// ResolveKey returns the entry a logical key references.
func (idx *Index) ResolveKey(key string) (*Entry, bool) {
	storageID, exists := idx.byKey[key]
	if !exists {
		return nil, false
	}
	entry, exists := idx.entries[storageID]
	return entry, exists
}

// LookupContent returns the content-addressed entry for a content
// hash, if one exists. Only objects stored with dedup enabled are
// found here.
func (idx *Index) LookupContent(contentHash Hash) (*Entry, bool) {
	storageID, exists := idx.dedup[contentHash]
	if !exists {
		return nil, false
	}
	entry, exists := idx.entries[storageID]
	return entry, exists
}

// Entry returns the entry for a storage id.
func (idx *Index) Entry(storageID Hash) (*Entry, bool) {
	entry, exists := idx.entries[storageID]
	return entry, exists
}

// AddAlias attaches a logical key to an existing entry. Adding a key
// the entry already carries is a no-op.
func (idx *Index) AddAlias(storageID Hash, key string) {
	entry, exists := idx.entries[storageID]
	if !exists {
		return
	}
	if !slices.Contains(entry.Keys, key) {
		entry.Keys = append(entry.Keys, key)
	}
	idx.byKey[key] = storageID
}

// RemoveAlias detaches a logical key from whatever entry it
// references. Returns the entry so the caller can check whether it
// became unreferenced.
func (idx *Index) RemoveAlias(key string) (*Entry, bool) {
	storageID, exists := idx.byKey[key]
	if !exists {
		return nil, false
	}
	delete(idx.byKey, key)
	entry, exists := idx.entries[storageID]
	if !exists {
		return nil, false
	}
	entry.Keys = slices.DeleteFunc(entry.Keys, func(k string) bool {
		return k == key
	})
	return entry, true
}

// UpdateTier records an object's new tier.
func (idx *Index) UpdateTier(storageID Hash, tier Tier) {
	if entry, exists := idx.entries[storageID]; exists {
		entry.Tier = tier
	}
}

// Touch records an access time on an object.
func (idx *Index) Touch(storageID Hash, at time.Time) {
	if entry, exists := idx.entries[storageID]; exists {
		entry.LastAccess = at
	}
}

// Entries returns a snapshot slice of all entries, copied so the
// caller can release the store mutex before iterating. Pointers are
// not shared: mutating a snapshot entry does not touch the index.
func (idx *Index) Entries() []Entry {
	snapshot := make([]Entry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		copied := *entry
		copied.Keys = slices.Clone(entry.Keys)
		snapshot = append(snapshot, copied)
	}
	return snapshot
}

// Len returns the number of stored objects.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// KeyCount returns the number of logical keys across all objects.
func (idx *Index) KeyCount() int {
	return len(idx.byKey)
}

// indexChecksum computes the keyed BLAKE3 checksum of the index body.
func indexChecksum(body []byte) [32]byte {
	hasher, err := blake3.NewKeyed(indexDomainKey[:])
	if err != nil {
		panic("objectstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(body)
	var checksum [32]byte
	copy(checksum[:], hasher.Sum(nil))
	return checksum
}
