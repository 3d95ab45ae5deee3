// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEntry(content string, dedup bool) *Entry {
	contentHash := HashContent([]byte(content))
	return &Entry{
		StorageID:    contentHash,
		ContentHash:  contentHash,
		Tier:         TierHot,
		Keys:         []string{"session/" + content},
		Dedup:        dedup,
		OriginalSize: int64(len(content)),
		StoredSize:   int64(len(content)),
		Compression:  CompressionNone,
		StoredAt:     time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		LastAccess:   time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestIndexResolveAndLookup(t *testing.T) {
	index := NewIndex()
	entry := testEntry("alpha", true)
	index.Insert(entry)

	resolved, exists := index.ResolveKey("session/alpha")
	if !exists {
		t.Fatal("ResolveKey found nothing")
	}
	if resolved.StorageID != entry.StorageID {
		t.Error("ResolveKey returned the wrong entry")
	}

	byContent, exists := index.LookupContent(entry.ContentHash)
	if !exists {
		t.Fatal("LookupContent found nothing for a dedup entry")
	}
	if byContent.StorageID != entry.StorageID {
		t.Error("LookupContent returned the wrong entry")
	}
}

func TestIndexNonDedupEntrySkipsDedupMap(t *testing.T) {
	index := NewIndex()
	entry := testEntry("beta", false)
	index.Insert(entry)

	if _, exists := index.LookupContent(entry.ContentHash); exists {
		t.Error("LookupContent found a non-dedup entry")
	}
	if _, exists := index.ResolveKey("session/beta"); !exists {
		t.Error("ResolveKey missed a non-dedup entry")
	}
}

func TestIndexAliases(t *testing.T) {
	index := NewIndex()
	entry := testEntry("gamma", true)
	index.Insert(entry)

	index.AddAlias(entry.StorageID, "session/gamma-copy")
	index.AddAlias(entry.StorageID, "session/gamma-copy") // duplicate is a no-op

	if len(entry.Keys) != 2 {
		t.Fatalf("entry has %d keys, want 2", len(entry.Keys))
	}
	if index.KeyCount() != 2 {
		t.Fatalf("KeyCount = %d, want 2", index.KeyCount())
	}

	removed, exists := index.RemoveAlias("session/gamma")
	if !exists {
		t.Fatal("RemoveAlias found nothing")
	}
	if len(removed.Keys) != 1 || removed.Keys[0] != "session/gamma-copy" {
		t.Errorf("remaining keys = %v, want [session/gamma-copy]", removed.Keys)
	}

	removed, exists = index.RemoveAlias("session/gamma-copy")
	if !exists {
		t.Fatal("RemoveAlias (last key) found nothing")
	}
	if len(removed.Keys) != 0 {
		t.Errorf("entry still has keys after removing all aliases: %v", removed.Keys)
	}
}

func TestIndexRemove(t *testing.T) {
	index := NewIndex()
	entry := testEntry("delta", true)
	index.Insert(entry)

	index.Remove(entry.StorageID)

	if index.Len() != 0 {
		t.Errorf("Len = %d after remove, want 0", index.Len())
	}
	if _, exists := index.ResolveKey("session/delta"); exists {
		t.Error("removed entry still resolvable by key")
	}
	if _, exists := index.LookupContent(entry.ContentHash); exists {
		t.Error("removed entry still in dedup map")
	}
}

func TestIndexSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cbor")

	index := NewIndex()
	index.Insert(testEntry("one", true))
	index.Insert(testEntry("two", false))
	entry := testEntry("three", true)
	entry.Tier = TierCold
	entry.Compression = CompressionZstd
	entry.Encrypted = true
	index.Insert(entry)

	if err := index.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadIndex(path)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("loaded %d entries, want 3", loaded.Len())
	}

	restored, exists := loaded.ResolveKey("session/three")
	if !exists {
		t.Fatal("loaded index missing session/three")
	}
	if restored.Tier != TierCold || restored.Compression != CompressionZstd || !restored.Encrypted {
		t.Errorf("entry attributes lost in round trip: %+v", restored)
	}

	// Dedup map rebuilt only for dedup entries.
	if _, exists := loaded.LookupContent(HashContent([]byte("one"))); !exists {
		t.Error("dedup entry missing from rebuilt dedup map")
	}
	if _, exists := loaded.LookupContent(HashContent([]byte("two"))); exists {
		t.Error("non-dedup entry present in rebuilt dedup map")
	}
}

func TestIndexLoadMissingFile(t *testing.T) {
	loaded, err := LoadIndex(filepath.Join(t.TempDir(), "absent.cbor"))
	if err != nil {
		t.Fatalf("LoadIndex of missing file: %v", err)
	}
	if loaded.Len() != 0 {
		t.Errorf("missing file loaded %d entries, want 0", loaded.Len())
	}
}

func TestIndexLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cbor")

	index := NewIndex()
	index.Insert(testEntry("epsilon", true))
	if err := index.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadIndex(path); !errors.Is(err, ErrCorruptIndex) {
		t.Errorf("LoadIndex of corrupted file = %v, want ErrCorruptIndex", err)
	}
}

func TestIndexLoadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cbor")
	if err := os.WriteFile(path, []byte{0x01, 0x02}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadIndex(path); !errors.Is(err, ErrCorruptIndex) {
		t.Errorf("LoadIndex of truncated file = %v, want ErrCorruptIndex", err)
	}
}

func TestIndexSaveDeterministic(t *testing.T) {
	directory := t.TempDir()
	pathA := filepath.Join(directory, "a.cbor")
	pathB := filepath.Join(directory, "b.cbor")

	build := func() *Index {
		index := NewIndex()
		index.Insert(testEntry("one", true))
		index.Insert(testEntry("two", true))
		index.Insert(testEntry("three", false))
		return index
	}

	if err := build().Save(pathA); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := build().Save(pathB); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dataA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dataB, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(dataA) != string(dataB) {
		t.Error("identical index states produced different files")
	}
}

func TestEntriesSnapshotIsIsolated(t *testing.T) {
	index := NewIndex()
	index.Insert(testEntry("zeta", true))

	snapshot := index.Entries()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snapshot))
	}
	snapshot[0].Tier = TierCold
	snapshot[0].Keys[0] = "mutated"

	entry, _ := index.ResolveKey("session/zeta")
	if entry == nil || entry.Tier != TierHot || entry.Keys[0] != "session/zeta" {
		t.Error("mutating a snapshot leaked into the index")
	}
}

func TestCompressionRatio(t *testing.T) {
	entry := &Entry{OriginalSize: 1000, StoredSize: 250}
	if got := entry.CompressionRatio(); got != 0.75 {
		t.Errorf("CompressionRatio = %v, want 0.75", got)
	}

	empty := &Entry{}
	if got := empty.CompressionRatio(); got != 0 {
		t.Errorf("CompressionRatio of empty object = %v, want 0", got)
	}

	grown := &Entry{OriginalSize: 100, StoredSize: 120}
	if got := grown.CompressionRatio(); got != 0 {
		t.Errorf("CompressionRatio of grown object = %v, want 0", got)
	}
}
