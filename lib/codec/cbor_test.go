// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// indexEntryLike mirrors the shape of a dedup index entry: fixed-size
// byte arrays, strings, and integers with cbor struct tags.
type indexEntryLike struct {
	Hash     [32]byte `cbor:"hash"`
	Tier     string   `cbor:"tier"`
	Keys     []string `cbor:"keys"`
	Size     int64    `cbor:"size"`
	Optional string   `cbor:"optional,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	entry := indexEntryLike{
		Tier: "hot",
		Keys: []string{"session/a", "session/b"},
		Size: 4096,
	}
	entry.Hash[0] = 0xab

	first, err := Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := Marshal(entry)
	if err != nil {
		t.Fatalf("second Marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("deterministic encoding produced different bytes for the same value")
	}
}

func TestRoundTrip(t *testing.T) {
	entry := indexEntryLike{
		Tier: "cold",
		Keys: []string{"snapshot-9"},
		Size: 123456789,
	}
	for i := range entry.Hash {
		entry.Hash[i] = byte(i)
	}

	data, err := Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded indexEntryLike
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Hash != entry.Hash {
		t.Error("hash did not round-trip")
	}
	if decoded.Tier != entry.Tier || decoded.Size != entry.Size {
		t.Errorf("fields did not round-trip: got %+v", decoded)
	}
	if len(decoded.Keys) != 1 || decoded.Keys[0] != "snapshot-9" {
		t.Errorf("keys did not round-trip: %v", decoded.Keys)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// Encode a superset struct, decode into the smaller one.
	type superset struct {
		Tier  string `cbor:"tier"`
		Size  int64  `cbor:"size"`
		Extra string `cbor:"extra_field_from_the_future"`
	}

	data, err := Marshal(superset{Tier: "warm", Size: 7, Extra: "ignored"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded indexEntryLike
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field failed: %v", err)
	}
	if decoded.Tier != "warm" || decoded.Size != 7 {
		t.Errorf("known fields lost: %+v", decoded)
	}
}

func TestAnyMapDecodesToStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"items": 3, "label": "full"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded map has type %T, want map[string]any", decoded)
	}
}
