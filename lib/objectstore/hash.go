// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte digest. Content hashes are SHA-256 over the raw
// (uncompressed, unencrypted) payload, so identical content always
// hashes identically regardless of codec settings and deduplication
// survives compression algorithm changes.
type Hash [32]byte

// HashContent computes the SHA-256 content hash of a payload.
func HashContent(data []byte) Hash {
	return sha256.Sum256(data)
}

// RandomID returns a random 32-byte identifier. Used as the storage
// address for objects stored with deduplication disabled, which must
// not collide with (or alias into) content-addressed objects.
func RandomID() (Hash, error) {
	var id Hash
	if _, err := rand.Read(id[:]); err != nil {
		return Hash{}, fmt.Errorf("generating storage id: %w", err)
	}
	return id, nil
}

// FormatHash returns the hex-encoded string form of a hash. This is
// the canonical format in metadata records, logs, and filenames.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}
