// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import "errors"

// Sentinel errors for the expected failure modes of the store. Check
// with errors.Is — the store wraps these with context about the key,
// hash, or tier involved.
var (
	// ErrNotFound means the requested key, hash, or tier entry does
	// not exist. Expected and recoverable; the store never retries.
	ErrNotFound = errors.New("object not found")

	// ErrCorruptIndex means the dedup index references a physical
	// location that is missing on disk. This is not auto-repaired:
	// silently dropping the entry would risk duplicate storage later,
	// so the inconsistency is surfaced for operator attention.
	ErrCorruptIndex = errors.New("dedup index references missing object")

	// ErrCodec means compression, decompression, encryption, or
	// decryption failed — wrong key, truncated ciphertext, or a
	// size mismatch after decompression.
	ErrCodec = errors.New("codec failure")
)
