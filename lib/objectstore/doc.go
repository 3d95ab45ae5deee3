// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore implements snapvault's tiered, deduplicating,
// compressing, encrypting object store.
//
// A snapshot is stored under a caller-assigned logical key. On the
// way in, the payload is hashed (SHA-256 over the raw bytes),
// compressed (zstd, lz4, or gzip, with automatic fallback to none for
// incompressible data), encrypted (XChaCha20-Poly1305 with a random
// nonce and a per-object key derived from the store key), and written
// to one of three storage tiers (hot, warm, cold) via a temp file and
// atomic rename. Byte-identical content stored under a second key is
// deduplicated: the new key becomes an alias of the existing physical
// object and no bytes are written.
//
// The deduplication index maps content hashes to physical locations
// and logical keys to their objects. It is held fully in memory,
// persisted as a single CBOR artifact with a BLAKE3 integrity
// checksum, and re-persisted on every structural mutation. An index
// entry whose physical file is missing is a corruption error
// ([ErrCorruptIndex]), surfaced to the caller rather than silently
// repaired.
//
// All index mutations are serialized behind one store mutex, so two
// concurrent writes of the same new content cannot both conclude
// "not a duplicate". Tier moves copy to the destination before
// deleting the source, so a concurrent read always finds the object
// at one of the two locations.
package objectstore
