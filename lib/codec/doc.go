// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides CBOR encoding and decoding for snapvault's
// persisted artifacts: the deduplication index, backup manifests, and
// durable cache values.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// The same logical data always produces identical bytes, which makes
// persisted artifacts byte-comparable and keeps integrity checksums
// stable across re-encodes.
//
// Decoding accepts standard CBOR and silently ignores unknown fields
// so that older binaries can read artifacts written by newer ones.
package codec
