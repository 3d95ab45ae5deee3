// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for the snapshot
// encryption key.
//
// [Buffer] allocates memory outside the Go heap via
// mmap(MAP_ANONYMOUS), locks it into physical RAM via mlock
// (preventing swap), and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). On Close, the memory is zeroed, unlocked,
// and unmapped. Because the region lives outside the Go heap, the
// garbage collector cannot copy or relocate it, so key material does
// not linger in memory after release.
//
// The key is loaded once at process startup: [ReadFromPath] reads it
// from a file or stdin, [Generate] creates a fresh random key and
// writes it to disk with 0600 permissions for the next start.
package secret
