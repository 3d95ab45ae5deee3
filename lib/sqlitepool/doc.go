// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool used by
// snapvault's durable state: the metadata store (object records,
// quotas, backup records) and the durable cache layer.
//
// It wraps zombiezen.com/go/sqlite with snapvault-standard pragmas:
// WAL journal mode for concurrent readers with a single writer,
// NORMAL synchronous for process-crash durability without
// fsync-per-commit overhead, a busy timeout instead of immediate
// SQLITE_BUSY, memory-mapped reads, and in-memory temp storage.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. Connections are not safe for concurrent use — each goroutine
// holds its own connection for the duration of its work. The package
// is deliberately thin: services write SQL with sqlitex.Execute and
// manage transactions with sqlitex.ImmediateTransaction; there is no
// query-builder layer.
package sqlitepool
