// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the snapvault service — a tiered,
// deduplicating object store for session snapshots, served over a
// Unix socket.
//
// The service owns an object store root (hot/warm/cold tier
// directories plus a CBOR index), a metadata store (SQLite or
// in-memory), a quota enforcer, a two-layer TTL cache, a tiering
// scheduler that demotes idle objects, and an optional backup
// service producing tar+zstd artifacts.
//
// # Connection protocol
//
// Each connection carries one request/response exchange. Both
// directions use a 4-byte big-endian length prefix followed by a
// CBOR message; the request names its operation in an "action"
// field. Snapshot payloads ride inline as CBOR byte strings, so a
// single message also bounds the largest storable object over the
// socket.
package main
