// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the dual-layer TTL cache in front of the
// object store: an in-memory layer with a byte budget for hot
// payloads, optionally backed by a durable SQLite layer that survives
// restarts.
//
// Reads check memory first and fall through to the durable layer; a
// durable hit is promoted back into memory. Writes land in both
// layers. When the memory layer is over budget, the entries closest
// to expiry are evicted first — they are the ones the TTL would
// discard soonest anyway, and the durable layer still holds them.
//
// Expiry is enforced on read and by a periodic sweep driven by the
// injected clock.
package cache
