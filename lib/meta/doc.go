// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package meta defines the metadata store behind the object store:
// durable records for stored objects, quota usage counters, and
// backup runs. Two implementations exist — SQLite for production and
// an in-memory store for ephemeral deployments and tests. The
// implementation is selected once at startup; there is no runtime
// switching and no fallback from one to the other.
//
// Records use plain string and integer fields rather than the object
// store's typed values. The metadata store is the bottom of the
// dependency stack: everything above it converts at the boundary.
package meta
