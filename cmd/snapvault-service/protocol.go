// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/snapvault/lib/cache"
	"github.com/bureau-foundation/snapvault/lib/codec"
	"github.com/bureau-foundation/snapvault/lib/meta"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
	"github.com/bureau-foundation/snapvault/lib/quota"
	"github.com/bureau-foundation/snapvault/lib/tiering"
)

// Wire layout: every message in both directions is a 4-byte
// big-endian length prefix followed by a CBOR body. The client sends
// one request per connection and reads one response. Snapshot
// payloads ride inline as CBOR byte strings, which keeps the protocol
// a single request/response exchange at the cost of buffering each
// object in memory.

// maxMessageSize caps a single protocol message. Snapshot payloads
// are inline, so this is also the largest storable object over the
// socket.
const maxMessageSize = 64 * 1024 * 1024

// request is the union of all client request fields. Action selects
// the operation; the other fields are read by the handlers that need
// them.
type request struct {
	Action string `cbor:"action" json:"action"`

	// Key names a stored object (put, get, info, delete, move-tier)
	// or a cache entry (cache-get, cache-set, cache-delete).
	Key string `cbor:"key,omitempty" json:"key,omitempty"`

	// Data is the payload for put and cache-set.
	Data []byte `cbor:"data,omitempty" json:"data,omitempty"`

	// Compression names the algorithm for put: "none", "lz4",
	// "zstd", "gzip", or "auto". Empty means auto.
	Compression string `cbor:"compression,omitempty" json:"compression,omitempty"`

	// Encrypt requests at-rest encryption for put. Rejected when the
	// service has no store key.
	Encrypt bool `cbor:"encrypt,omitempty" json:"encrypt,omitempty"`

	// Dedup opts the put into content-addressed deduplication.
	Dedup bool `cbor:"dedup,omitempty" json:"dedup,omitempty"`

	// Tier is the target tier for put and move-tier. Empty means hot
	// for put.
	Tier string `cbor:"tier,omitempty" json:"tier,omitempty"`

	// TTL is the cache entry lifetime for cache-set, as a Go
	// duration string. Empty means the service default.
	TTL string `cbor:"ttl,omitempty" json:"ttl,omitempty"`

	// Mode is the backup mode for the backup action: "full" or
	// "incremental".
	Mode string `cbor:"mode,omitempty" json:"mode,omitempty"`

	// Limit bounds list-style responses (backups). Zero means the
	// handler default.
	Limit int `cbor:"limit,omitempty" json:"limit,omitempty"`
}

// errorResponse is returned for any failed request.
type errorResponse struct {
	Error string `cbor:"error" json:"error"`
}

// putResponse reports what Put did with the payload.
type putResponse struct {
	Info objectstore.ObjectInfo `cbor:"info" json:"info"`
}

// getResponse carries a retrieved payload.
type getResponse struct {
	Data []byte                 `cbor:"data" json:"data"`
	Info objectstore.ObjectInfo `cbor:"info" json:"info"`
}

// infoResponse carries object metadata without the payload.
type infoResponse struct {
	Info objectstore.ObjectInfo `cbor:"info" json:"info"`
}

// okResponse acknowledges an operation with no result data.
type okResponse struct {
	OK bool `cbor:"ok" json:"ok"`
}

// statsResponse aggregates store, cache, quota, and tiering state.
type statsResponse struct {
	Store   objectstore.StoreStats `cbor:"store"   json:"store"`
	Cache   cache.Stats            `cbor:"cache"   json:"cache"`
	Quotas  []quota.Status         `cbor:"quotas"  json:"quotas"`
	Tiering tiering.Totals         `cbor:"tiering" json:"tiering"`
}

// cacheGetResponse carries a cache lookup result. Found is false on
// miss; Data is nil in that case.
type cacheGetResponse struct {
	Found bool   `cbor:"found" json:"found"`
	Data  []byte `cbor:"data,omitempty" json:"data,omitempty"`
}

// backupResponse reports a completed (or failed) backup run.
type backupResponse struct {
	Record meta.BackupRecord `cbor:"record" json:"record"`
}

// backupsResponse lists recent backup runs, newest first.
type backupsResponse struct {
	Records []meta.BackupRecord `cbor:"records" json:"records"`
}

// tickResponse reports one on-demand tiering pass.
type tickResponse struct {
	Stats tiering.TickStats `cbor:"stats" json:"stats"`
}

// statusResponse is the unauthenticated liveness answer.
type statusResponse struct {
	Status    string    `cbor:"status"     json:"status"`
	StartedAt time.Time `cbor:"started_at" json:"started_at"`
	Objects   int64     `cbor:"objects"    json:"objects"`
	Keys      int64     `cbor:"keys"       json:"keys"`
}

// writeMessage encodes v as CBOR and writes it with a 4-byte length
// prefix.
func writeMessage(w io.Writer, v any) error {
	data, err := encodeMessage(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// encodeMessage returns the full framed message for v.
func encodeMessage(v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	framed := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(body)))
	copy(framed[4:], body)
	return framed, nil
}

// readMessage reads one length-prefixed CBOR message and decodes it
// into v. Rejects messages larger than maxMessageSize.
func readMessage(r io.Reader, v any) error {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > maxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, maxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading message body: %w", err)
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
