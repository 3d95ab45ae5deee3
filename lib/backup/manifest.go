// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"time"

	"github.com/zeebo/blake3"
)

// ManifestName is the manifest's path inside the archive. It is
// always the final tar entry, so a truncated archive is detectable by
// its absence.
const ManifestName = "manifest.cbor"

// manifestVersion is the manifest schema version.
const manifestVersion = 1

// checksumDomainKey is the BLAKE3 keyed-hash key for per-file
// checksums in the manifest. Fixed ASCII constant, zero-padded.
var checksumDomainKey = [32]byte{
	's', 'n', 'a', 'p', 'v', 'a', 'u', 'l', 't', '.',
	'b', 'a', 'c', 'k', 'u', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ManifestFile describes one archived file.
type ManifestFile struct {
	// Path is the file's path within the archive.
	Path string `cbor:"path"`

	// Size is the file's byte length.
	Size int64 `cbor:"size"`

	// Checksum is the keyed BLAKE3 digest of the file's bytes as
	// archived (stored object bytes, not the decoded payload).
	Checksum [32]byte `cbor:"checksum"`
}

// Manifest describes a backup archive: what run produced it, what it
// contains, and which earlier backup an incremental builds on.
type Manifest struct {
	Version   int       `cbor:"version"`
	ID        string    `cbor:"id"`
	Mode      string    `cbor:"mode"`
	CreatedAt time.Time `cbor:"created_at"`

	// BaseID names the completed backup an incremental is relative
	// to. Empty for full backups.
	BaseID string `cbor:"base_id"`

	Files []ManifestFile `cbor:"files"`
}

// fileChecksum computes the keyed BLAKE3 digest of archived file
// bytes.
func fileChecksum(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(checksumDomainKey[:])
	if err != nil {
		panic("backup: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var checksum [32]byte
	copy(checksum[:], hasher.Sum(nil))
	return checksum
}
