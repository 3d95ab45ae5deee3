// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ReadKeyFromPath loads a hex-encoded key from a file, or from stdin
// when path is "-". Leading and trailing whitespace is trimmed. The
// decoded key must be exactly size bytes. The returned buffer is
// mmap-backed and must be closed by the caller; every intermediate
// heap copy is zeroed before return.
func ReadKeyFromPath(path string, size int) (*Buffer, error) {
	var data []byte
	var err error

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading key from stdin: %w", err)
		}
		os.Stdin.Close()
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
	}

	trimmed := bytes.TrimSpace(data)
	decoded := make([]byte, hex.DecodedLen(len(trimmed)))
	n, err := hex.Decode(decoded, trimmed)
	Zero(data)
	if err != nil {
		Zero(decoded)
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if n != size {
		Zero(decoded)
		return nil, fmt.Errorf("key is %d bytes, want %d", n, size)
	}

	// NewFromBytes copies into the protected region and zeroes decoded.
	return NewFromBytes(decoded[:n])
}

// GenerateKey creates a fresh random key of the given size, writes it
// hex-encoded to path with 0600 permissions, and returns it in a
// protected buffer. Fails if the file already exists — an existing
// key must never be silently overwritten, since data encrypted under
// it would become unrecoverable.
func GenerateKey(path string, size int) (*Buffer, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	encoded := make([]byte, hex.EncodedLen(size))
	hex.Encode(encoded, raw)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		Zero(raw)
		Zero(encoded)
		return nil, fmt.Errorf("creating key file: %w", err)
	}

	_, writeErr := file.Write(encoded)
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	Zero(encoded)
	if writeErr != nil {
		Zero(raw)
		os.Remove(path)
		return nil, fmt.Errorf("writing key file: %w", writeErr)
	}

	// NewFromBytes zeroes raw after copying.
	return NewFromBytes(raw)
}
