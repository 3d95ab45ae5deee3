// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("supersecretkeymaterial")
	expected := make([]byte, len(source))
	copy(expected, source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), expected) {
		t.Error("buffer contents do not match original source")
	}

	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed after NewFromBytes", index)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) should fail")
	}
}

func TestCloseIdempotentAndPanicsOnUse(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes on closed buffer should panic")
		}
	}()
	buffer.Bytes()
}

func TestGenerateAndReadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.key")

	generated, err := GenerateKey(path, 32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	defer generated.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file permissions = %o, want 600", mode)
	}

	loaded, err := ReadKeyFromPath(path, 32)
	if err != nil {
		t.Fatalf("ReadKeyFromPath failed: %v", err)
	}
	defer loaded.Close()

	if !bytes.Equal(generated.Bytes(), loaded.Bytes()) {
		t.Error("loaded key does not match generated key")
	}
}

func TestGenerateKeyRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.key")

	first, err := GenerateKey(path, 32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	first.Close()

	if _, err := GenerateKey(path, 32); err == nil {
		t.Error("GenerateKey should refuse to overwrite an existing key file")
	}
}

func TestReadKeyWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString([]byte("short"))), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadKeyFromPath(path, 32); err == nil {
		t.Error("ReadKeyFromPath should reject a key of the wrong size")
	}
}
