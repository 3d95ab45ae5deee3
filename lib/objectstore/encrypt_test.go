// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/snapvault/lib/secret"
)

func newTestKeySet(t *testing.T, fill byte) *KeySet {
	t.Helper()
	storeKey, err := secret.NewFromBytes(bytes.Repeat([]byte{fill}, KeySize))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	keySet, err := NewKeySet(storeKey)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keySet.Close() })
	return keySet
}

func TestEncryptRoundTrip(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	plaintext := []byte("session snapshot payload")
	storageID := HashContent(plaintext)

	encrypted, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}
	if len(encrypted) != len(plaintext)+EncryptedOverhead {
		t.Errorf("encrypted length = %d, want %d", len(encrypted), len(plaintext)+EncryptedOverhead)
	}
	if encrypted[0] != EncryptedObjectVersion {
		t.Errorf("version byte = %#x, want %#x", encrypted[0], EncryptedObjectVersion)
	}

	decrypted, err := keySet.DecryptObject(encrypted, storageID)
	if err != nil {
		t.Fatalf("DecryptObject: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip does not restore plaintext")
	}
}

func TestEncryptNonceUniqueness(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	plaintext := []byte("same payload")
	storageID := HashContent(plaintext)

	first, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}
	second, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("two encryptions of the same payload produced identical output")
	}
}

func TestDecryptWrongStorageID(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	plaintext := []byte("payload bound to its storage id")
	storageID := HashContent(plaintext)

	encrypted, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}

	other := HashContent([]byte("different object"))
	if _, err := keySet.DecryptObject(encrypted, other); !errors.Is(err, ErrCodec) {
		t.Errorf("DecryptObject with wrong storage id = %v, want ErrCodec", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	plaintext := []byte("payload")
	storageID := HashContent(plaintext)

	encrypted, err := newTestKeySet(t, 0x42).EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}

	otherKeySet := newTestKeySet(t, 0x43)
	if _, err := otherKeySet.DecryptObject(encrypted, storageID); !errors.Is(err, ErrCodec) {
		t.Errorf("DecryptObject with wrong key = %v, want ErrCodec", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	plaintext := []byte("payload that must not survive tampering")
	storageID := HashContent(plaintext)

	encrypted, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}

	tampered := bytes.Clone(encrypted)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := keySet.DecryptObject(tampered, storageID); !errors.Is(err, ErrCodec) {
		t.Errorf("DecryptObject of tampered ciphertext = %v, want ErrCodec", err)
	}
}

func TestDecryptTruncated(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	storageID := HashContent([]byte("x"))

	if _, err := keySet.DecryptObject([]byte{EncryptedObjectVersion, 1, 2, 3}, storageID); !errors.Is(err, ErrCodec) {
		t.Errorf("DecryptObject of truncated input = %v, want ErrCodec", err)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	keySet := newTestKeySet(t, 0x42)
	plaintext := []byte("payload")
	storageID := HashContent(plaintext)

	encrypted, err := keySet.EncryptObject(plaintext, storageID)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}
	encrypted[0] = 0x7F
	if _, err := keySet.DecryptObject(encrypted, storageID); !errors.Is(err, ErrCodec) {
		t.Errorf("DecryptObject with unknown version = %v, want ErrCodec", err)
	}
}
