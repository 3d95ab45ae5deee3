// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/snapvault/lib/secret"
)

// KeySize is the size in bytes of the store encryption key and of
// every per-object key derived from it.
const KeySize = 32

// EncryptedObjectVersion is the version byte prepended to every
// encrypted object. It is included in the AEAD additional
// authenticated data, so tampering with it fails authentication.
const EncryptedObjectVersion byte = 0x01

// EncryptedOverhead is the fixed per-object byte overhead of
// encryption: 1 (version) + 24 (XChaCha20-Poly1305 nonce) +
// 16 (Poly1305 tag). This overhead is not counted as part of an
// object's stored size — stored size measures compression only.
const EncryptedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoObject is the HKDF info prefix for per-object key
// derivation. Changing it invalidates all ciphertext in the store.
var hkdfInfoObject = []byte("snapvault.object.v1")

// KeySet holds the store encryption key in guarded memory and derives
// per-object keys for the encryption codec.
//
// Each object is encrypted under its own key, derived via HKDF-SHA256
// from the store key and the object's storage id. Derivation is
// repeated on every call rather than cached — it costs about a
// microsecond, negligible next to the AEAD pass and the disk I/O
// around it.
//
// Close zeroes and releases the store key. After Close, all methods
// fail via secret.Buffer's closed-buffer panic.
type KeySet struct {
	storeKey *secret.Buffer
}

// NewKeySet creates a key set from a store encryption key. The buffer
// is owned by the KeySet and closed by its Close; the caller must not
// use it afterward. The key must be exactly KeySize bytes.
func NewKeySet(storeKey *secret.Buffer) (*KeySet, error) {
	if storeKey.Len() != KeySize {
		return nil, fmt.Errorf("store encryption key must be %d bytes, got %d", KeySize, storeKey.Len())
	}
	return &KeySet{storeKey: storeKey}, nil
}

// Close zeroes and releases the store key. Idempotent.
func (keySet *KeySet) Close() error {
	return keySet.storeKey.Close()
}

// EncryptObject encrypts an object payload (already compressed, if
// compression was requested) under the key derived for storageID.
// The output format is:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// The version byte and storage id form the additional authenticated
// data, binding the ciphertext to this object so encrypted payloads
// cannot be swapped between storage locations.
func (keySet *KeySet) EncryptObject(plaintext []byte, storageID Hash) ([]byte, error) {
	objectKey, err := keySet.deriveObjectKey(storageID)
	if err != nil {
		return nil, err
	}
	defer objectKey.Close()

	aead, err := chacha20poly1305.NewX(objectKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrCodec, err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	aad := buildAAD(EncryptedObjectVersion, storageID)

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = EncryptedObjectVersion
	copy(output[1:], nonce[:])

	output = aead.Seal(output, nonce[:], plaintext, aad)
	return output, nil
}

// DecryptObject reverses EncryptObject: verifies the version byte,
// strips the nonce, and authenticates the ciphertext against the
// version + storage id AAD. Wrong key, tampered data, or a blob moved
// under a different storage id all fail authentication with ErrCodec.
func (keySet *KeySet) DecryptObject(encrypted []byte, storageID Hash) ([]byte, error) {
	if len(encrypted) < EncryptedOverhead {
		return nil, fmt.Errorf("%w: encrypted object is %d bytes, minimum is %d",
			ErrCodec, len(encrypted), EncryptedOverhead)
	}

	version := encrypted[0]
	if version != EncryptedObjectVersion {
		return nil, fmt.Errorf("%w: encrypted object version %d is not supported (expected %d)",
			ErrCodec, version, EncryptedObjectVersion)
	}

	nonce := encrypted[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := encrypted[1+chacha20poly1305.NonceSizeX:]

	objectKey, err := keySet.deriveObjectKey(storageID)
	if err != nil {
		return nil, err
	}
	defer objectKey.Close()

	aead, err := chacha20poly1305.NewX(objectKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrCodec, err)
	}

	aad := buildAAD(version, storageID)

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed (wrong key, tampered data, or mismatched object): %v",
			ErrCodec, err)
	}

	return plaintext, nil
}

// deriveObjectKey derives the per-object encryption key via
// HKDF-SHA256 with info = hkdfInfoObject || storageID. The salt is
// nil: the store key is already uniformly random, so the extract
// phase with a zero salt is appropriate per RFC 5869.
func (keySet *KeySet) deriveObjectKey(storageID Hash) (*secret.Buffer, error) {
	info := make([]byte, len(hkdfInfoObject)+len(storageID))
	copy(info, hkdfInfoObject)
	copy(info[len(hkdfInfoObject):], storageID[:])

	reader := hkdf.New(sha256.New, keySet.storeKey.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving object key: %w", err)
	}

	// NewFromBytes copies into guarded memory and zeroes derived.
	return secret.NewFromBytes(derived)
}

// buildAAD constructs the additional authenticated data: the version
// byte followed by the storage id.
func buildAAD(version byte, storageID Hash) []byte {
	aad := make([]byte, 1+len(storageID))
	aad[0] = version
	copy(aad[1:], storageID[:])
	return aad
}
