// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm applied to a
// stored object. The tag is recorded in the object's index entry.
// These values are persisted — changing them breaks existing stores.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Selected
	// explicitly for already-compressed content (video, archives,
	// encrypted uploads) or automatically when compression does not
	// shrink the payload.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast default
	// for binary snapshot data when content type is unknown.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level. Better
	// ratios for text-like payloads (JSON session state, DOM dumps,
	// logs) at acceptable CPU cost.
	CompressionZstd CompressionTag = 2

	// CompressionGzip indicates gzip. Kept for payloads that leave
	// the store as-is and must be readable by external tooling that
	// only speaks gzip.
	CompressionGzip CompressionTag = 3
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string form.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// errIncompressible is returned when compressed output would not be
// smaller than the input. Callers fall back to CompressionNone.
var errIncompressible = errors.New("data is incompressible")

// IsIncompressible reports whether err indicates that data could not
// be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// Compress compresses data with the given algorithm. For
// CompressionNone the input is returned unchanged (no copy). Returns
// errIncompressible when the output would be at least as large as the
// input.
func Compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		return compressLZ4(data)
	case CompressionZstd:
		return compressZstd(data)
	case CompressionGzip:
		return compressGzip(data)
	default:
		return nil, fmt.Errorf("%w: unsupported compression tag %d", ErrCodec, tag)
	}
}

// Decompress reverses Compress. The uncompressedSize must match the
// original payload length exactly; a mismatch is a codec error, since
// it means the stored size metadata and the bytes on disk disagree.
func Decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("%w: uncompressed object is %d bytes, expected %d",
				ErrCodec, len(compressed), uncompressedSize)
		}
		return compressed, nil
	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)
	case CompressionGzip:
		return decompressGzip(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("%w: unsupported compression tag %d", ErrCodec, tag)
	}
}

// LZ4: block mode.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 compress: %v", ErrCodec, err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible; an output no smaller than the input also means
	// compression is not worthwhile.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrCodec, err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d",
			ErrCodec, read, uncompressedSize)
	}
	return destination, nil
}

// Zstd: default level. The encoder and decoder are package singletons
// reused across calls; both are safe for concurrent use.

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("objectstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("objectstore: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrCodec, err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("%w: zstd decompress: got %d bytes, expected %d",
			ErrCodec, len(result), uncompressedSize)
	}
	return result, nil
}

// Gzip: stream format via klauspost's drop-in encoder.

func compressGzip(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("%w: gzip compress: %v", ErrCodec, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: gzip compress: %v", ErrCodec, err)
	}
	if buffer.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buffer.Bytes(), nil
}

func decompressGzip(compressed []byte, uncompressedSize int) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip decompress: %v", ErrCodec, err)
	}
	defer reader.Close()

	result := make([]byte, 0, uncompressedSize)
	buffer := bytes.NewBuffer(result)
	if _, err := io.Copy(buffer, reader); err != nil {
		return nil, fmt.Errorf("%w: gzip decompress: %v", ErrCodec, err)
	}
	if buffer.Len() != uncompressedSize {
		return nil, fmt.Errorf("%w: gzip decompress: got %d bytes, expected %d",
			ErrCodec, buffer.Len(), uncompressedSize)
	}
	return buffer.Bytes(), nil
}

// SelectCompression probes data to pick an algorithm: zstd when the
// ratio clears 1.5x, lz4 between 1.1x and 1.5x (faster, acceptable
// ratio), none below 1.1x. Empty input selects none.
func SelectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressWithFallback compresses data, falling back to
// CompressionNone (returning the original bytes) when the data is
// incompressible. Returns the bytes to store and the tag actually
// applied.
func compressWithFallback(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	if tag == CompressionNone {
		return data, CompressionNone, nil
	}

	compressed, err := Compress(data, tag)
	if err != nil {
		if IsIncompressible(err) {
			return data, CompressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}
