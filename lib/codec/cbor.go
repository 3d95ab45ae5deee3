// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding. Same logical data always produces identical bytes, so
// the BLAKE3 checksum over a re-encoded index artifact only changes
// when the content changes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are ignored for
// forward compatibility with artifacts written by newer binaries.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Snapvault never uses non-string map keys. When the decoder's
		// target is any (e.g., map[string]any values in backup
		// manifests), it must pick a concrete Go map type. The CBOR
		// default is map[interface{}]interface{}, which is incompatible
		// with encoding/json and most Go code expecting map[string]any.
		// Struct field decoding is unaffected by this setting.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields in data are
// silently ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a CBOR encoder writing deterministic encoding
// to w. Used for streaming backup manifests.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
