// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is waypost's CBOR configuration. Capability token
// payloads and relay control frames are encoded with Core Deterministic
// Encoding (RFC 8949 §4.2) so the same logical value always produces
// identical bytes. The relay derives allocation identifiers from raw
// token bytes, and token signatures cover the encoded payload.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Waypost never uses non-string map keys. When decoding into an
		// any-typed target the decoder must pick a concrete map type;
		// map[string]any keeps the result compatible with encoding/json
		// and the rest of the codebase. Struct decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, usable to delay decoding.
type RawMessage = cbor.RawMessage
