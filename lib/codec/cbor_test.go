// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Kind  string `cbor:"1,keyasint"`
	Count int64  `cbor:"2,keyasint,omitempty"`
	Blob  []byte `cbor:"3,keyasint,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	in := sample{Kind: "attach", Count: 42, Blob: []byte{0xde, 0xad}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != in.Kind || out.Count != in.Count || !bytes.Equal(out.Blob, in.Blob) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	in := sample{Kind: "attach", Count: 7}
	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value produced different encodings")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// Encode a superset, decode into the known struct.
	superset := map[int]any{1: "attach", 2: int64(1), 99: "future field"}
	data, err := Marshal(superset)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != "attach" {
		t.Errorf("Kind = %q, want attach", out.Kind)
	}
}
