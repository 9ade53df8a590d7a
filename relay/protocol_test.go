// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: FrameData, Payload: []byte("opaque bytes")},
		{Type: FrameClose},
		{Type: FrameData, Payload: bytes.Repeat([]byte{0xab}, MaxDataPayload)},
	}

	for _, frame := range frames {
		if err := WriteFrame(&buf, frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Errorf("frame %d type = %#x, want %#x", i, got.Type, want.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d payload differs", i)
		}
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	header := [frameHeaderLength]byte{FrameData}
	binary.BigEndian.PutUint32(header[1:5], MaxDataPayload+1)
	buf.Write(header[:])

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("oversized payload length accepted")
	}
}

func TestReadFrameRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameData, Payload: []byte("full payload")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Error("truncated payload accepted")
	}

	if _, err := ReadFrame(bytes.NewReader(truncated[:2])); err == nil {
		t.Error("truncated header accepted")
	}
}

func TestAttachRequestRoundTrip(t *testing.T) {
	frame, err := NewAttachFrame([]byte("raw-token-bytes"), SideB)
	if err != nil {
		t.Fatalf("NewAttachFrame: %v", err)
	}
	if frame.Type != FrameAttach {
		t.Errorf("frame type = %#x, want FrameAttach", frame.Type)
	}

	request, err := DecodeAttachRequest(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeAttachRequest: %v", err)
	}
	if !bytes.Equal(request.Token, []byte("raw-token-bytes")) {
		t.Errorf("token = %q, want raw-token-bytes", request.Token)
	}
	if request.Side != SideB {
		t.Errorf("side = %d, want %d", request.Side, SideB)
	}
}

func TestDecodeAttachRequestRejectsInvalidSide(t *testing.T) {
	frame, err := NewAttachFrame([]byte("t"), 7)
	if err != nil {
		t.Fatalf("NewAttachFrame: %v", err)
	}
	if _, err := DecodeAttachRequest(frame.Payload); err == nil {
		t.Error("invalid side accepted")
	}
}

func TestErrorFrameCarriesRetryHint(t *testing.T) {
	frame := NewErrorFrame(&BandwidthExceededError{RetryAfter: 250 * time.Millisecond})
	if frame.Type != FrameError {
		t.Fatalf("frame type = %#x, want FrameError", frame.Type)
	}

	info, err := DecodeErrorInfo(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeErrorInfo: %v", err)
	}
	if info.Kind != "bandwidth_exceeded" {
		t.Errorf("kind = %q, want bandwidth_exceeded", info.Kind)
	}
	if info.RetryAfterMS != 250 {
		t.Errorf("retry hint = %d ms, want 250", info.RetryAfterMS)
	}

	// Non-retryable errors carry no hint.
	info, err = DecodeErrorInfo(NewErrorFrame(ErrQuotaExceeded).Payload)
	if err != nil {
		t.Fatalf("DecodeErrorInfo: %v", err)
	}
	if info.Kind != "quota_exceeded" || info.RetryAfterMS != 0 {
		t.Errorf("quota error frame = %+v, want kind quota_exceeded with no hint", info)
	}
}
