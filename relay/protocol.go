// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/waypost-net/waypost/lib/codec"
)

// Frame type constants for the relay wire protocol. Each frame is a
// 5-byte header (1 byte type + 4 byte big-endian payload length)
// followed by the payload.
const (
	// FrameAttach presents a capability token and claims a side.
	// Client→relay, first frame on every connection. Payload is a
	// CBOR-encoded AttachRequest.
	FrameAttach byte = 0x01

	// FrameAttachOK confirms the attach. Relay→client, sent once.
	// Payload is a CBOR-encoded AttachResponse with the allocation id
	// and remaining budget.
	FrameAttachOK byte = 0x02

	// FrameData carries opaque forwarded bytes, relayed verbatim to the
	// opposite side. Bidirectional.
	FrameData byte = 0x03

	// FrameError reports a rejection. Payload is a CBOR-encoded
	// ErrorInfo with the stable error kind and an optional retry hint.
	// A data rejection does not close the connection unless the
	// allocation has reached a terminal status.
	FrameError byte = 0x04

	// FrameClose requests allocation teardown. Client→relay. The
	// allocation transitions to Terminated and both sides are
	// disconnected.
	FrameClose byte = 0x05
)

// frameHeaderLength is the fixed frame header size: 1 byte type + 4
// bytes payload length.
const frameHeaderLength = 5

// MaxDataPayload bounds a single data frame. Larger transfers are
// split by the sender; the bound keeps one frame from monopolizing the
// bandwidth bucket.
const MaxDataPayload = 64 * 1024

// Frame is a single relay protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// AttachRequest is the payload of a FrameAttach.
type AttachRequest struct {
	// Token is the raw capability token: CBOR payload plus signature.
	Token []byte `cbor:"1,keyasint"`

	// Side is the side to attach: SideA or SideB.
	Side uint8 `cbor:"2,keyasint"`
}

// AttachResponse is the payload of a FrameAttachOK.
type AttachResponse struct {
	// AllocationID is the deterministic allocation identifier.
	AllocationID string `cbor:"1,keyasint"`

	// QuotaBytes and BytesUsed describe the remaining budget, so a
	// resuming client learns how much it has already spent.
	QuotaBytes int64 `cbor:"2,keyasint"`
	BytesUsed  int64 `cbor:"3,keyasint"`

	// ExpiresAt is the allocation expiry as a Unix timestamp.
	ExpiresAt int64 `cbor:"4,keyasint"`
}

// ErrorInfo is the payload of a FrameError.
type ErrorInfo struct {
	// Kind is the stable machine-readable error kind.
	Kind string `cbor:"1,keyasint"`

	// RetryAfterMS hints when a retry may succeed. Zero means the
	// condition is not retryable.
	RetryAfterMS int64 `cbor:"2,keyasint,omitempty"`
}

// WriteFrame writes a framed message to w: [1 byte type] [4 bytes
// payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed message from r. Rejects payloads over
// MaxDataPayload before allocating for them.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxDataPayload {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxDataPayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// NewAttachFrame builds a FrameAttach presenting rawToken for side.
func NewAttachFrame(rawToken []byte, side uint8) (Frame, error) {
	payload, err := codec.Marshal(&AttachRequest{Token: rawToken, Side: side})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding attach request: %w", err)
	}
	return Frame{Type: FrameAttach, Payload: payload}, nil
}

// NewAttachOKFrame builds the FrameAttachOK for an allocation.
func NewAttachOKFrame(allocation *Allocation) (Frame, error) {
	payload, err := codec.Marshal(&AttachResponse{
		AllocationID: allocation.ID(),
		QuotaBytes:   allocation.QuotaBytes(),
		BytesUsed:    allocation.BytesUsed(),
		ExpiresAt:    allocation.ExpiresAt().Unix(),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding attach response: %w", err)
	}
	return Frame{Type: FrameAttachOK, Payload: payload}, nil
}

// NewErrorFrame builds a FrameError for err, including the retry hint
// when the error carries one.
func NewErrorFrame(err error) Frame {
	info := ErrorInfo{Kind: ErrorKind(err)}

	var bandwidthErr *BandwidthExceededError
	if errors.As(err, &bandwidthErr) {
		info.RetryAfterMS = bandwidthErr.RetryAfter.Milliseconds()
	}

	// ErrorInfo has no unencodable fields; Marshal cannot fail.
	payload, _ := codec.Marshal(&info)
	return Frame{Type: FrameError, Payload: payload}
}

// DecodeAttachRequest decodes a FrameAttach payload.
func DecodeAttachRequest(payload []byte) (*AttachRequest, error) {
	var request AttachRequest
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("decoding attach request: %w", err)
	}
	if request.Side != SideA && request.Side != SideB {
		return nil, fmt.Errorf("invalid side %d", request.Side)
	}
	return &request, nil
}

// DecodeAttachResponse decodes a FrameAttachOK payload.
func DecodeAttachResponse(payload []byte) (*AttachResponse, error) {
	var response AttachResponse
	if err := codec.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("decoding attach response: %w", err)
	}
	return &response, nil
}

// DecodeErrorInfo decodes a FrameError payload.
func DecodeErrorInfo(payload []byte) (*ErrorInfo, error) {
	var info ErrorInfo
	if err := codec.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decoding error frame: %w", err)
	}
	return &info, nil
}
