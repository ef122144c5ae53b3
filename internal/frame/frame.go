// Package frame defines the canonical in-memory frame type exchanged over a
// peer channel. Messages may arrive off the wire as JSON text or a raw byte
// buffer; Decode normalizes all of them at the channel boundary so the rest
// of the pipeline only ever sees the tagged union.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type tags.
const (
	TypeInit = "init"
	TypeData = "data"
	TypeFin  = "fin"

	TypeAuthCommit  = "auth_commit"
	TypeAuthOffer   = "auth_offer"
	TypeAuthReveal  = "auth_reveal"
	TypeAuthConfirm = "auth_confirm"
)

// Frame is the tagged union carried over the peer channel. Which fields are
// meaningful depends on Type:
//
//	init:  SessionID, TotalBytes
//	data:  SessionID, Seq, Chunk
//	fin:   SessionID, OK
//	auth_*: SessionID, Payload
type Frame struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	TotalBytes int64           `json:"total_bytes,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Chunk      []byte          `json:"chunk,omitempty"`
	OK         bool            `json:"ok"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ErrNotAFrame indicates an inbound message could not be normalized into a
// Frame. Such messages are ignored by the protocol, never treated as fatal.
var ErrNotAFrame = errors.New("message is not a protocol frame")

// IsAuth reports whether the frame belongs to the handshake phase.
func (f Frame) IsAuth() bool {
	switch f.Type {
	case TypeAuthCommit, TypeAuthOffer, TypeAuthReveal, TypeAuthConfirm:
		return true
	}
	return false
}

// Init builds an init frame announcing the exact payload size for a session.
func Init(sessionID string, totalBytes int64) Frame {
	return Frame{Type: TypeInit, SessionID: sessionID, TotalBytes: totalBytes}
}

// Data builds a data frame carrying one payload chunk.
func Data(sessionID string, seq uint64, chunk []byte) Frame {
	return Frame{Type: TypeData, SessionID: sessionID, Seq: seq, Chunk: chunk}
}

// Fin builds a fin frame signalling sender-side success or failure.
func Fin(sessionID string, ok bool) Frame {
	return Frame{Type: TypeFin, SessionID: sessionID, OK: ok}
}

// Auth builds a handshake frame of the given kind. The payload is marshaled
// to JSON.
func Auth(kind, sessionID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal auth payload: %w", err)
	}
	return Frame{Type: kind, SessionID: sessionID, Payload: raw}, nil
}

// DecodePayload unmarshals an auth frame's payload into out.
func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return errors.New("frame payload is empty")
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("unmarshal frame payload: %w", err)
	}
	return nil
}

// Encode serializes the frame for the wire.
func Encode(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return raw, nil
}

// Decode normalizes an inbound message into a Frame. It accepts a JSON byte
// buffer, a JSON string, or an already-decoded Frame. Anything else, and any
// JSON without a known type tag, yields ErrNotAFrame.
func Decode(msg any) (Frame, error) {
	switch m := msg.(type) {
	case Frame:
		return m, nil
	case *Frame:
		return *m, nil
	case []byte:
		return decodeJSON(m)
	case string:
		return decodeJSON([]byte(m))
	default:
		return Frame{}, ErrNotAFrame
	}
}

func decodeJSON(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, ErrNotAFrame
	}
	switch f.Type {
	case TypeInit, TypeData, TypeFin,
		TypeAuthCommit, TypeAuthOffer, TypeAuthReveal, TypeAuthConfirm:
		return f, nil
	}
	return Frame{}, ErrNotAFrame
}
