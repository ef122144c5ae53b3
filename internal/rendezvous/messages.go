// Package rendezvous implements both halves of signaling: the client that
// the CLI dials, and the relay-side session store and pairing hub. Two
// parties meet at the relay via a short join code and exchange the SDP/ICE
// material needed to open a direct peer channel. Everything here is
// out-of-band relative to the transfer protocol itself.
package rendezvous

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion guards against skew between client and relay.
const ProtocolVersion = 1

// Envelope wraps every signaling message.
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope types.
const (
	TypeCreate     = "create"
	TypeCreated    = "created"
	TypeJoin       = "join"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeError      = "error"
)

// Create asks the relay for a fresh session.
type Create struct {
	Role string `json:"role"`
}

// Created carries the session identity back, including the human-relayed
// join code.
type Created struct {
	SessionID string `json:"session_id"`
	JoinCode  string `json:"join_code"`
}

// Join redeems a join code.
type Join struct {
	JoinCode string `json:"join_code"`
	Role     string `json:"role"`
}

// PeerJoined announces the counterpart's arrival.
type PeerJoined struct {
	Role string `json:"role"`
}

// Offer relays an opaque SDP offer.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer relays an opaque SDP answer.
type Answer struct {
	SDP string `json:"sdp"`
}

// Candidate relays one ICE candidate.
type Candidate struct {
	Candidate string `json:"candidate"`
}

// ErrorMsg reports a relay-side failure.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an envelope with a marshaled payload.
func NewEnvelope(msgType, sessionID string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
	}
	return Envelope{
		V:         ProtocolVersion,
		Type:      msgType,
		MsgID:     newMsgID(),
		SessionID: sessionID,
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

func newMsgID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
