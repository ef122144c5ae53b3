// Package channel defines the message channel the transfer protocol runs
// over, plus the replay-safe wrapper that keeps early handshake frames from
// being lost while a consumer is still attaching.
package channel

import (
	"context"
	"strings"

	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
)

// Channel is a bidirectional, ordered, reliable message channel between the
// two peers of a transfer session.
type Channel interface {
	// Send transmits a frame to the peer.
	Send(f frame.Frame) error

	// OnMessage registers a handler for inbound frames and returns an
	// unsubscribe function. Handlers for a given channel are invoked in
	// arrival order.
	OnMessage(fn func(frame.Frame)) (unsubscribe func())

	// OnClose registers a handler invoked once when the channel closes.
	// err is nil for an orderly close.
	OnClose(fn func(err error)) (unsubscribe func())

	// Flush blocks until buffered outbound data has drained, or ctx ends.
	// Channels without an outbound buffer return immediately.
	Flush(ctx context.Context) error

	// Close tears the channel down.
	Close() error
}

// Fingerprint is a channel-binding identity digest, typically the hash of
// the transport's DTLS certificate.
type Fingerprint struct {
	Algorithm string
	Digest    []byte
}

// Fingerprinter is implemented by channels that can report transport-level
// identity. Both accessors are best-effort: the fingerprint may not be
// available before transport negotiation completes, hence the ok result.
type Fingerprinter interface {
	LocalFingerprint() (Fingerprint, bool)
	RemoteFingerprint() (Fingerprint, bool)
}

// LocalFingerprint returns ch's local channel-binding fingerprint when the
// channel supports one and it is already known.
func LocalFingerprint(ch Channel) (Fingerprint, bool) {
	if fp, ok := ch.(Fingerprinter); ok {
		return fp.LocalFingerprint()
	}
	return Fingerprint{}, false
}

// RemoteFingerprint returns the peer's channel-binding fingerprint when the
// channel supports one and it is already known.
func RemoteFingerprint(ch Channel) (Fingerprint, bool) {
	if fp, ok := ch.(Fingerprinter); ok {
		return fp.RemoteFingerprint()
	}
	return Fingerprint{}, false
}

// Equal reports whether two fingerprints carry the same digest under the
// same algorithm. Algorithm names compare case-insensitively; SDP and
// certificate tooling disagree on casing.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if !strings.EqualFold(f.Algorithm, other.Algorithm) || len(f.Digest) != len(other.Digest) {
		return false
	}
	for i := range f.Digest {
		if f.Digest[i] != other.Digest[i] {
			return false
		}
	}
	return true
}
