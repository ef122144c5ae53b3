package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
)

// flushPoll is the fallback polling interval while waiting for the data
// channel's outbound buffer to drain.
const flushPoll = 50 * time.Millisecond

// WebRTC adapts a pion data channel to the Channel interface. Frames are
// JSON on the wire; anything that does not decode into a known frame is
// logged and dropped, never surfaced as an error.
type WebRTC struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *slog.Logger

	localFP *Fingerprint

	mu            sync.Mutex
	nextID        int
	handlers      map[int]func(frame.Frame)
	closeHandlers map[int]func(error)
	closed        bool
}

// NewWebRTC wraps an open data channel. localCert is the certificate the
// peer connection was configured with; its digest becomes the local
// channel-binding fingerprint.
func NewWebRTC(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, localCert *webrtc.Certificate, logger *slog.Logger) *WebRTC {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebRTC{
		pc:            pc,
		dc:            dc,
		logger:        logger,
		handlers:      make(map[int]func(frame.Frame)),
		closeHandlers: make(map[int]func(error)),
	}
	if localCert != nil {
		if fp, ok := certFingerprint(localCert); ok {
			w.localFP = &fp
		}
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f, err := frame.Decode(msg.Data)
		if err != nil {
			w.logger.Debug("ignoring undecodable message", "label", dc.Label(), "bytes", len(msg.Data))
			return
		}
		for _, fn := range w.snapshotHandlers() {
			fn(f)
		}
	})
	dc.OnClose(func() {
		w.fireClose(nil)
	})
	dc.OnError(func(err error) {
		w.fireClose(err)
	})

	return w
}

// Send encodes and transmits one frame.
func (w *WebRTC) Send(f frame.Frame) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	raw, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if err := w.dc.Send(raw); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// OnMessage registers an inbound frame handler.
func (w *WebRTC) OnMessage(fn func(frame.Frame)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// OnClose registers a handler invoked once when the channel closes or errors.
func (w *WebRTC) OnClose(fn func(err error)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.closeHandlers[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.closeHandlers, id)
		w.mu.Unlock()
	}
}

// Flush waits for the data channel's buffered outbound bytes to drain.
// SCTP keeps accepting sends long after the wire backs up, so a sender that
// closes without draining loses the tail of the transfer.
func (w *WebRTC) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for w.dc.BufferedAmount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close closes the data channel and the owning peer connection.
func (w *WebRTC) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	dcErr := w.dc.Close()
	pcErr := w.pc.Close()
	return errors.Join(dcErr, pcErr)
}

// LocalFingerprint returns the digest of the certificate this side offered
// during DTLS negotiation.
func (w *WebRTC) LocalFingerprint() (Fingerprint, bool) {
	if w.localFP == nil {
		return Fingerprint{}, false
	}
	return *w.localFP, true
}

// RemoteFingerprint hashes the peer's DTLS certificate. It is unavailable
// until the transport has connected.
func (w *WebRTC) RemoteFingerprint() (Fingerprint, bool) {
	sctp := w.pc.SCTP()
	if sctp == nil {
		return Fingerprint{}, false
	}
	dtls := sctp.Transport()
	if dtls == nil {
		return Fingerprint{}, false
	}
	der := dtls.GetRemoteCertificate()
	if len(der) == 0 {
		return Fingerprint{}, false
	}
	sum := sha256.Sum256(der)
	return Fingerprint{Algorithm: "sha-256", Digest: sum[:]}, true
}

func (w *WebRTC) snapshotHandlers() []func(frame.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]func(frame.Frame), 0, len(w.handlers))
	for _, fn := range w.handlers {
		out = append(out, fn)
	}
	return out
}

func (w *WebRTC) fireClose(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	fns := make([]func(error), 0, len(w.closeHandlers))
	for _, fn := range w.closeHandlers {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// certFingerprint extracts a sha-256 fingerprint from a webrtc certificate,
// decoding pion's colon-separated hex form into raw digest bytes.
func certFingerprint(cert *webrtc.Certificate) (Fingerprint, bool) {
	fps, err := cert.GetFingerprints()
	if err != nil || len(fps) == 0 {
		return Fingerprint{}, false
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(fps[0].Value, ":", ""))
	if err != nil {
		return Fingerprint{}, false
	}
	return Fingerprint{Algorithm: fps[0].Algorithm, Digest: raw}, true
}

var _ Channel = (*WebRTC)(nil)
var _ Fingerprinter = (*WebRTC)(nil)
