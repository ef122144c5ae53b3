package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
)

// replayCapacity bounds the number of handshake frames held for a late
// subscriber. On overflow the oldest frame is dropped.
const replayCapacity = 32

// ReplaySafe wraps a channel for one session and eliminates the race where a
// handshake participant attaches its message listener after the counterpart
// has already started sending. From the moment of wrapping it taps inbound
// handshake frames for the session into a bounded FIFO; the first OnMessage
// subscriber gets those frames replayed synchronously in arrival order, after
// which the wrapper is a transparent pass-through forever. Outbound traffic
// is never intercepted.
type ReplaySafe struct {
	inner     Channel
	sessionID string
	label     string
	logger    *slog.Logger

	mu        sync.Mutex
	buffered  []frame.Frame
	attached  bool
	nextID    int
	handlers  map[int]func(frame.Frame)
	untapFn   func()
}

// WrapReplaySafe wraps ch for the given session. Wrapping an already-wrapped
// channel returns it unchanged, so double buffering cannot occur.
func WrapReplaySafe(ch Channel, sessionID, label string, logger *slog.Logger) *ReplaySafe {
	if rs, ok := ch.(*ReplaySafe); ok {
		return rs
	}
	if logger == nil {
		logger = slog.Default()
	}
	rs := &ReplaySafe{
		inner:     ch,
		sessionID: sessionID,
		label:     label,
		logger:    logger,
		handlers:  make(map[int]func(frame.Frame)),
	}
	rs.untapFn = ch.OnMessage(rs.tap)
	return rs
}

// tap is the single subscription on the inner channel. It buffers eligible
// handshake frames until the first consumer attaches, then dispatches
// everything directly.
func (rs *ReplaySafe) tap(f frame.Frame) {
	rs.mu.Lock()
	if !rs.attached {
		if rs.eligible(f) {
			if len(rs.buffered) == replayCapacity {
				rs.logger.Warn("replay buffer full, dropping oldest frame",
					"label", rs.label, "type", rs.buffered[0].Type)
				rs.buffered = rs.buffered[1:]
			}
			rs.buffered = append(rs.buffered, f)
		}
		rs.mu.Unlock()
		return
	}
	handlers := rs.snapshotHandlers()
	rs.mu.Unlock()

	for _, fn := range handlers {
		fn(f)
	}
}

// eligible restricts buffering to handshake-phase frames for this session.
// Untagged frames are kept too: some counterparts omit the session on the
// very first commit.
func (rs *ReplaySafe) eligible(f frame.Frame) bool {
	if !f.IsAuth() {
		return false
	}
	return f.SessionID == "" || f.SessionID == rs.sessionID
}

// OnMessage attaches a subscriber. The first subscriber receives all
// buffered handshake frames synchronously, in original arrival order, before
// this call returns; afterwards the buffer is gone for good and every
// subscriber sees frames directly.
func (rs *ReplaySafe) OnMessage(fn func(frame.Frame)) (unsubscribe func()) {
	rs.mu.Lock()
	id := rs.nextID
	rs.nextID++
	rs.handlers[id] = fn

	var replay []frame.Frame
	if !rs.attached {
		rs.attached = true
		replay = rs.buffered
		rs.buffered = nil
		if len(replay) > 0 {
			rs.logger.Debug("replaying buffered handshake frames",
				"label", rs.label, "count", len(replay))
		}
	}
	rs.mu.Unlock()

	for _, f := range replay {
		fn(f)
	}

	return func() {
		rs.mu.Lock()
		delete(rs.handlers, id)
		rs.mu.Unlock()
	}
}

func (rs *ReplaySafe) snapshotHandlers() []func(frame.Frame) {
	out := make([]func(frame.Frame), 0, len(rs.handlers))
	for _, fn := range rs.handlers {
		out = append(out, fn)
	}
	return out
}

// Send passes straight through to the wrapped channel.
func (rs *ReplaySafe) Send(f frame.Frame) error { return rs.inner.Send(f) }

// OnClose passes straight through to the wrapped channel.
func (rs *ReplaySafe) OnClose(fn func(err error)) (unsubscribe func()) {
	return rs.inner.OnClose(fn)
}

// Flush passes straight through to the wrapped channel.
func (rs *ReplaySafe) Flush(ctx context.Context) error { return rs.inner.Flush(ctx) }

// Close detaches the tap and closes the wrapped channel.
func (rs *ReplaySafe) Close() error {
	if rs.untapFn != nil {
		rs.untapFn()
	}
	return rs.inner.Close()
}

// LocalFingerprint exposes the wrapped channel's fingerprint, if any.
func (rs *ReplaySafe) LocalFingerprint() (Fingerprint, bool) {
	return LocalFingerprint(rs.inner)
}

// RemoteFingerprint exposes the wrapped channel's peer fingerprint, if any.
func (rs *ReplaySafe) RemoteFingerprint() (Fingerprint, bool) {
	return RemoteFingerprint(rs.inner)
}

var _ Channel = (*ReplaySafe)(nil)
