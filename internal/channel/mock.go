package channel

import (
	"context"
	"io"
	"sync"

	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
)

// Mock is an in-memory channel implementation for tests. Two Mock instances
// form a pair: frames sent on one are delivered, in order, to handlers
// registered on the other. Delivery runs on a dedicated goroutine per side
// so a slow handler never deadlocks the sender.
type Mock struct {
	mu            sync.Mutex
	peer          *Mock
	inbox         chan frame.Frame
	nextID        int
	handlers      map[int]func(frame.Frame)
	closeHandlers map[int]func(error)
	closed        bool
	done          chan struct{}

	localFP  *Fingerprint
	remoteFP *Fingerprint
}

// NewMockPair creates two linked in-memory channels.
func NewMockPair() (*Mock, *Mock) {
	a := newMock()
	b := newMock()
	a.peer, b.peer = b, a
	go a.dispatch()
	go b.dispatch()
	return a, b
}

func newMock() *Mock {
	return &Mock{
		inbox:         make(chan frame.Frame, 256),
		handlers:      make(map[int]func(frame.Frame)),
		closeHandlers: make(map[int]func(error)),
		done:          make(chan struct{}),
	}
}

// SetFingerprints installs channel-binding fingerprints for tests of the
// direct handshake profile.
func (m *Mock) SetFingerprints(local, remote Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localFP, m.remoteFP = &local, &remote
}

func (m *Mock) dispatch() {
	for {
		select {
		case f := <-m.inbox:
			m.mu.Lock()
			fns := make([]func(frame.Frame), 0, len(m.handlers))
			for _, fn := range m.handlers {
				fns = append(fns, fn)
			}
			m.mu.Unlock()
			for _, fn := range fns {
				fn(f)
			}
		case <-m.done:
			return
		}
	}
}

// Send delivers f to the peer's inbox.
func (m *Mock) Send(f frame.Frame) error {
	m.mu.Lock()
	closed := m.closed
	peer := m.peer
	m.mu.Unlock()
	if closed || peer == nil {
		return io.ErrClosedPipe
	}
	select {
	case peer.inbox <- f:
		return nil
	case <-peer.done:
		return io.ErrClosedPipe
	}
}

// OnMessage registers an inbound frame handler.
func (m *Mock) OnMessage(fn func(frame.Frame)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// OnClose registers a close handler.
func (m *Mock) OnClose(fn func(err error)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.closeHandlers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.closeHandlers, id)
		m.mu.Unlock()
	}
}

// Flush is a no-op; the mock has no outbound buffer.
func (m *Mock) Flush(ctx context.Context) error { return ctx.Err() }

// Close shuts this side down and notifies close handlers on both sides.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	fns := make([]func(error), 0, len(m.closeHandlers))
	for _, fn := range m.closeHandlers {
		fns = append(fns, fn)
	}
	peer := m.peer
	m.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
	if peer != nil {
		peer.peerClosed()
	}
	return nil
}

// peerClosed mirrors a close on the other side of the pair.
func (m *Mock) peerClosed() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	fns := make([]func(error), 0, len(m.closeHandlers))
	for _, fn := range m.closeHandlers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
}

// LocalFingerprint implements Fingerprinter when fingerprints were set.
func (m *Mock) LocalFingerprint() (Fingerprint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localFP == nil {
		return Fingerprint{}, false
	}
	return *m.localFP, true
}

// RemoteFingerprint implements Fingerprinter when fingerprints were set.
func (m *Mock) RemoteFingerprint() (Fingerprint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteFP == nil {
		return Fingerprint{}, false
	}
	return *m.remoteFP, true
}

var _ Channel = (*Mock)(nil)
var _ Fingerprinter = (*Mock)(nil)
