package rendezvous

import (
	"errors"
	"sync"
	"time"
)

// Transfers are strictly two-party, so the hub keeps at most one sender and
// one receiver per session and only ever forwards to the counterpart.

var (
	ErrRoleTaken      = errors.New("rendezvous: role already attached in session")
	ErrUnknownSession = errors.New("rendezvous: unknown session")
)

const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

type attachment struct {
	role string
	send chan Envelope
	done chan struct{}
}

type pair struct {
	sender   *attachment
	receiver *attachment
}

// Hub pairs the two sides of each session and shuttles envelopes between
// them. Writes go through a per-connection buffered channel so a slow peer
// cannot stall the read loop of the other.
type Hub struct {
	mu    sync.Mutex
	pairs map[string]*pair
}

func NewHub() *Hub {
	return &Hub{pairs: make(map[string]*pair)}
}

// Attach claims a role slot in the session. The returned detach function
// frees the slot and stops the writer; it is safe to call more than once.
func (h *Hub) Attach(sessionID, role string, send func(Envelope) error) (detach func(), err error) {
	a := &attachment{
		role: role,
		send: make(chan Envelope, 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		for env := range a.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	p := h.pairs[sessionID]
	if p == nil {
		p = &pair{}
		h.pairs[sessionID] = p
	}
	slot := &p.sender
	if role == RoleReceiver {
		slot = &p.receiver
	}
	if *slot != nil {
		h.mu.Unlock()
		close(a.send)
		return nil, ErrRoleTaken
	}
	*slot = a
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if cur := h.pairs[sessionID]; cur != nil {
				if role == RoleReceiver && cur.receiver == a {
					cur.receiver = nil
				}
				if role == RoleSender && cur.sender == a {
					cur.sender = nil
				}
				if cur.sender == nil && cur.receiver == nil {
					delete(h.pairs, sessionID)
				}
			}
			// Closed under the lock so Forward can never race the close:
			// it either still sees the slot and queues before this, or
			// sees the slot cleared.
			close(a.send)
			h.mu.Unlock()
			select {
			case <-a.done:
			case <-time.After(time.Second):
			}
		})
	}, nil
}

// Forward queues the envelope for the counterpart of fromRole. Returns false
// when the counterpart is not attached or its queue is full. The queue
// attempt happens under the hub lock; it never blocks, and detach closes the
// channel under the same lock, so a detaching peer cannot be sent to.
func (h *Hub) Forward(sessionID, fromRole string, env Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pairs[sessionID]
	var target *attachment
	if p != nil {
		if fromRole == RoleSender {
			target = p.receiver
		} else {
			target = p.sender
		}
	}
	if target == nil {
		return false
	}
	select {
	case target.send <- env:
		return true
	default:
		return false
	}
}

// Occupied reports which roles are currently attached.
func (h *Hub) Occupied(sessionID string) (sender, receiver bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.pairs[sessionID]; p != nil {
		return p.sender != nil, p.receiver != nil
	}
	return false, false
}
