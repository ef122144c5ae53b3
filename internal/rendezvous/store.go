package rendezvous

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Session is one pending or active pairing between a sender and a receiver.
type Session struct {
	ID        string
	JoinCode  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store keeps sessions in memory. Join codes are single-use: Redeem removes
// the code mapping so a second receiver cannot attach.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byCode   map[string]string
	ttl      time.Duration
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]Session),
		byCode:   make(map[string]string),
		ttl:      ttl,
	}
}

// Create allocates a session with a fresh ID and join code.
func (s *Store) Create() Session {
	now := time.Now()
	sess := Session{
		ID:        newSessionID(),
		JoinCode:  newJoinCode(),
		CreatedAt: now,
	}
	if s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, taken := s.byCode[sess.JoinCode]; taken; {
		sess.JoinCode = newJoinCode()
		_, taken = s.byCode[sess.JoinCode]
	}
	s.sessions[sess.ID] = sess
	s.byCode[sess.JoinCode] = sess.ID
	return sess
}

// Redeem consumes a join code. A code works exactly once.
func (s *Store) Redeem(code string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return Session{}, false
	}
	delete(s.byCode, code)
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if !sess.ExpiresAt.IsZero() && time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, false
	}
	return sess, true
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		delete(s.byCode, sess.JoinCode)
		delete(s.sessions, id)
	}
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CleanupExpired drops sessions past their TTL and reports how many went.
func (s *Store) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if !sess.ExpiresAt.IsZero() && now.After(sess.ExpiresAt) {
			delete(s.byCode, sess.JoinCode)
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", 32)
	}
	return hex.EncodeToString(b)
}

// Join codes avoid characters that read ambiguously over the phone: no O/0,
// no I/1.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newJoinCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "ABCDEFGH"
	}
	code := make([]byte, len(b))
	for i := range b {
		code[i] = joinCodeAlphabet[b[i]%byte(len(joinCodeAlphabet))]
	}
	return string(code)
}
