// Package handshake establishes mutual authentication over an already-open
// peer channel. Two profiles exist: a direct profile that binds the exchange
// to the channel's DTLS certificate fingerprints, and a post-quantum profile
// that exchanges a fresh signature key and an ML-KEM key pair. Both end with
// the two users comparing a short authentication string out of band.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/collapsinghierarchy/noisytransfercli/internal/channel"
	"github.com/collapsinghierarchy/noisytransfercli/internal/crypto"
	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
)

// Profile selects the authentication exchange. The sender's first frame
// announces it; the receiver follows.
type Profile string

const (
	ProfileDirect Profile = "direct"
	ProfilePQ     Profile = "pq"
)

// Handshake failure modes. All are fatal to the session; the caller decides
// whether to start a whole new session.
var (
	ErrTimeout             = errors.New("handshake: timed out waiting for counterpart")
	ErrRejected            = errors.New("handshake: short authentication string rejected")
	ErrPeerRejected        = errors.New("handshake: counterpart rejected the short authentication string")
	ErrFingerprintMismatch = errors.New("handshake: channel fingerprint mismatch, possible relay or impersonation")
	ErrClosed              = errors.New("handshake: channel closed")
)

// ConfirmFunc presents a SAS to the user and reports acceptance. It may
// block for as long as the user takes; frame delivery continues meanwhile.
type ConfirmFunc func(sas string) bool

// Config tunes a coordinator run.
type Config struct {
	// Profile is the sender-side profile choice. Ignored on the receiver,
	// which follows the sender's announcement.
	Profile Profile

	// FrameTimeout bounds each wait for a counterpart frame. Zero means 30s.
	FrameTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) frameTimeout() time.Duration {
	if c.FrameTimeout <= 0 {
		return 30 * time.Second
	}
	return c.FrameTimeout
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Result carries the authenticated material out of a successful handshake.
type Result struct {
	Profile Profile
	SAS     string

	// FingerprintVerified is true when the direct profile cross-checked the
	// counterpart's published fingerprint against the live channel identity.
	// False means the exchange fell back to SAS-only confirmation.
	FingerprintVerified bool

	// VerifyPublic is the sender's published verification key (PQ profile,
	// both sides).
	VerifyPublic []byte
	// Sign is the sender's private signature key (PQ profile, sender only).
	Sign *crypto.VerificationKey
	// KemPublic is the receiver's published encapsulation key (PQ profile,
	// both sides).
	KemPublic []byte
	// Kem is the receiver's KEM key pair (PQ profile, receiver only).
	Kem *crypto.KemKeyPair
}

type directHello struct {
	Profile     Profile              `json:"profile"`
	Nonce       []byte               `json:"nonce"`
	Fingerprint *publishedFingerprint `json:"fingerprint,omitempty"`
}

type publishedFingerprint struct {
	Algorithm string `json:"algorithm"`
	Digest    []byte `json:"digest"`
}

type pqCommit struct {
	Profile   Profile `json:"profile"`
	VerifyKey []byte  `json:"verify_key"`
}

type pqOffer struct {
	KemKey []byte `json:"kem_key"`
}

type confirmMsg struct {
	OK bool `json:"ok"`
}

// RunSender performs the sender side of the handshake.
func RunSender(ctx context.Context, ch channel.Channel, sessionID string, confirm ConfirmFunc, cfg Config) (*Result, error) {
	rs := channel.WrapReplaySafe(ch, sessionID, "sender", cfg.logger())
	p := newPump(rs, sessionID)
	defer p.stop()

	switch cfg.Profile {
	case ProfilePQ:
		return runSenderPQ(ctx, rs, p, sessionID, confirm, cfg)
	default:
		return runSenderDirect(ctx, rs, p, sessionID, confirm, cfg)
	}
}

// RunReceiver performs the receiver side. The profile is dictated by the
// sender's opening frame.
func RunReceiver(ctx context.Context, ch channel.Channel, sessionID string, confirm ConfirmFunc, cfg Config) (*Result, error) {
	rs := channel.WrapReplaySafe(ch, sessionID, "receiver", cfg.logger())
	p := newPump(rs, sessionID)
	defer p.stop()

	first, err := p.wait(ctx, cfg.frameTimeout(), frame.TypeAuthCommit, frame.TypeAuthOffer)
	if err != nil {
		return nil, err
	}
	if first.Type == frame.TypeAuthCommit {
		return runReceiverPQ(ctx, rs, p, sessionID, confirm, cfg, first)
	}
	return runReceiverDirect(ctx, rs, p, sessionID, confirm, cfg, first)
}

func runSenderDirect(ctx context.Context, ch channel.Channel, p *pump, sessionID string, confirm ConfirmFunc, cfg Config) (*Result, error) {
	log := cfg.logger()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	localFP, haveLocal := channel.LocalFingerprint(ch)

	hello := directHello{Profile: ProfileDirect, Nonce: nonce}
	if haveLocal {
		hello.Fingerprint = &publishedFingerprint{Algorithm: localFP.Algorithm, Digest: localFP.Digest}
	}
	if err := sendAuth(ch, frame.TypeAuthOffer, sessionID, hello); err != nil {
		return nil, err
	}

	revealFrame, err := p.wait(ctx, cfg.frameTimeout(), frame.TypeAuthReveal)
	if err != nil {
		return nil, err
	}
	var reveal directHello
	if err := revealFrame.DecodePayload(&reveal); err != nil {
		return nil, fmt.Errorf("handshake: bad reveal: %w", err)
	}

	sas, err := directSAS(sessionID, hello, reveal)
	if err != nil {
		return nil, err
	}
	if err := confirmAndVerify(ctx, ch, p, sessionID, confirm, cfg, sas, reveal.Fingerprint); err != nil {
		return nil, err
	}

	verified := reveal.Fingerprint != nil
	if !verified {
		log.Warn("counterpart published no channel fingerprint, SAS-only confirmation", "session", sessionID)
	}
	return &Result{Profile: ProfileDirect, SAS: sas, FingerprintVerified: verified}, nil
}

func runReceiverDirect(ctx context.Context, ch channel.Channel, p *pump, sessionID string, confirm ConfirmFunc, cfg Config, offerFrame frame.Frame) (*Result, error) {
	log := cfg.logger()

	var offer directHello
	if err := offerFrame.DecodePayload(&offer); err != nil {
		return nil, fmt.Errorf("handshake: bad offer: %w", err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	localFP, haveLocal := channel.LocalFingerprint(ch)

	reveal := directHello{Profile: ProfileDirect, Nonce: nonce}
	if haveLocal {
		reveal.Fingerprint = &publishedFingerprint{Algorithm: localFP.Algorithm, Digest: localFP.Digest}
	}
	if err := sendAuth(ch, frame.TypeAuthReveal, sessionID, reveal); err != nil {
		return nil, err
	}

	sas, err := directSAS(sessionID, offer, reveal)
	if err != nil {
		return nil, err
	}
	if err := confirmAndVerify(ctx, ch, p, sessionID, confirm, cfg, sas, offer.Fingerprint); err != nil {
		return nil, err
	}

	verified := offer.Fingerprint != nil
	if !verified {
		log.Warn("counterpart published no channel fingerprint, SAS-only confirmation", "session", sessionID)
	}
	return &Result{Profile: ProfileDirect, SAS: sas, FingerprintVerified: verified}, nil
}

// directSAS folds both nonces and both published fingerprints (absent ones
// as empty) into the SAS, so the string covers everything that was actually
// exchanged. Sender material always comes first.
func directSAS(sessionID string, sender, receiver directHello) (string, error) {
	return crypto.SAS(string(ProfileDirect), sessionID,
		sender.Nonce, receiver.Nonce,
		fingerprintBytes(sender.Fingerprint), fingerprintBytes(receiver.Fingerprint))
}

func fingerprintBytes(fp *publishedFingerprint) []byte {
	if fp == nil {
		return nil
	}
	return fp.Digest
}

// confirmAndVerify runs the user confirmation, exchanges confirm frames, and
// for the direct profile checks the counterpart's published fingerprint
// against the channel's live peer identity. Failing closed on a mismatch is
// the whole point of the direct profile.
func confirmAndVerify(ctx context.Context, ch channel.Channel, p *pump, sessionID string, confirm ConfirmFunc, cfg Config, sas string, published *publishedFingerprint) error {
	if !confirm(sas) {
		_ = sendAuth(ch, frame.TypeAuthConfirm, sessionID, confirmMsg{OK: false})
		return ErrRejected
	}

	if published != nil {
		live, haveLive := channel.RemoteFingerprint(ch)
		if haveLive {
			claimed := channel.Fingerprint{Algorithm: published.Algorithm, Digest: published.Digest}
			if !claimed.Equal(live) {
				_ = sendAuth(ch, frame.TypeAuthConfirm, sessionID, confirmMsg{OK: false})
				return ErrFingerprintMismatch
			}
		} else {
			cfg.logger().Warn("live peer fingerprint unavailable, skipping binding check", "session", sessionID)
		}
	}

	if err := sendAuth(ch, frame.TypeAuthConfirm, sessionID, confirmMsg{OK: true}); err != nil {
		return err
	}
	peerFrame, err := p.wait(ctx, cfg.frameTimeout(), frame.TypeAuthConfirm)
	if err != nil {
		return err
	}
	var peer confirmMsg
	if err := peerFrame.DecodePayload(&peer); err != nil {
		return fmt.Errorf("handshake: bad confirm: %w", err)
	}
	if !peer.OK {
		return ErrPeerRejected
	}
	return nil
}

func runSenderPQ(ctx context.Context, ch channel.Channel, p *pump, sessionID string, confirm ConfirmFunc, cfg Config) (*Result, error) {
	sign, err := crypto.GenerateVerificationKey()
	if err != nil {
		return nil, err
	}
	if err := sendAuth(ch, frame.TypeAuthCommit, sessionID, pqCommit{Profile: ProfilePQ, VerifyKey: sign.Public}); err != nil {
		return nil, err
	}

	offerFrame, err := p.wait(ctx, cfg.frameTimeout(), frame.TypeAuthOffer)
	if err != nil {
		return nil, err
	}
	var offer pqOffer
	if err := offerFrame.DecodePayload(&offer); err != nil {
		return nil, fmt.Errorf("handshake: bad KEM offer: %w", err)
	}
	if len(offer.KemKey) == 0 {
		return nil, errors.New("handshake: KEM offer without key")
	}

	sas, err := crypto.SAS(string(ProfilePQ), sessionID, sign.Public, offer.KemKey)
	if err != nil {
		return nil, err
	}
	if err := confirmAndVerify(ctx, ch, p, sessionID, confirm, cfg, sas, nil); err != nil {
		return nil, err
	}
	return &Result{
		Profile:      ProfilePQ,
		SAS:          sas,
		VerifyPublic: sign.Public,
		Sign:         sign,
		KemPublic:    offer.KemKey,
	}, nil
}

func runReceiverPQ(ctx context.Context, ch channel.Channel, p *pump, sessionID string, confirm ConfirmFunc, cfg Config, commitFrame frame.Frame) (*Result, error) {
	var commit pqCommit
	if err := commitFrame.DecodePayload(&commit); err != nil {
		return nil, fmt.Errorf("handshake: bad commit: %w", err)
	}
	if len(commit.VerifyKey) == 0 {
		return nil, errors.New("handshake: commit without verification key")
	}

	kem, err := crypto.GenerateKemKeyPair()
	if err != nil {
		return nil, err
	}
	kemPub := kem.SerializePublicKey()
	if err := sendAuth(ch, frame.TypeAuthOffer, sessionID, pqOffer{KemKey: kemPub}); err != nil {
		return nil, err
	}

	sas, err := crypto.SAS(string(ProfilePQ), sessionID, commit.VerifyKey, kemPub)
	if err != nil {
		return nil, err
	}
	if err := confirmAndVerify(ctx, ch, p, sessionID, confirm, cfg, sas, nil); err != nil {
		return nil, err
	}
	return &Result{
		Profile:      ProfilePQ,
		SAS:          sas,
		VerifyPublic: commit.VerifyKey,
		KemPublic:    kemPub,
		Kem:          kem,
	}, nil
}

func sendAuth(ch channel.Channel, kind, sessionID string, payload any) error {
	f, err := frame.Auth(kind, sessionID, payload)
	if err != nil {
		return err
	}
	if err := ch.Send(f); err != nil {
		return fmt.Errorf("handshake: send %s: %w", kind, err)
	}
	return nil
}

// pump funnels inbound handshake frames for one session into a buffered Go
// channel so the coordinator can wait with timeouts while user confirmation
// runs without stalling delivery.
type pump struct {
	frames     chan frame.Frame
	closed     chan struct{}
	unsubMsg   func()
	unsubClose func()
}

func newPump(ch channel.Channel, sessionID string) *pump {
	p := &pump{
		frames: make(chan frame.Frame, 64),
		closed: make(chan struct{}),
	}
	p.unsubMsg = ch.OnMessage(func(f frame.Frame) {
		if !f.IsAuth() {
			return
		}
		if f.SessionID != "" && f.SessionID != sessionID {
			return
		}
		select {
		case p.frames <- f:
		default:
			// Counterpart is flooding; dropping is safer than blocking
			// the channel's dispatch path.
		}
	})
	var once sync.Once
	p.unsubClose = ch.OnClose(func(error) {
		once.Do(func() { close(p.closed) })
	})
	return p
}

func (p *pump) stop() {
	p.unsubMsg()
	p.unsubClose()
}

// wait blocks until a frame with one of the wanted types arrives.
func (p *pump) wait(ctx context.Context, timeout time.Duration, types ...string) (frame.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case f := <-p.frames:
			for _, t := range types {
				if f.Type == t {
					return f, nil
				}
			}
			// Stale frame from an earlier phase; keep waiting.
		case <-deadline.C:
			return frame.Frame{}, ErrTimeout
		case <-p.closed:
			return frame.Frame{}, ErrClosed
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}
