package handshake

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/collapsinghierarchy/noisytransfercli/internal/channel"
)

func accept(string) bool { return false }

type hsResult struct {
	res *Result
	err error
}

// runPair drives both sides concurrently over a mock pair and returns both
// outcomes.
func runPair(t *testing.T, sender, receiver channel.Channel, cfg Config, senderConfirm, receiverConfirm ConfirmFunc) (hsResult, hsResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sCh := make(chan hsResult, 1)
	rCh := make(chan hsResult, 1)
	go func() {
		res, err := RunSender(ctx, sender, "sess", senderConfirm, cfg)
		sCh <- hsResult{res, err}
	}()
	go func() {
		res, err := RunReceiver(ctx, receiver, "sess", receiverConfirm, Config{FrameTimeout: cfg.FrameTimeout})
		rCh <- hsResult{res, err}
	}()
	return <-sCh, <-rCh
}

func TestDirectHandshakeAgreesOnSAS(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	certA := sha256.Sum256([]byte("cert-a"))
	certB := sha256.Sum256([]byte("cert-b"))
	fpA := channel.Fingerprint{Algorithm: "sha-256", Digest: certA[:]}
	fpB := channel.Fingerprint{Algorithm: "sha-256", Digest: certB[:]}
	a.SetFingerprints(fpA, fpB)
	b.SetFingerprints(fpB, fpA)

	var senderSAS, receiverSAS string
	s, r := runPair(t, a, b, Config{},
		func(sas string) bool { senderSAS = sas; return true },
		func(sas string) bool { receiverSAS = sas; return true })

	if s.err != nil || r.err != nil {
		t.Fatalf("handshake failed: sender=%v receiver=%v", s.err, r.err)
	}
	if senderSAS == "" || senderSAS != receiverSAS {
		t.Fatalf("SAS mismatch: sender=%q receiver=%q", senderSAS, receiverSAS)
	}
	if len(senderSAS) != 6 {
		t.Fatalf("SAS %q is not six digits", senderSAS)
	}
	if !s.res.FingerprintVerified || !r.res.FingerprintVerified {
		t.Fatal("fingerprints were exchanged but not marked verified")
	}
}

func TestDirectHandshakeFingerprintMismatchFailsClosed(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	certA := sha256.Sum256([]byte("cert-a"))
	certB := sha256.Sum256([]byte("cert-b"))
	attacker := sha256.Sum256([]byte("mitm"))
	// The receiver's live view of the sender does not match what the sender
	// published.
	a.SetFingerprints(
		channel.Fingerprint{Algorithm: "sha-256", Digest: certA[:]},
		channel.Fingerprint{Algorithm: "sha-256", Digest: certB[:]})
	b.SetFingerprints(
		channel.Fingerprint{Algorithm: "sha-256", Digest: certB[:]},
		channel.Fingerprint{Algorithm: "sha-256", Digest: attacker[:]})

	_, r := runPair(t, a, b, Config{},
		func(string) bool { return true },
		func(string) bool { return true })

	if !errors.Is(r.err, ErrFingerprintMismatch) {
		t.Fatalf("receiver error = %v, want ErrFingerprintMismatch", r.err)
	}
}

func TestDirectHandshakeLocalRejection(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	s, r := runPair(t, a, b, Config{},
		func(string) bool { return false },
		func(string) bool { return true })

	if !errors.Is(s.err, ErrRejected) {
		t.Fatalf("sender error = %v, want ErrRejected", s.err)
	}
	if !errors.Is(r.err, ErrPeerRejected) {
		t.Fatalf("receiver error = %v, want ErrPeerRejected", r.err)
	}
}

func TestDirectHandshakePeerRejection(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	s, _ := runPair(t, a, b, Config{},
		func(string) bool { return true },
		func(string) bool { return false })

	if !errors.Is(s.err, ErrPeerRejected) {
		t.Fatalf("sender error = %v, want ErrPeerRejected", s.err)
	}
}

func TestPQHandshakeExchangesKeys(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	var senderSAS, receiverSAS string
	s, r := runPair(t, a, b, Config{Profile: ProfilePQ},
		func(sas string) bool { senderSAS = sas; return true },
		func(sas string) bool { receiverSAS = sas; return true })

	if s.err != nil || r.err != nil {
		t.Fatalf("handshake failed: sender=%v receiver=%v", s.err, r.err)
	}
	if senderSAS != receiverSAS {
		t.Fatalf("SAS mismatch: %q vs %q", senderSAS, receiverSAS)
	}
	if s.res.Profile != ProfilePQ || r.res.Profile != ProfilePQ {
		t.Fatalf("profiles: sender=%v receiver=%v", s.res.Profile, r.res.Profile)
	}
	// The sender holds the signing key, the receiver the KEM key; public
	// halves must line up crosswise.
	if s.res.Sign == nil || r.res.Kem == nil {
		t.Fatal("private material missing on its owning side")
	}
	if string(s.res.VerifyPublic) != string(r.res.VerifyPublic) {
		t.Fatal("verification key disagreement")
	}
	if string(s.res.KemPublic) != string(r.res.KemPublic) {
		t.Fatal("KEM key disagreement")
	}
}

func TestHandshakeTimesOutWithoutCounterpart(t *testing.T) {
	_, b := channel.NewMockPair()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := RunReceiver(ctx, b, "sess", accept, Config{FrameTimeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestHandshakeFailsWhenChannelCloses(t *testing.T) {
	a, b := channel.NewMockPair()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := RunReceiver(context.Background(), b, "sess", accept, Config{FrameTimeout: 5 * time.Second})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not notice the close")
	}
}

// The sender starts before the receiver subscribes; the replay wrapper must
// hand the buffered offer to the late receiver.
func TestHandshakeSurvivesLateReceiverAttach(t *testing.T) {
	a, b := channel.NewMockPair()
	defer a.Close()
	defer b.Close()

	// Wrapping at connection time, before any coordinator runs, is what the
	// pipelines do via RunSender/RunReceiver internally. Simulate the race by
	// starting the sender alone first.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Receiver wraps immediately (tap active) but attaches its consumer late.
	wrapped := channel.WrapReplaySafe(b, "sess", "receiver", nil)

	sCh := make(chan hsResult, 1)
	go func() {
		res, err := RunSender(ctx, a, "sess", func(string) bool { return true }, Config{})
		sCh <- hsResult{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	res, err := RunReceiver(ctx, wrapped, "sess", func(string) bool { return true }, Config{})
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	s := <-sCh
	if s.err != nil {
		t.Fatalf("sender: %v", s.err)
	}
	if s.res.SAS != res.SAS {
		t.Fatalf("SAS mismatch after late attach: %q vs %q", s.res.SAS, res.SAS)
	}
}
