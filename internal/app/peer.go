// Package app wires the pieces into the two user-facing pipelines: send and
// receive. It owns peer-channel establishment via the rendezvous relay and
// the teardown ordering around a finished transfer.
package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collapsinghierarchy/noisytransfercli/internal/channel"
	"github.com/collapsinghierarchy/noisytransfercli/internal/rendezvous"
)

// SignalingError marks failures during rendezvous or channel establishment,
// so the CLI can map them to the network exit code.
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string { return "signaling: " + e.Err.Error() }
func (e *SignalingError) Unwrap() error { return e.Err }

func signalErr(format string, args ...any) error {
	return &SignalingError{Err: fmt.Errorf(format, args...)}
}

// PeerConfig configures channel establishment. Nothing here is read from
// ambient globals; the CLI builds it explicitly.
type PeerConfig struct {
	ServerURL      string
	STUNServers    []string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

func (c PeerConfig) stunServers() []string {
	if len(c.STUNServers) == 0 {
		return []string{"stun:stun.l.google.com:19302"}
	}
	return c.STUNServers
}

func (c PeerConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 60 * time.Second
	}
	return c.ConnectTimeout
}

// signalSession funnels relay envelopes into a channel the connect flows
// can wait on with timeouts.
type signalSession struct {
	client *rendezvous.Client
	envs   chan rendezvous.Envelope
	done   chan error
}

func dialSignal(ctx context.Context, cfg PeerConfig) (*signalSession, error) {
	client, err := rendezvous.Dial(ctx, cfg.ServerURL, cfg.Logger)
	if err != nil {
		return nil, &SignalingError{Err: err}
	}
	s := &signalSession{
		client: client,
		envs:   make(chan rendezvous.Envelope, 64),
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- client.ReadLoop(ctx, func(env rendezvous.Envelope) {
			select {
			case s.envs <- env:
			default:
				cfg.Logger.Warn("dropping signaling envelope, consumer too slow", "type", env.Type)
			}
		})
	}()
	return s, nil
}

// wait blocks for the next envelope of one of the wanted types. Relay error
// envelopes short-circuit.
func (s *signalSession) wait(ctx context.Context, timeout time.Duration, types ...string) (rendezvous.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case env := <-s.envs:
			if env.Type == rendezvous.TypeError {
				var em rendezvous.ErrorMsg
				_ = env.DecodePayload(&em)
				return env, signalErr("relay error %s: %s", em.Code, em.Message)
			}
			for _, t := range types {
				if env.Type == t {
					return env, nil
				}
			}
		case <-deadline.C:
			return rendezvous.Envelope{}, signalErr("timed out waiting for %v", types)
		case err := <-s.done:
			return rendezvous.Envelope{}, signalErr("signaling connection lost: %w", err)
		case <-ctx.Done():
			return rendezvous.Envelope{}, ctx.Err()
		}
	}
}

func (s *signalSession) send(msgType, sessionID string, payload any) error {
	env, err := rendezvous.NewEnvelope(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	if err := s.client.Send(env); err != nil {
		return &SignalingError{Err: err}
	}
	return nil
}

// newPeerConnection builds a peer connection with a fresh DTLS certificate,
// which doubles as the direct profile's channel-binding identity.
func newPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, *webrtc.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate: %w", err)
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:   []webrtc.ICEServer{{URLs: cfg.stunServers()}},
		Certificates: []webrtc.Certificate{*cert},
	})
	if err != nil {
		return nil, nil, signalErr("create peer connection: %w", err)
	}
	return pc, cert, nil
}

// ConnectSender creates a rendezvous session, reports the join code, and
// opens the data channel once the counterpart arrives.
func ConnectSender(ctx context.Context, cfg PeerConfig, onCode func(code string)) (*channel.WebRTC, string, error) {
	sig, err := dialSignal(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	defer sig.client.Close()

	if err := sig.send(rendezvous.TypeCreate, "", rendezvous.Create{Role: "sender"}); err != nil {
		return nil, "", err
	}
	env, err := sig.wait(ctx, cfg.connectTimeout(), rendezvous.TypeCreated)
	if err != nil {
		return nil, "", err
	}
	var created rendezvous.Created
	if err := env.DecodePayload(&created); err != nil {
		return nil, "", &SignalingError{Err: err}
	}
	onCode(created.JoinCode)

	if _, err := sig.wait(ctx, cfg.connectTimeout(), rendezvous.TypePeerJoined); err != nil {
		return nil, "", err
	}

	pc, cert, err := newPeerConnection(cfg)
	if err != nil {
		return nil, "", err
	}
	dc, err := pc.CreateDataChannel("noisytransfer", &webrtc.DataChannelInit{Ordered: boolPtr(true)})
	if err != nil {
		pc.Close()
		return nil, "", signalErr("create data channel: %w", err)
	}
	forwardCandidates(pc, sig, created.SessionID, cfg.Logger)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, "", signalErr("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, "", signalErr("set local description: %w", err)
	}
	if err := sig.send(rendezvous.TypeOffer, created.SessionID, rendezvous.Offer{SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, "", err
	}

	if err := completeSignaling(ctx, sig, pc, cfg, created.SessionID, true); err != nil {
		pc.Close()
		return nil, "", err
	}
	ch, err := waitChannelOpen(ctx, pc, dc, cert, cfg)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	return ch, created.SessionID, nil
}

// ConnectReceiver redeems a join code and answers the sender's offer.
func ConnectReceiver(ctx context.Context, cfg PeerConfig, code string) (*channel.WebRTC, string, error) {
	sig, err := dialSignal(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	defer sig.client.Close()

	if err := sig.send(rendezvous.TypeJoin, "", rendezvous.Join{JoinCode: code, Role: "receiver"}); err != nil {
		return nil, "", err
	}
	env, err := sig.wait(ctx, cfg.connectTimeout(), rendezvous.TypeCreated)
	if err != nil {
		return nil, "", err
	}
	var created rendezvous.Created
	if err := env.DecodePayload(&created); err != nil {
		return nil, "", &SignalingError{Err: err}
	}
	sessionID := created.SessionID

	pc, cert, err := newPeerConnection(cfg)
	if err != nil {
		return nil, "", err
	}
	dcCh := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case dcCh <- dc:
		default:
		}
	})
	forwardCandidates(pc, sig, sessionID, cfg.Logger)

	offerEnv, err := sig.wait(ctx, cfg.connectTimeout(), rendezvous.TypeOffer)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	var offer rendezvous.Offer
	if err := offerEnv.DecodePayload(&offer); err != nil {
		pc.Close()
		return nil, "", &SignalingError{Err: err}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, "", signalErr("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", signalErr("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", signalErr("set local description: %w", err)
	}
	if err := sig.send(rendezvous.TypeAnswer, sessionID, rendezvous.Answer{SDP: answer.SDP}); err != nil {
		pc.Close()
		return nil, "", err
	}

	if err := completeSignaling(ctx, sig, pc, cfg, sessionID, false); err != nil {
		pc.Close()
		return nil, "", err
	}

	var dc *webrtc.DataChannel
	select {
	case dc = <-dcCh:
	case <-time.After(cfg.connectTimeout()):
		pc.Close()
		return nil, "", signalErr("timed out waiting for data channel")
	case <-ctx.Done():
		pc.Close()
		return nil, "", ctx.Err()
	}
	ch, err := waitChannelOpen(ctx, pc, dc, cert, cfg)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	return ch, sessionID, nil
}

// forwardCandidates relays local ICE candidates to the counterpart.
func forwardCandidates(pc *webrtc.PeerConnection, sig *signalSession, sessionID string, log *slog.Logger) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := sig.send(rendezvous.TypeCandidate, sessionID, rendezvous.Candidate{Candidate: c.ToJSON().Candidate}); err != nil {
			log.Warn("could not relay ICE candidate", "err", err)
		}
	})
}

// completeSignaling consumes the counterpart's answer (sender side) and ICE
// candidates until the peer connection reports connected.
func completeSignaling(ctx context.Context, sig *signalSession, pc *webrtc.PeerConnection, cfg PeerConfig, sessionID string, wantAnswer bool) error {
	connected := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case webrtc.PeerConnectionStateFailed:
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return nil
	}

	deadline := time.NewTimer(cfg.connectTimeout())
	defer deadline.Stop()
	for {
		select {
		case env := <-sig.envs:
			switch env.Type {
			case rendezvous.TypeAnswer:
				if !wantAnswer {
					continue
				}
				var answer rendezvous.Answer
				if err := env.DecodePayload(&answer); err != nil {
					return &SignalingError{Err: err}
				}
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
					return signalErr("set remote description: %w", err)
				}
				wantAnswer = false
			case rendezvous.TypeCandidate:
				var cand rendezvous.Candidate
				if err := env.DecodePayload(&cand); err != nil {
					continue
				}
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand.Candidate}); err != nil {
					cfg.Logger.Debug("rejected ICE candidate", "err", err)
				}
			case rendezvous.TypePeerLeft:
				return signalErr("counterpart left before the channel opened")
			}
		case <-connected:
			return nil
		case <-failed:
			return signalErr("peer connection failed")
		case <-deadline.C:
			return signalErr("timed out establishing peer connection")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitChannelOpen blocks until the data channel is usable, then wraps it.
func waitChannelOpen(ctx context.Context, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, cert *webrtc.Certificate, cfg PeerConfig) (*channel.WebRTC, error) {
	open := make(chan struct{})
	dc.OnOpen(func() { close(open) })
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return channel.NewWebRTC(pc, dc, cert, cfg.Logger), nil
	}
	select {
	case <-open:
		return channel.NewWebRTC(pc, dc, cert, cfg.Logger), nil
	case <-time.After(cfg.connectTimeout()):
		return nil, signalErr("timed out waiting for data channel to open")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func boolPtr(b bool) *bool { return &b }
