package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/collapsinghierarchy/noisytransfercli/internal/channel"
	"github.com/collapsinghierarchy/noisytransfercli/internal/crypto"
	"github.com/collapsinghierarchy/noisytransfercli/internal/frame"
	"github.com/collapsinghierarchy/noisytransfercli/internal/handshake"
)

// BulkTransfer is the authenticated bulk-transfer primitive the post-quantum
// mode delegates the byte stream to. The protocol wrapper treats it as a
// black box; SealedBulk below is the implementation this tool ships.
type BulkTransfer interface {
	SendFile(ctx context.Context, ch channel.Channel, sessionID string, src io.Reader, totalBytes int64, onProgress ProgressFunc) error
	RecvFile(ctx context.Context, ch channel.Channel, sessionID string, sink io.Writer, onProgress ProgressFunc) error
}

// SendPQ streams src through the bulk primitive after prepending the
// MetaHeader as an extra leading logical chunk. The announced total covers
// payload plus header, mirroring what RecvPQ strips back off.
func SendPQ(ctx context.Context, ch channel.Channel, sessionID string, src io.Reader, totalBytes int64, filename string, bulk BulkTransfer, onProgress ProgressFunc) error {
	if totalBytes <= 0 {
		return ErrInvalidTotal
	}
	if filename == "" {
		return bulk.SendFile(ctx, ch, sessionID, src, totalBytes, onProgress)
	}
	meta, err := frame.EncodeMeta(filename)
	if err != nil {
		return err
	}
	wrapped := io.MultiReader(bytes.NewReader(meta), src)
	return bulk.SendFile(ctx, ch, sessionID, wrapped, totalBytes+int64(len(meta)), onProgress)
}

// RecvPQ receives through the bulk primitive, stripping a leading MetaHeader
// before bytes reach the sink.
func RecvPQ(ctx context.Context, ch channel.Channel, sessionID string, sink Sink, bulk BulkTransfer, onProgress ProgressFunc) error {
	stripper := &metaStripWriter{sink: sink}
	if err := bulk.RecvFile(ctx, ch, sessionID, stripper, onProgress); err != nil {
		return err
	}
	if err := stripper.flush(); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("transfer: finalize sink: %w", err)
	}
	return nil
}

// metaStripWriter buffers the first few bytes of the stream, removes a
// MetaHeader if one is present, and forwards everything else untouched.
type metaStripWriter struct {
	sink    Sink
	decided bool
	head    []byte
}

// headMax is enough to hold a full MetaHeader: magic, length, 255 name bytes.
const headMax = 5 + frame.MaxMetaNameLen

func (w *metaStripWriter) Write(p []byte) (int, error) {
	if w.decided {
		return w.sink.Write(p)
	}
	w.head = append(w.head, p...)
	if len(w.head) < headMax {
		return len(p), nil
	}
	if err := w.decide(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *metaStripWriter) decide() error {
	w.decided = true
	rest := w.head
	if name, stripped, ok := frame.StripMeta(w.head); ok {
		if named, isNamed := w.sink.(NamedSink); isNamed {
			named.Info(name)
		}
		rest = stripped
	}
	w.head = nil
	if len(rest) > 0 {
		if _, err := w.sink.Write(rest); err != nil {
			return err
		}
	}
	return nil
}

// flush handles streams shorter than the sniff buffer.
func (w *metaStripWriter) flush() error {
	if w.decided {
		return nil
	}
	return w.decide()
}

// SealedBulk is the shipped BulkTransfer: the sender encapsulates against
// the receiver's KEM key, signs the ciphertext with its handshake signature
// key, and seals every chunk with ChaCha20-Poly1305 under the derived key.
// Framing reuses the INIT/DATA/FIN shapes with sealed chunk payloads.
type SealedBulk struct {
	hs     *handshake.Result
	Logger *slog.Logger

	// ChunkSize overrides the plaintext chunk size, mainly for tests.
	ChunkSize int

	// IdleTimeout bounds receive-side waits. Zero means 30s.
	IdleTimeout time.Duration
}

// NewSealedBulk builds the sealed primitive from a completed post-quantum
// handshake.
func NewSealedBulk(hs *handshake.Result) *SealedBulk {
	return &SealedBulk{hs: hs}
}

// sealedInit rides in the INIT frame payload.
type sealedInit struct {
	KemCiphertext []byte `json:"kem_ct"`
	Signature     []byte `json:"sig"`
}

var errBulkAuth = errors.New("transfer: bulk stream authentication failed")

func (b *SealedBulk) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b *SealedBulk) chunkSize() int {
	if b.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return b.ChunkSize
}

func (b *SealedBulk) idleTimeout() time.Duration {
	if b.IdleTimeout <= 0 {
		return 30 * time.Second
	}
	return b.IdleTimeout
}

// SendFile implements BulkTransfer for the sender, who holds the signature
// key and the receiver's public KEM key from the handshake.
func (b *SealedBulk) SendFile(ctx context.Context, ch channel.Channel, sessionID string, src io.Reader, totalBytes int64, onProgress ProgressFunc) error {
	if b.hs == nil || b.hs.Sign == nil || len(b.hs.KemPublic) == 0 {
		return errors.New("transfer: sealed bulk requires sender-side PQ handshake material")
	}
	if totalBytes <= 0 {
		return ErrInvalidTotal
	}

	secret, kemCT, err := crypto.Encapsulate(b.hs.KemPublic)
	if err != nil {
		return err
	}
	aead, err := bulkAEAD(secret, sessionID)
	if err != nil {
		return err
	}
	sig := b.hs.Sign.Sign(signedTranscript(sessionID, kemCT))

	initPayload, err := json.Marshal(sealedInit{KemCiphertext: kemCT, Signature: sig})
	if err != nil {
		return fmt.Errorf("transfer: marshal sealed init: %w", err)
	}
	init := frame.Init(sessionID, totalBytes)
	init.Payload = initPayload
	if err := ch.Send(init); err != nil {
		return fmt.Errorf("transfer: send sealed init: %w", err)
	}

	var (
		seq  uint64
		sent int64
	)
	buf := make([]byte, b.chunkSize())
	for sent < totalBytes {
		if err := ctx.Err(); err != nil {
			_ = ch.Send(frame.Fin(sessionID, false))
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			sealed := aead.Seal(nil, bulkNonce(seq), buf[:n], []byte(sessionID))
			if err := ch.Send(frame.Data(sessionID, seq, sealed)); err != nil {
				return fmt.Errorf("transfer: send sealed chunk %d: %w", seq, err)
			}
			seq++
			sent += int64(n)
			if onProgress != nil {
				onProgress(sent, totalBytes)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = ch.Send(frame.Fin(sessionID, false))
			return fmt.Errorf("transfer: read source: %w", err)
		}
	}

	ok := sent == totalBytes
	if err := ch.Send(frame.Fin(sessionID, ok)); err != nil {
		return fmt.Errorf("transfer: send fin: %w", err)
	}
	if err := ch.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger().Warn("outbound flush did not complete", "session", sessionID, "err", err)
	}
	if !ok {
		return &SizeMismatchError{Announced: totalBytes, Written: sent}
	}
	return nil
}

// RecvFile implements BulkTransfer for the receiver, who decapsulates with
// its KEM key and verifies the sender's signature over the encapsulation.
func (b *SealedBulk) RecvFile(ctx context.Context, ch channel.Channel, sessionID string, sink io.Writer, onProgress ProgressFunc) error {
	if b.hs == nil || b.hs.Kem == nil || len(b.hs.VerifyPublic) == 0 {
		return errors.New("transfer: sealed bulk requires receiver-side PQ handshake material")
	}

	frames := make(chan frame.Frame, 256)
	closed := make(chan struct{})
	var closeOnce sync.Once
	unsubMsg := ch.OnMessage(func(f frame.Frame) {
		if f.SessionID != sessionID {
			return
		}
		select {
		case frames <- f:
		case <-closed:
		}
	})
	defer unsubMsg()
	unsubClose := ch.OnClose(func(error) {
		closeOnce.Do(func() { close(closed) })
	})
	defer unsubClose()

	var (
		aead      aeadOpener
		announced int64
		written   int64
		nextSeq   uint64
		initSeen  bool
	)

	timer := time.NewTimer(b.idleTimeout())
	defer timer.Stop()

	for {
		var f frame.Frame
		select {
		case f = <-frames:
		case <-timer.C:
			return ErrTimeout
		case <-closed:
			if initSeen && written == announced {
				return nil
			}
			return &ConnClosedEarlyError{Announced: announced, Written: written}
		case <-ctx.Done():
			return ctx.Err()
		}
		if !timer.Stop() {
			<-timer.C
		}
		timer.Reset(b.idleTimeout())

		switch f.Type {
		case frame.TypeInit:
			var si sealedInit
			if err := json.Unmarshal(f.Payload, &si); err != nil {
				return fmt.Errorf("transfer: bad sealed init: %w", err)
			}
			if !crypto.Verify(b.hs.VerifyPublic, signedTranscript(sessionID, si.KemCiphertext), si.Signature) {
				return errBulkAuth
			}
			secret, err := b.hs.Kem.Decapsulate(si.KemCiphertext)
			if err != nil {
				return err
			}
			opener, err := bulkAEAD(secret, sessionID)
			if err != nil {
				return err
			}
			aead = opener
			announced = f.TotalBytes
			initSeen = true

		case frame.TypeData:
			if !initSeen {
				return ErrDataBeforeInit
			}
			if f.Seq != nextSeq {
				return &SequenceError{Expected: nextSeq, Got: f.Seq}
			}
			nextSeq++
			plain, err := aead.Open(nil, bulkNonce(f.Seq), f.Chunk, []byte(sessionID))
			if err != nil {
				return errBulkAuth
			}
			if _, err := sink.Write(plain); err != nil {
				return fmt.Errorf("transfer: write to sink: %w", err)
			}
			written += int64(len(plain))
			if onProgress != nil {
				onProgress(written, announced)
			}

		case frame.TypeFin:
			if !f.OK {
				return &SenderFailureError{SessionID: sessionID}
			}
			if written != announced {
				return &SizeMismatchError{Announced: announced, Written: written}
			}
			if err := ch.Send(frame.Fin(sessionID, true)); err != nil {
				b.logger().Debug("could not ack fin", "session", sessionID, "err", err)
			}
			return nil
		}
	}
}

type aeadOpener interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// bulkAEAD derives the chunk-sealing key from the KEM shared secret,
// domain-separated by session.
func bulkAEAD(secret []byte, sessionID string) (aeadOpener, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("noisytransfer/bulk/"+sessionID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("transfer: derive bulk key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transfer: init bulk cipher: %w", err)
	}
	return aead, nil
}

// bulkNonce encodes the chunk sequence number into the AEAD nonce. Sequence
// numbers never repeat within a session, so neither do nonces.
func bulkNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func signedTranscript(sessionID string, kemCT []byte) []byte {
	out := make([]byte, 0, len(sessionID)+len(kemCT))
	out = append(out, sessionID...)
	return append(out, kemCT...)
}
