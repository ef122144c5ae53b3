// Package crypto wraps the authentication primitives the handshake consumes:
// ephemeral signature keys for the sender, ML-KEM key pairs for the receiver,
// and the SAS/fingerprint derivations both sides compare out of band.
package crypto

import (
	"crypto/ed25519"
	"crypto/mlkem"
	"crypto/rand"
	"fmt"
)

// VerificationKey is a fresh ed25519 key pair. The public half is published
// during the post-quantum handshake; the private half never leaves the
// process.
type VerificationKey struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateVerificationKey creates a fresh signature key pair.
func GenerateVerificationKey() (*VerificationKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate verification key: %w", err)
	}
	return &VerificationKey{Public: pub, private: priv}, nil
}

// Sign signs msg with the private half.
func (v *VerificationKey) Sign(msg []byte) []byte {
	return ed25519.Sign(v.private, msg)
}

// Verify checks sig over msg against a published public key.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// KemKeyPair is a fresh ML-KEM-768 key pair held by the receiving side of
// the post-quantum handshake.
type KemKeyPair struct {
	dk *mlkem.DecapsulationKey768
}

// GenerateKemKeyPair creates a fresh ML-KEM-768 key pair.
func GenerateKemKeyPair() (*KemKeyPair, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("generate KEM key pair: %w", err)
	}
	return &KemKeyPair{dk: dk}, nil
}

// SerializePublicKey returns the encapsulation key bytes published to the
// counterpart.
func (k *KemKeyPair) SerializePublicKey() []byte {
	return k.dk.EncapsulationKey().Bytes()
}

// Decapsulate recovers the shared secret from a counterpart's ciphertext.
func (k *KemKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := k.dk.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("KEM decapsulate: %w", err)
	}
	return ss, nil
}

// Encapsulate derives a shared secret against a serialized public
// encapsulation key, returning the secret and the ciphertext to transmit.
func Encapsulate(publicKey []byte) (sharedSecret, ciphertext []byte, err error) {
	ek, err := mlkem.NewEncapsulationKey768(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parse KEM public key: %w", err)
	}
	ss, ct := ek.Encapsulate()
	return ss, ct, nil
}
