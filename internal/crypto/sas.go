package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SAS derives a 6-digit short authentication string from the public material
// both sides exchanged. The domain string separates the two handshake
// profiles so a direct-profile transcript can never collide with a
// post-quantum one.
func SAS(domain, sessionID string, material ...[]byte) (string, error) {
	h := sha256.New()
	h.Write([]byte(sessionID))
	for _, m := range material {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(m)))
		h.Write(n[:])
		h.Write(m)
	}
	transcript := h.Sum(nil)

	r := hkdf.New(sha256.New, transcript, nil, []byte("noisytransfer/sas/"+domain))
	var out [4]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return "", fmt.Errorf("derive SAS: %w", err)
	}
	code := binary.BigEndian.Uint32(out[:]) % 1_000_000
	return fmt.Sprintf("%06d", code), nil
}

// Fingerprint returns a short hex fingerprint of public key material,
// SHA-256 truncated to 10 bytes.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}
