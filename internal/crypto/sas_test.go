package crypto

import (
	"testing"
)

func TestSASIsDeterministicSixDigits(t *testing.T) {
	a, err := SAS("direct", "sess", []byte("n1"), []byte("n2"))
	if err != nil {
		t.Fatalf("SAS: %v", err)
	}
	b, err := SAS("direct", "sess", []byte("n1"), []byte("n2"))
	if err != nil {
		t.Fatalf("SAS: %v", err)
	}
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
	if len(a) != 6 {
		t.Fatalf("SAS %q is not six digits", a)
	}
	for _, c := range a {
		if c < '0' || c > '9' {
			t.Fatalf("SAS %q contains non-digit", a)
		}
	}
}

func TestSASSensitivity(t *testing.T) {
	base, _ := SAS("direct", "sess", []byte("n1"), []byte("n2"))
	variants := []struct {
		name string
		sas  func() (string, error)
	}{
		{"domain", func() (string, error) { return SAS("pq", "sess", []byte("n1"), []byte("n2")) }},
		{"session", func() (string, error) { return SAS("direct", "other", []byte("n1"), []byte("n2")) }},
		{"material", func() (string, error) { return SAS("direct", "sess", []byte("n1"), []byte("n3")) }},
		{"order", func() (string, error) { return SAS("direct", "sess", []byte("n2"), []byte("n1")) }},
		// Length-prefixing means shifting a boundary changes the transcript
		// even though the concatenation is identical.
		{"boundary", func() (string, error) { return SAS("direct", "sess", []byte("n1n"), []byte("2")) }},
	}
	for _, v := range variants {
		got, err := v.sas()
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		if got == base {
			t.Errorf("%s variant collides with base %q", v.name, base)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateVerificationKey()
	if err != nil {
		t.Fatalf("GenerateVerificationKey: %v", err)
	}
	msg := []byte("session transcript")
	sig := key.Sign(msg)
	if !Verify(key.Public, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(key.Public, []byte("other message"), sig) {
		t.Fatal("signature over wrong message accepted")
	}
	other, _ := GenerateVerificationKey()
	if Verify(other.Public, msg, sig) {
		t.Fatal("signature accepted under wrong key")
	}
	if Verify([]byte("short"), msg, sig) {
		t.Fatal("malformed key accepted")
	}
}

func TestKemRoundTrip(t *testing.T) {
	kem, err := GenerateKemKeyPair()
	if err != nil {
		t.Fatalf("GenerateKemKeyPair: %v", err)
	}
	ss1, ct, err := Encapsulate(kem.SerializePublicKey())
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	ss2, err := kem.Decapsulate(ct)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if string(ss1) != string(ss2) {
		t.Fatal("shared secrets diverge")
	}
	if _, _, err := Encapsulate([]byte("garbage")); err == nil {
		t.Fatal("garbage public key accepted")
	}
}

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint([]byte("some public key"))
	if len(fp) != 20 {
		t.Fatalf("fingerprint %q has length %d, want 20 hex chars", fp, len(fp))
	}
	if fp == Fingerprint([]byte("different key")) {
		t.Fatal("distinct keys share a fingerprint")
	}
}
