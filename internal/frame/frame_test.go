package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	in := Data("sess-1", 7, []byte("hello"))
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Type != TypeData || out.SessionID != "sess-1" || out.Seq != 7 {
		t.Fatalf("unexpected frame: %+v", out)
	}
	if !bytes.Equal(out.Chunk, []byte("hello")) {
		t.Fatalf("chunk = %q", out.Chunk)
	}
}

func TestDecodeAcceptsFrameValues(t *testing.T) {
	f := Fin("s", true)
	got, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode(Frame): %v", err)
	}
	if !got.OK {
		t.Fatal("ok flag lost")
	}
	got, err = Decode(&f)
	if err != nil {
		t.Fatalf("Decode(*Frame): %v", err)
	}
	if got.Type != TypeFin {
		t.Fatalf("type = %q", got.Type)
	}
	got, err = Decode(string(mustEncode(t, f)))
	if err != nil {
		t.Fatalf("Decode(string): %v", err)
	}
	if got.SessionID != "s" {
		t.Fatalf("session = %q", got.SessionID)
	}
}

func TestDecodeRejectsNonFrames(t *testing.T) {
	cases := []any{
		42,
		[]byte("not json"),
		[]byte(`{"type":"banana"}`),
		[]byte(`{"no_type":true}`),
	}
	for _, c := range cases {
		if _, err := Decode(c); !errors.Is(err, ErrNotAFrame) {
			t.Errorf("Decode(%v): want ErrNotAFrame, got %v", c, err)
		}
	}
}

func TestFinOKSurvivesFalse(t *testing.T) {
	// ok must be encoded even when false, otherwise a failure FIN is
	// indistinguishable from a success FIN with a dropped field.
	raw := mustEncode(t, Fin("s", false))
	if !bytes.Contains(raw, []byte(`"ok":false`)) {
		t.Fatalf("encoded fin lacks explicit ok flag: %s", raw)
	}
}

func TestAuthPayloadRoundTrip(t *testing.T) {
	type hello struct {
		Nonce []byte `json:"nonce"`
	}
	f, err := Auth(TypeAuthOffer, "s", hello{Nonce: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !f.IsAuth() {
		t.Fatal("auth frame not recognized as auth")
	}
	var out hello
	if err := f.DecodePayload(&out); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(out.Nonce, []byte{1, 2, 3}) {
		t.Fatalf("nonce = %v", out.Nonce)
	}
}

func mustEncode(t *testing.T, f Frame) []byte {
	t.Helper()
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}
