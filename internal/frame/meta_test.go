package frame

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMetaRoundTrip(t *testing.T) {
	meta, err := EncodeMeta("report final.pdf")
	if err != nil {
		t.Fatalf("EncodeMeta: %v", err)
	}
	payload := append(meta, []byte("file contents")...)
	name, rest, ok := StripMeta(payload)
	if !ok {
		t.Fatal("StripMeta did not detect header")
	}
	if name != "report final.pdf" {
		t.Fatalf("name = %q", name)
	}
	if !bytes.Equal(rest, []byte("file contents")) {
		t.Fatalf("rest = %q", rest)
	}
}

func TestMetaNameLimits(t *testing.T) {
	if _, err := EncodeMeta(strings.Repeat("a", MaxMetaNameLen)); err != nil {
		t.Fatalf("255-byte name should encode: %v", err)
	}
	if _, err := EncodeMeta(strings.Repeat("a", MaxMetaNameLen+1)); !errors.Is(err, ErrMetaNameTooLong) {
		t.Fatalf("want ErrMetaNameTooLong, got %v", err)
	}
	if _, err := EncodeMeta(""); !errors.Is(err, ErrMetaNameInvalid) {
		t.Fatalf("want ErrMetaNameInvalid for empty name, got %v", err)
	}
	if _, err := EncodeMeta(string([]byte{0xff, 0xfe})); !errors.Is(err, ErrMetaNameInvalid) {
		t.Fatalf("want ErrMetaNameInvalid for bad UTF-8, got %v", err)
	}
}

func TestStripMetaLeavesPlainPayloadAlone(t *testing.T) {
	payload := []byte("just some bytes longer than a header prefix")
	name, rest, ok := StripMeta(payload)
	if ok || name != "" {
		t.Fatalf("false positive: name=%q ok=%v", name, ok)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatal("payload was modified")
	}
}

func TestStripMetaShortInput(t *testing.T) {
	if _, _, ok := StripMeta(metaMagic[:3]); ok {
		t.Fatal("3 bytes cannot be a header")
	}
	// Magic present but declared name truncated.
	truncated := append(append([]byte{}, metaMagic[:]...), 10, 'a', 'b')
	if _, _, ok := StripMeta(truncated); ok {
		t.Fatal("truncated header must not strip")
	}
}
