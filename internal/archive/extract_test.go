package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name string
	body string
}

func buildTar(t *testing.T, entries []tarEntry) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.name,
			Size:     int64(len(e.body)),
			Mode:     0o644,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf
}

func TestExtractRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", 3)
	writeFile(t, dir, "sub/b.txt", 700)
	p, err := NewPacker([]string{dir}, nil)
	if err != nil {
		t.Fatalf("NewPacker: %v", err)
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	dest := t.TempDir()
	if err := Extract(&buf, dest, ExtractOptions{}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	base := filepath.Base(dir)
	for _, rel := range []string{"a.txt", filepath.Join("sub", "b.txt")} {
		if _, err := os.Stat(filepath.Join(dest, base, rel)); err != nil {
			t.Errorf("missing extracted file %s: %v", rel, err)
		}
	}
}

func TestExtractSkipsEscapingEntries(t *testing.T) {
	dest := t.TempDir()
	r := buildTar(t, []tarEntry{
		{name: "../escape.txt", body: "evil"},
		{name: "ok.txt", body: "fine"},
	})
	if err := Extract(r, dest, ExtractOptions{}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "ok.txt")); err != nil {
		t.Fatalf("safe entry missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); err == nil {
		t.Fatal("entry escaped the destination")
	}
	// "../escape.txt" normalizes to "escape.txt" inside dest.
	if _, err := os.Stat(filepath.Join(dest, "escape.txt")); err != nil {
		t.Fatalf("normalized entry missing: %v", err)
	}
}

func TestExtractCollisionWithoutOverwrite(t *testing.T) {
	dest := t.TempDir()
	existing := filepath.Join(dest, "f.txt")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	r := buildTar(t, []tarEntry{{name: "f.txt", body: "new"}})
	err := Extract(r, dest, ExtractOptions{})
	var exists *FileExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("err = %v, want FileExistsError", err)
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "old" {
		t.Fatal("existing file was clobbered")
	}
}

func TestExtractOverwrite(t *testing.T) {
	dest := t.TempDir()
	existing := filepath.Join(dest, "f.txt")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	r := buildTar(t, []tarEntry{{name: "f.txt", body: "new"}})
	if err := Extract(r, dest, ExtractOptions{Overwrite: true}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "new" {
		t.Fatalf("content = %q, want %q", got, "new")
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/b.txt", "a/b.txt", true},
		{"./a/./b", "a/b", true},
		{"a//b", "a/b", true},
		{"../x", "x", true},
		{"a/../../x", "x", true},
		{"..", "", false},
		{".", "", false},
		{"", "", false},
		{`a\b\c`, "a/b/c", true},
	}
	for _, c := range cases {
		got, ok := normalizeName(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("normalizeName(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
