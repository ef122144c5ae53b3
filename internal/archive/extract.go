package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// sniffOffset and sniffMagic identify a ustar stream from its first header
// block: the magic field sits at byte 257.
const (
	sniffOffset = 257
	sniffMagic  = "ustar"
)

// SniffLen is how many leading bytes a receiver must accumulate before
// Sniff can decide.
const SniffLen = blockSize

// Sniff reports whether buf starts with a tar header. Callers should supply
// at least SniffLen bytes; shorter input is never an archive.
func Sniff(buf []byte) bool {
	if len(buf) < sniffOffset+len(sniffMagic) {
		return false
	}
	return string(buf[sniffOffset:sniffOffset+len(sniffMagic)]) == sniffMagic
}

// FileExistsError reports a destination collision without overwrite
// permission.
type FileExistsError struct {
	Path string
}

func (e *FileExistsError) Error() string {
	return fmt.Sprintf("destination already exists: %s (pass --overwrite to replace)", e.Path)
}

// ExtractOptions tunes extraction.
type ExtractOptions struct {
	// Overwrite permits replacing existing files.
	Overwrite bool
	Logger    *slog.Logger
}

// Extract unpacks a tar stream under destRoot. Entry names are normalized
// segment by segment; an entry whose normalized path would land outside
// destRoot is skipped, not fatal, and the rest of the archive still
// extracts. Existing files fail with a FileExistsError unless overwrite is
// set.
func Extract(r io.Reader, destRoot string, opts ExtractOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	absRoot, err := filepath.Abs(destRoot)
	if err != nil {
		return fmt.Errorf("archive: resolve destination: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return fmt.Errorf("archive: create destination: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read entry: %w", err)
		}

		rel, ok := normalizeName(hdr.Name)
		if !ok {
			log.Warn("skipping archive entry with unsafe path", "name", hdr.Name)
			continue
		}
		target := filepath.Join(absRoot, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, absRoot+string(os.PathSeparator)) {
			log.Warn("skipping archive entry escaping destination", "name", hdr.Name)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: create directory %s: %w", rel, err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, rel, hdr, opts.Overwrite); err != nil {
				return err
			}
		default:
			log.Debug("skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func writeEntry(tr *tar.Reader, target, rel string, hdr *tar.Header, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("archive: create parent of %s: %w", rel, err)
	}
	if !overwrite {
		if _, err := os.Lstat(target); err == nil {
			return &FileExistsError{Path: target}
		}
	}
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", rel, err)
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return fmt.Errorf("archive: extract %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", rel, err)
	}
	return nil
}

// normalizeName resolves an entry name to a safe relative path: empty and
// "." segments are dropped, ".." pops the last retained segment and can
// never climb above the archive root. Names that normalize to nothing, and
// absolute or drive-relative names that survive as such, are rejected.
func normalizeName(name string) (string, bool) {
	segments := strings.Split(strings.ReplaceAll(name, "\\", "/"), "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(kept) > 0 {
				kept = kept[:len(kept)-1]
			}
		default:
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, "/"), true
}
