// Package archive builds and unpacks the tar stream used for multi-path
// sends. Packing is two-phase: a full pre-scan first, so the exact stream
// size is known before a single byte leaves the machine, then streaming. The
// transfer protocol requires the total up front, which is why scanning is
// not interleaved with writing.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"
)

const blockSize = 512

// endMarkerSize is the fixed trailer a tar writer appends: two zero blocks.
const endMarkerSize = 2 * blockSize

// maxEntryName keeps every header inside a single ustar block. Longer names
// would silently switch the writer to an extension format and break the size
// precomputation.
const maxEntryName = 100

var (
	// ErrNoEntries indicates the scan found nothing to pack.
	ErrNoEntries = errors.New("archive: no files to pack")
	// ErrNameTooLong indicates an entry's relative name does not fit a
	// single ustar header block.
	ErrNameTooLong = errors.New("archive: entry name too long")
)

// Entry is one regular file recorded during the pre-scan.
type Entry struct {
	Path    string // absolute path on disk
	Name    string // root-relative, POSIX-separated name inside the archive
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// Packer streams a deterministic-size tar archive assembled from a pre-scan.
type Packer struct {
	entries []Entry
	size    int64
}

// NewPacker scans the given paths (files and/or directories), applies the
// exclude glob patterns against each entry's archive name, and computes the
// exact packed size. The entry order is stable (lexicographic by name) so
// repeated runs over the same fileset announce the same size.
func NewPacker(paths []string, excludes []string) (*Packer, error) {
	if len(paths) == 0 {
		return nil, ErrNoEntries
	}

	var entries []Entry
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("archive: resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("archive: stat %s: %w", p, err)
		}
		if info.IsDir() {
			sub, err := scanDir(abs)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Path:    abs,
			Name:    filepath.Base(abs),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
		})
	}

	entries, err := filterExcluded(entries, excludes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var size int64 = endMarkerSize
	for _, e := range entries {
		if len(e.Name) > maxEntryName {
			return nil, fmt.Errorf("%w: %s", ErrNameTooLong, e.Name)
		}
		size += blockSize + roundUpBlock(e.Size)
	}
	return &Packer{entries: entries, size: size}, nil
}

// scanDir enumerates regular files under root. Entry names are prefixed
// with the directory's base name, the way a recipient expects a folder send
// to unpack.
func scanDir(root string) ([]Entry, error) {
	base := filepath.Base(root)
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("archive: walk %s: %w", p, err)
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("archive: relative path of %s: %w", p, err)
		}
		entries = append(entries, Entry{
			Path:    p,
			Name:    path.Join(base, filepath.ToSlash(rel)),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// filterExcluded drops entries whose archive name, or base name, matches any
// exclude pattern.
func filterExcluded(entries []Entry, excludes []string) ([]Entry, error) {
	if len(excludes) == 0 {
		return entries, nil
	}
	kept := entries[:0]
	for _, e := range entries {
		excluded := false
		for _, pattern := range excludes {
			full, err := path.Match(pattern, e.Name)
			if err != nil {
				return nil, fmt.Errorf("archive: bad exclude pattern %q: %w", pattern, err)
			}
			base, _ := path.Match(pattern, path.Base(e.Name))
			if full || base {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

// Entries returns the scanned entries in streaming order.
func (p *Packer) Entries() []Entry { return p.entries }

// Size returns the exact number of bytes WriteTo will produce. A file that
// changes size between scan and stream makes the announcement stale; the
// transfer layer surfaces that as a mismatch rather than truncating
// silently.
func (p *Packer) Size() int64 { return p.size }

// WriteTo streams the archive. Any read error aborts the stream with that
// error.
func (p *Packer) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tar.NewWriter(cw)
	for _, e := range p.entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Size:     e.Size,
			Mode:     int64(e.Mode.Perm()),
			ModTime:  e.ModTime.Truncate(time.Second),
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return cw.n, fmt.Errorf("archive: write header for %s: %w", e.Name, err)
		}
		f, err := os.Open(e.Path)
		if err != nil {
			return cw.n, fmt.Errorf("archive: open %s: %w", e.Path, err)
		}
		_, err = io.CopyN(tw, f, e.Size)
		f.Close()
		if err != nil {
			return cw.n, fmt.Errorf("archive: stream %s: %w", e.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return cw.n, fmt.Errorf("archive: finalize: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func roundUpBlock(n int64) int64 {
	return (n + blockSize - 1) / blockSize * blockSize
}
