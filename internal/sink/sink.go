// Package sink implements the receiving side's destination chooser. Nothing
// is opened on disk until either the protocol's MetaHeader names the payload
// or enough leading bytes have accumulated to sniff an archive, so a
// late-arriving filename hint can still steer the destination.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/collapsinghierarchy/noisytransfercli/internal/archive"
)

// DefaultName is the fallback filename when the sender announced none.
const DefaultName = "noisytransfer.bin"

// ErrArchiveToStdout is fatal: an archive stream cannot be dumped to a
// terminal pipe.
var ErrArchiveToStdout = errors.New("sink: refusing to write an archive to stdout")

// Config selects the destination policy.
type Config struct {
	// Dest is the requested output path. Empty means the current directory.
	// A path that is an existing directory (or empty) makes the sink choose
	// between extraction and a named file inside it; anything else is
	// treated as a concrete file path and written to directly.
	Dest string

	// ToStdout streams raw bytes to Stdout instead of the filesystem.
	ToStdout bool

	// Stdout is the writer used when ToStdout is set. Defaults to
	// os.Stdout; tests substitute a buffer.
	Stdout io.Writer

	// Overwrite permits replacing existing files, both for a single raw
	// file and for archive entries.
	Overwrite bool

	Logger *slog.Logger
}

type mode int

const (
	modeUndecided mode = iota
	modeFile
	modeStdout
	modeExtract
)

// Sniffing defers the file/stdout/extract decision until content is known.
// Exactly one decision is made per session and never revisited.
type Sniffing struct {
	cfg Config
	log *slog.Logger

	mode        mode
	head        []byte
	desiredName string
	pendingErr  error

	out        *os.File
	resolved   string
	extractPW  *io.PipeWriter
	extractErr chan error
}

// New builds an undecided sink.
func New(cfg Config) *Sniffing {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	return &Sniffing{cfg: cfg, log: log}
}

// Info records the filename announced in the MetaHeader. Metadata implies a
// single raw file, so it settles the destination immediately; the file
// itself is still only created on the first real write.
func (s *Sniffing) Info(name string) {
	if s.mode != modeUndecided {
		return
	}
	s.desiredName = filepath.Base(name)
	if err := s.decide(false); err != nil {
		// Info has no error return; surface it on the next write.
		s.pendingErr = err
	}
}

// Write buffers until a decision is possible, then streams through.
func (s *Sniffing) Write(p []byte) (int, error) {
	if s.pendingErr != nil {
		return 0, s.pendingErr
	}
	if s.mode != modeUndecided {
		return s.passthrough(p)
	}
	s.head = append(s.head, p...)
	if len(s.head) >= archive.SniffLen {
		if err := s.decide(archive.Sniff(s.head)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close settles streams shorter than the sniff window, flushes, and
// finalizes the destination.
func (s *Sniffing) Close() error {
	if s.pendingErr != nil {
		return s.pendingErr
	}
	if s.mode == modeUndecided {
		if err := s.decide(archive.Sniff(s.head)); err != nil {
			return err
		}
	}
	switch s.mode {
	case modeFile:
		if s.out == nil {
			// Zero payload still yields the promised file.
			if err := s.open(); err != nil {
				return err
			}
		}
		if err := s.out.Close(); err != nil {
			return fmt.Errorf("sink: close %s: %w", s.resolved, err)
		}
		return nil
	case modeExtract:
		if err := s.extractPW.Close(); err != nil {
			return err
		}
		return <-s.extractErr
	default:
		return nil
	}
}

// Abort tears the sink down after a failed session. Unlike Close it never
// decides a destination or creates a file nothing was written to; a
// partially written file stays on disk for inspection.
func (s *Sniffing) Abort() error {
	switch s.mode {
	case modeFile:
		if s.out == nil {
			return nil
		}
		return s.out.Close()
	case modeExtract:
		s.extractPW.CloseWithError(errors.New("sink: session aborted"))
		return <-s.extractErr
	default:
		return nil
	}
}

// Path reports the resolved destination, when the decision produced one.
func (s *Sniffing) Path() (string, bool) {
	if s.resolved == "" {
		return "", false
	}
	return s.resolved, true
}

// decide commits to a destination per the policy table and replays the
// buffered head bytes into it.
func (s *Sniffing) decide(isArchive bool) error {
	if s.cfg.ToStdout {
		if isArchive {
			return ErrArchiveToStdout
		}
		s.mode = modeStdout
		return s.replayHead()
	}

	dest := s.cfg.Dest
	if dest == "" {
		dest = "."
	}
	info, statErr := os.Stat(dest)
	isDir := statErr == nil && info.IsDir()

	if !isDir && dest != "." {
		// Concrete file path: write to it directly, archive or not.
		s.mode = modeFile
		s.resolved = dest
		return s.replayHead()
	}

	if isArchive {
		s.mode = modeExtract
		pr, pw := io.Pipe()
		s.extractPW = pw
		s.extractErr = make(chan error, 1)
		s.resolved = dest
		go func() {
			err := archive.Extract(pr, dest, archive.ExtractOptions{
				Overwrite: s.cfg.Overwrite,
				Logger:    s.log,
			})
			if err != nil {
				pr.CloseWithError(err)
			} else {
				pr.Close()
			}
			s.extractErr <- err
		}()
		return s.replayHead()
	}

	name := s.desiredName
	if name == "" {
		name = DefaultName
	}
	s.mode = modeFile
	s.resolved = resolveCollision(dest, name, s.cfg.Overwrite)
	return s.replayHead()
}

func (s *Sniffing) replayHead() error {
	head := s.head
	s.head = nil
	if len(head) == 0 {
		return nil
	}
	_, err := s.passthrough(head)
	return err
}

func (s *Sniffing) passthrough(p []byte) (int, error) {
	switch s.mode {
	case modeStdout:
		return s.cfg.Stdout.Write(p)
	case modeExtract:
		return s.extractPW.Write(p)
	case modeFile:
		if s.out == nil {
			if err := s.open(); err != nil {
				return 0, err
			}
		}
		return s.out.Write(p)
	default:
		return 0, errors.New("sink: write before destination decision")
	}
}

func (s *Sniffing) open() error {
	f, err := os.Create(s.resolved)
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", s.resolved, err)
	}
	s.out = f
	s.log.Debug("writing to file", "path", s.resolved)
	return nil
}

// resolveCollision picks a free filename inside dir. Without overwrite it
// appends an incrementing numeric suffix before the extension until a free
// name is found; this always succeeds.
func resolveCollision(dir, name string, overwrite bool) string {
	target := filepath.Join(dir, name)
	if overwrite {
		return target
	}
	if _, err := os.Lstat(target); err != nil {
		return target
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Lstat(candidate); err != nil {
			return candidate
		}
	}
}
