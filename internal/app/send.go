package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/collapsinghierarchy/noisytransfercli/internal/archive"
	"github.com/collapsinghierarchy/noisytransfercli/internal/config"
	"github.com/collapsinghierarchy/noisytransfercli/internal/handshake"
	"github.com/collapsinghierarchy/noisytransfercli/internal/progress"
	"github.com/collapsinghierarchy/noisytransfercli/internal/transfer"
)

// closeWait gives the counterpart a moment to drain the final frames before
// the peer connection is torn down.
const closeWait = 500 * time.Millisecond

// source describes what the sender is about to put on the wire.
type source struct {
	reader   io.Reader
	closer   io.Closer
	total    int64
	filename string // empty for archives and stdin
}

// RunSend executes the full sender pipeline: resolve the payload, connect,
// authenticate, stream, tear down.
func RunSend(ctx context.Context, cfg config.SendConfig, logger *slog.Logger) error {
	if cfg.Stdin() && !cfg.Yes {
		return &config.InvalidInputError{Reason: "--yes is required when sending from stdin (stdin carries the payload, not answers)"}
	}

	src, err := resolveSource(cfg, logger)
	if err != nil {
		return err
	}
	if src.closer != nil {
		defer src.closer.Close()
	}

	ch, sessionID, err := ConnectSender(ctx, PeerConfig{ServerURL: cfg.ServerURL, Logger: logger}, func(code string) {
		fmt.Fprintf(os.Stderr, "Share this code with the receiver:\n\n    %s\n\nWaiting for them to join...\n", code)
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	hs, err := handshake.RunSender(ctx, ch, sessionID, confirmSAS(cfg.Yes, logger), handshake.Config{
		Profile: profileFor(cfg.PQ),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info("handshake complete", "profile", hs.Profile, "sas", hs.SAS)

	meter := progress.NewMeter()
	meter.Start(src.total)
	onProgress := func(done, total int64) { meter.Set(done) }
	defer reportProgress(meter, logger)

	switch hs.Profile {
	case handshake.ProfilePQ:
		bulk := transfer.NewSealedBulk(hs)
		bulk.Logger = logger
		bulk.ChunkSize = cfg.ChunkSize
		err = transfer.SendPQ(ctx, ch, sessionID, src.reader, src.total, src.filename, bulk, onProgress)
	default:
		err = transfer.Send(ctx, ch, sessionID, src.reader, src.total, transfer.SendOptions{
			Filename:   src.filename,
			ChunkSize:  cfg.ChunkSize,
			OnProgress: onProgress,
			Logger:     logger,
		})
	}
	if err != nil {
		return err
	}

	// Final frames may still sit in SCTP buffers after the ack; linger
	// briefly so the close does not race them.
	waitOrDone(ctx, closeWait)
	logger.Info("transfer complete", "bytes", src.total)
	return nil
}

// resolveSource decides between stdin, a single file, and an archive of
// everything else.
func resolveSource(cfg config.SendConfig, logger *slog.Logger) (*source, error) {
	if cfg.Stdin() {
		return &source{reader: os.Stdin, total: cfg.StdinSize}, nil
	}

	if len(cfg.Paths) == 1 {
		info, err := os.Stat(cfg.Paths[0])
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", cfg.Paths[0], err)
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(cfg.Paths[0])
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", cfg.Paths[0], err)
			}
			return &source{
				reader:   f,
				closer:   f,
				total:    info.Size(),
				filename: filepath.Base(cfg.Paths[0]),
			}, nil
		}
	}

	packer, err := archive.NewPacker(cfg.Paths, cfg.Exclude)
	if err != nil {
		return nil, err
	}
	logger.Info("packing archive", "entries", len(packer.Entries()), "bytes", packer.Size())
	pr, pw := io.Pipe()
	go func() {
		_, err := packer.WriteTo(pw)
		pw.CloseWithError(err)
	}()
	return &source{reader: pr, closer: pr, total: packer.Size()}, nil
}

// confirmSAS builds the handshake confirmation callback. With --yes the code
// is printed and accepted; otherwise the user compares codes and answers.
func confirmSAS(auto bool, logger *slog.Logger) handshake.ConfirmFunc {
	return func(sas string) bool {
		fmt.Fprintf(os.Stderr, "\nVerification code: %s\n", sas)
		if auto {
			fmt.Fprintln(os.Stderr, "Auto-accepting (--yes).")
			return true
		}
		fmt.Fprint(os.Stderr, "Does the code match the other side? [y/N] ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			logger.Warn("could not read confirmation", "err", err)
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func profileFor(pq bool) handshake.Profile {
	if pq {
		return handshake.ProfilePQ
	}
	return handshake.ProfileDirect
}

func reportProgress(meter *progress.Meter, logger *slog.Logger) {
	s := meter.Snapshot()
	if s.Total > 0 {
		logger.Debug("progress", "done", s.BytesDone, "total", s.Total, "percent", fmt.Sprintf("%.1f", s.Percent))
	}
}

func waitOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
