package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/collapsinghierarchy/noisytransfercli/internal/app"
	"github.com/collapsinghierarchy/noisytransfercli/internal/archive"
	"github.com/collapsinghierarchy/noisytransfercli/internal/config"
	"github.com/collapsinghierarchy/noisytransfercli/internal/handshake"
	"github.com/collapsinghierarchy/noisytransfercli/internal/logging"
	"github.com/collapsinghierarchy/noisytransfercli/internal/sink"
	"github.com/collapsinghierarchy/noisytransfercli/internal/transfer"
)

const version = "v0.1.0"

// Exit codes. Scripts key off these, so keep them stable.
const (
	exitOK        = 0
	exitUsage     = 2
	exitIO        = 3
	exitNetwork   = 4
	exitAuth      = 5
	exitTransfer  = 6
	exitCancelled = 130
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(exitUsage)
	}
	if hasVersionFlag(args) {
		fmt.Println("noisytransfer " + version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "send":
		err = runSend(ctx, args[1:])
	case "recv":
		err = runRecv(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(exitUsage)
	}
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(exitCode(err))
}

func runSend(ctx context.Context, args []string) error {
	cfg, err := config.ParseSend(args)
	if err != nil {
		return err
	}
	logger := logging.New("noisytransfer", cfg.LogLevel)
	return app.RunSend(ctx, cfg, logger)
}

func runRecv(ctx context.Context, args []string) error {
	cfg, err := config.ParseRecv(args)
	if err != nil {
		return err
	}
	logger := logging.New("noisytransfer", cfg.LogLevel)
	return app.RunRecv(ctx, cfg, logger)
}

// exitCode maps error categories onto the process exit code, checking the
// most specific classes first.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitCancelled

	case isUsageError(err):
		return exitUsage

	case isAuthError(err):
		return exitAuth

	case isNetworkError(err):
		return exitNetwork

	case isTransferError(err):
		return exitTransfer

	case isIOError(err):
		return exitIO
	}
	return exitTransfer
}

func isUsageError(err error) bool {
	var invalid *config.InvalidInputError
	return errors.As(err, &invalid) || errors.Is(err, flag.ErrHelp)
}

func isAuthError(err error) bool {
	return errors.Is(err, handshake.ErrRejected) ||
		errors.Is(err, handshake.ErrPeerRejected) ||
		errors.Is(err, handshake.ErrFingerprintMismatch) ||
		errors.Is(err, handshake.ErrTimeout) ||
		errors.Is(err, handshake.ErrClosed)
}

func isNetworkError(err error) bool {
	var sig *app.SignalingError
	return errors.As(err, &sig)
}

func isTransferError(err error) bool {
	var (
		sizeMismatch  *transfer.SizeMismatchError
		senderFailure *transfer.SenderFailureError
		closedEarly   *transfer.ConnClosedEarlyError
		badSeq        *transfer.SequenceError
	)
	return errors.As(err, &sizeMismatch) ||
		errors.As(err, &senderFailure) ||
		errors.As(err, &closedEarly) ||
		errors.As(err, &badSeq) ||
		errors.Is(err, transfer.ErrTimeout) ||
		errors.Is(err, transfer.ErrDataBeforeInit) ||
		errors.Is(err, transfer.ErrInvalidTotal)
}

func isIOError(err error) bool {
	var (
		exists  *archive.FileExistsError
		pathErr *fs.PathError
	)
	return errors.As(err, &exists) ||
		errors.As(err, &pathErr) ||
		errors.Is(err, sink.ErrArchiveToStdout) ||
		errors.Is(err, archive.ErrNoEntries) ||
		errors.Is(err, archive.ErrNameTooLong)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: noisytransfer <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  send    offer files to a peer")
	fmt.Fprintln(os.Stderr, "  recv    redeem a code and receive")
	fmt.Fprintln(os.Stderr, "examples:")
	fmt.Fprintln(os.Stderr, "  noisytransfer send ./report.pdf")
	fmt.Fprintln(os.Stderr, "  noisytransfer send --pq ./photos/")
	fmt.Fprintln(os.Stderr, "  tar czf - ./dir | noisytransfer send --size $BYTES -")
	fmt.Fprintln(os.Stderr, "  noisytransfer recv <join-code> --out ./downloads")
	fmt.Fprintln(os.Stderr, "run 'noisytransfer send --help' or 'noisytransfer recv --help' for flags")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
