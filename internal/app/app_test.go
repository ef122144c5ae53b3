package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/collapsinghierarchy/noisytransfercli/internal/handshake"
	"github.com/collapsinghierarchy/noisytransfercli/internal/progress"
)

func TestReportProgressLogsByteCounts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := progress.NewMeter()
	m.Start(200)
	m.Set(50)
	reportProgress(m, logger)

	out := buf.String()
	if !strings.Contains(out, "done=50") || !strings.Contains(out, "total=200") {
		t.Fatalf("progress log missing byte counts: %q", out)
	}
}

func TestReportProgressSilentWithoutTotal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reportProgress(progress.NewMeter(), logger)
	if buf.Len() != 0 {
		t.Fatalf("expected no log before Start, got %q", buf.String())
	}
}

func TestProfileFor(t *testing.T) {
	if got := profileFor(true); got != handshake.ProfilePQ {
		t.Fatalf("profileFor(true) = %v", got)
	}
	if got := profileFor(false); got != handshake.ProfileDirect {
		t.Fatalf("profileFor(false) = %v", got)
	}
}
