package app

import (
	"context"
	"log/slog"

	"github.com/collapsinghierarchy/noisytransfercli/internal/config"
	"github.com/collapsinghierarchy/noisytransfercli/internal/handshake"
	"github.com/collapsinghierarchy/noisytransfercli/internal/sink"
	"github.com/collapsinghierarchy/noisytransfercli/internal/transfer"
)

// RunRecv executes the receiver pipeline: redeem the join code,
// authenticate, stream into the sniffing sink, tear down.
func RunRecv(ctx context.Context, cfg config.RecvConfig, logger *slog.Logger) error {
	ch, sessionID, err := ConnectReceiver(ctx, PeerConfig{ServerURL: cfg.ServerURL, Logger: logger}, cfg.Code)
	if err != nil {
		return err
	}
	defer ch.Close()

	hs, err := handshake.RunReceiver(ctx, ch, sessionID, confirmSAS(cfg.Yes, logger), handshake.Config{
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("handshake complete", "profile", hs.Profile, "sas", hs.SAS)

	out := sink.New(sink.Config{
		Dest:      cfg.Out,
		ToStdout:  cfg.Stdout(),
		Overwrite: cfg.Overwrite,
		Logger:    logger,
	})

	switch hs.Profile {
	case handshake.ProfilePQ:
		bulk := transfer.NewSealedBulk(hs)
		bulk.Logger = logger
		err = transfer.RecvPQ(ctx, ch, sessionID, out, bulk, nil)
	default:
		err = transfer.Recv(ctx, ch, sessionID, out, transfer.RecvOptions{Logger: logger})
	}
	if err != nil {
		// The sink may hold a partially written file; Abort leaves it in
		// place for inspection but never creates one nothing arrived for.
		out.Abort()
		return err
	}

	waitOrDone(ctx, closeWait)
	if p, ok := out.Path(); ok {
		logger.Info("transfer complete", "path", p)
	} else {
		logger.Info("transfer complete")
	}
	return nil
}
