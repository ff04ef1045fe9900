package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/server"
)

// Set at build time with -ldflags "-X main.version=".
var version = "unknown"

func run(args []string) error {
	cfg, err := server.LoadConfig(args)
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	defer logger.Info("shutdown complete")
	logger.Sugar().Infof("version: %s, dir: %v, dbdir: %v, network: %v, validation window: %v",
		version, cfg.BaseDir, cfg.DbDir, cfg.Validation.Network, cfg.Validation.Window)

	stopProfiling := server.StartProfiling(logger, cfg)
	defer stopProfiling()

	ctx, stop := signal.NotifyContext(logging.NewContext(context.Background(), logger), os.Interrupt)
	defer stop()
	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		// go-flags already printed the help text.
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
