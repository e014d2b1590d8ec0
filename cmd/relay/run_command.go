package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"clip_relay/internal/app"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run discovery, the webhook server and the pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(os.Stdout, cfg.LogLevel)

			lock := flock.New(cfg.LockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another relay is already running (lock %s)", cfg.LockFile)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release lock", "error", err)
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(runCtx, cfg, app.Options{}, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("starting clip relay",
				"channels", len(cfg.Channels),
				"workers", cfg.Pipeline.Workers,
				"listen_addr", cfg.Server.ListenAddr,
			)

			if err := a.Run(runCtx); err != nil && err != context.Canceled {
				return err
			}
			logger.Info("clip relay stopped")
			return nil
		},
	}
}
