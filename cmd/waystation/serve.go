package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvcrn/waystation-auth/internal/app"
	"github.com/dvcrn/waystation-auth/internal/logger"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [url...]",
		Short: "Run the session daemon",
		Long: `Run the session daemon in the foreground.

URLs given on the command line are handled as a deep link delivery once the
daemon is up, the same way 'waystation open' forwards them to a running one.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.NewWithOptions(logger.Options{
		Env:   cfg.Env,
		Level: cfg.LogLevel,
		Out:   os.Stderr,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to start")
		return err
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("backend", cfg.CredentialBackend).
		Bool("control_token", cfg.ControlToken != "").
		Msg("🔑 Session daemon starting")

	if err := a.Run(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server failed")
		return err
	}
	return nil
}
