package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seoscope/crawler/internal/bootstrap"
	"github.com/seoscope/crawler/internal/logger"
)

// serveCommand runs the full crawler service: workers, orchestrator,
// scheduler, and the HTTP API, until SIGINT or SIGTERM.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler service",
		Long: `Starts the worker pool, the run orchestrator, the audit scheduler, and
the operator HTTP API, and serves until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() {
				_ = log.Sync()
			}()

			app, err := bootstrap.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("crawler starting",
				logger.String("environment", cfg.App.Environment),
				logger.Int("workers", cfg.Crawl.Workers),
				logger.Int("port", cfg.Server.Port))

			return app.Run(ctx)
		},
	}
}

// runContext returns cmd.Context() or a background context.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
