package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/seoscope/crawler/internal/bootstrap"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/orchestrator"
)

const crawlPollInterval = 2 * time.Second

// crawlCommand runs a single audit end to end: it starts the service
// components, creates and starts a run for the given URL, waits for a
// terminal status, and prints a summary.
func crawlCommand() *cobra.Command {
	var (
		siteID    string
		projectID string
		approve   bool
	)

	cmd := &cobra.Command{
		Use:   "crawl <base-url>",
		Short: "Run a one-shot audit crawl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ctx, stop := signal.NotifyContext(runContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run := &domain.CrawlRun{
				SiteID:    siteID,
				ProjectID: projectID,
				BaseURL:   args[0],
			}
			if err = app.Runs.Create(ctx, run); err != nil {
				return fmt.Errorf("create run: %w", err)
			}

			go func() {
				if runErr := app.Run(ctx); runErr != nil {
					log.Error("crawler service failed", logger.Error(runErr))
				}
			}()

			if err = app.Orchestrator.Start(ctx, run.ID); err != nil {
				if errors.Is(err, orchestrator.ErrApprovalRequired) && approve {
					err = app.Orchestrator.Start(ctx, run.ID)
				}
				if err != nil {
					return fmt.Errorf("start run: %w", err)
				}
			}

			final, err := waitForRun(cmd, app, run.ID)
			if err != nil {
				return err
			}

			printRunSummary(final)
			if final.Status == domain.RunStatusFailed {
				return errors.New("crawl run failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&siteID, "site-id", "", "site the run belongs to")
	cmd.Flags().StringVar(&projectID, "project-id", "", "project the run belongs to")
	cmd.Flags().BoolVar(&approve, "approve", false,
		"crawl even when robots.txt cannot be verified")

	return cmd
}

// waitForRun polls until the run reaches a terminal status or the context
// is cancelled.
func waitForRun(cmd *cobra.Command, app *bootstrap.App, runID string) (*domain.CrawlRun, error) {
	ctx := runContext(cmd)
	ticker := time.NewTicker(crawlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort stop so the run does not linger half-crawled.
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = app.Orchestrator.Stop(stopCtx, runID)
			cancel()
			return nil, ctx.Err()
		case <-ticker.C:
			run, err := app.Runs.GetByID(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("poll run: %w", err)
			}
			if run.Status.IsTerminal() {
				return run, nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s crawled=%d/%d\n",
				run.Status, run.PagesCrawled, run.PagesTotal)
		}
	}
}

func printRunSummary(run *domain.CrawlRun) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Pages Crawled", "Pages Total", "Started", "Completed"})
	t.AppendRow(table.Row{
		run.ID,
		run.Status,
		run.PagesCrawled,
		run.PagesTotal,
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
	})
	t.Render()
}

func formatTime(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return ts.Format(time.RFC3339)
}
