package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
)

// runsCommand inspects crawl runs directly against the database.
func runsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect crawl runs",
	}
	cmd.AddCommand(runsListCommand())
	return cmd
}

func runsListCommand() *cobra.Command {
	var (
		status string
		siteID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crawl runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() {
				_ = log.Sync()
			}()

			db, err := database.NewPostgresConnection(database.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				DBName:   cfg.Database.Name,
				SSLMode:  cfg.Database.SSLMode,
			})
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer func() {
				_ = db.Close()
			}()

			repo := database.NewRunRepository(db)
			runs, err := repo.List(runContext(cmd), database.RunListFilters{
				Status:    status,
				SiteID:    siteID,
				SortBy:    "created_at",
				SortOrder: "desc",
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			printRunsTable(runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&siteID, "site-id", "", "filter by site")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")

	return cmd
}

func printRunsTable(runs []*domain.CrawlRun) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Site", "Status", "Crawled", "Total", "Created"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.SiteID,
			colorStatus(run.Status),
			run.PagesCrawled,
			run.PagesTotal,
			run.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	t.Render()
}

func colorStatus(status domain.RunStatus) string {
	switch status {
	case domain.RunStatusCompleted:
		return text.FgGreen.Sprint(status)
	case domain.RunStatusFailed, domain.RunStatusStopped:
		return text.FgRed.Sprint(status)
	case domain.RunStatusInProgress:
		return text.FgCyan.Sprint(status)
	default:
		return status.String()
	}
}
