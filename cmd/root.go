// Package cmd implements the crawler's command-line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seoscope/crawler/internal/config"
	"github.com/seoscope/crawler/internal/logger"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "crawler",
		Short: "SEO audit crawl engine",
		Long: `The seoscope crawler runs SEO audits: it crawls registered sites under
robots.txt governance, records page data and link graphs, and derives
backlinks. Runs are controlled through the HTTP API or the CLI.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(crawlCommand())
	rootCmd.AddCommand(runsCommand())
}

// loadConfig reads configuration and builds the process logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.App.Debug,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	return cfg, log, nil
}
