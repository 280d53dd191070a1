// Package cmd holds the pst-index command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-index/config"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg        config.Config
	logger     *slog.Logger
	logCleanup = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "pst-index",
	Short: "Index PST and mbox archives into a full-text search engine",
	Long: `pst-index walks an Outlook PST/OST file or an mbox archive, indexes every
message into Meilisearch or a local SQLite index, and serves search results
and message bodies over HTTP or MCP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}
		logger, logCleanup, err = config.SetupLogger(cfg, logOutput(cmd))
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		slog.SetDefault(logger)
		if cfg.File != "" {
			logger.Debug("config file applied", "path", cfg.File)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logCleanup()
	},
}

// logOutput keeps stdout free for commands that speak a protocol on it.
func logOutput(cmd *cobra.Command) io.Writer {
	if cmd.Name() == "mcp" {
		return os.Stderr
	}
	return os.Stdout
}

func init() {
	config.RegisterFlags(rootCmd)
	rootCmd.Version = Version
}

// Execute runs the root command with a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command; cancelling ctx stops long running
// commands gracefully.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
