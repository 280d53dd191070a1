package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/mcp"
)

var mcpLookupTimeout = lookup.DefaultTimeout

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the search index as MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout exposing search_messages and
get_message_body, for use by AI assistants. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireArchive(); err != nil {
			return err
		}
		return runMCP(cmd.Context(), cfg)
	},
}

func init() {
	config.RegisterArchiveFlags(mcpCmd)
	mcpCmd.Flags().DurationVar(&mcpLookupTimeout, "lookup-timeout", lookup.DefaultTimeout, "Maximum wait for one message body")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(ctx context.Context, c config.Config) error {
	backend, err := newSearchBackend(ctx, c)
	if err != nil {
		return fmt.Errorf("open search backend: %w", err)
	}
	defer backend.Close()

	bodies, err := lookup.New(archiveOpener(c.Archive), lookup.Options{}, logger.With("component", "lookup"))
	if err != nil {
		return err
	}
	s := mcp.NewServer(mcp.Options{
		Version:       Version,
		Index:         c.Search.Index,
		LookupTimeout: mcpLookupTimeout,
	}, backend, bodies)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bodies.Run(gctx)
	})
	g.Go(func() error {
		// Stdin closing ends the session and stops the lookup worker.
		defer cancel()
		return mcp.Serve(gctx, s, os.Stdin, os.Stdout)
	})
	logger.Info("mcp server ready", "archive", c.Archive, "index", c.Search.Index)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
