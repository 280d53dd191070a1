package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search results and message bodies over HTTP",
	Long: `Serve the search index and the archive's message bodies over HTTP:
/search, /locate-message, /show, /reload-notify and the /reload websocket.
Bodies are read from the archive by a single background worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireArchive(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	config.RegisterArchiveFlags(serveCmd)
	config.RegisterWebFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, c config.Config) error {
	backend, err := newSearchBackend(ctx, c)
	if err != nil {
		return fmt.Errorf("open search backend: %w", err)
	}
	defer backend.Close()

	bodies, err := lookup.New(archiveOpener(c.Archive), lookup.Options{}, logger.With("component", "lookup"))
	if err != nil {
		return err
	}

	srv := web.NewServer(web.Options{
		Addr:          c.Web.Addr,
		Index:         c.Search.Index,
		LookupTimeout: c.Web.LookupTimeout,
		StaticDir:     c.Web.StaticDir,
		RateLimit:     c.Web.RateLimit,
		RateBurst:     c.Web.RateBurst,
	}, backend, bodies, logger.With("component", "web"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bodies.Run(gctx)
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("serving archive", "archive", c.Archive, "index", c.Search.Index, "addr", c.Web.Addr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
