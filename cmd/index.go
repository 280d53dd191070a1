package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/indexer"
	"github.com/dhcgn/pst-index/progress"
	"github.com/dhcgn/pst-index/runner"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/stats"
	"github.com/dhcgn/pst-index/walker"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Walk an archive and submit every message to the search index",
	Long: `Walk the archive depth first and upsert every message into the search index
in batches. Progress is recorded per message id, so an interrupted run resumes
where it stopped; messages that failed extraction are skipped on resume unless
--retry-failed is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireArchive(); err != nil {
			return err
		}
		return runIndex(cmd.Context(), cfg)
	},
}

func init() {
	config.RegisterArchiveFlags(indexCmd)
	config.RegisterIndexFlags(indexCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndex(ctx context.Context, c config.Config) error {
	started := time.Now()

	pb, closeProgress, err := progressBackend(c)
	if err != nil {
		return err
	}
	defer func() { _ = closeProgress() }()

	tracker, err := state.Load(ctx, pb)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	snap := tracker.Snapshot()
	logger.Info("starting index run", "archive", c.Archive, "index", c.Search.Index, "backend", c.Search.Backend,
		"progress", pb.String(), "alreadyIndexed", snap.Indexed, "alreadyFailed", snap.Failed, "retryFailed", c.Progress.RetryFailed)

	folders, err := newFolderFilter(c)
	if err != nil {
		return err
	}

	store, err := openArchive(c.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	backend, err := newSearchBackend(ctx, c)
	if err != nil {
		return fmt.Errorf("open search backend: %w", err)
	}
	defer backend.Close()

	r, err := runner.New(ctx, runner.Options{ChannelSize: runner.DefaultChannelSize}, tracker, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	spinner := progress.New(c.LogLevel == "info")
	spinner.Attach(r)

	walker.NewProducer(store, walker.Options{
		IncludeBody: !c.Progress.NoBody,
		RetryFailed: c.Progress.RetryFailed,
		Filter:      folders,
	}, r)
	indexer.NewCoordinator(r, indexer.BatchSubmitter{Backend: backend, Index: c.Search.Index},
		indexer.Options{BatchSize: c.Progress.BatchSize}, logger)

	spinner.Start()
	runErr := r.Start()
	spinner.Stop(runErr)

	// Confirmed batches are saved even when the run failed or was interrupted.
	saveErr := tracker.Save(context.WithoutCancel(ctx), pb)
	if saveErr != nil {
		logger.Error("saving progress failed", "progress", pb.String(), "err", saveErr)
	} else {
		snap = tracker.Snapshot()
		logger.Info("progress saved", "progress", pb.String(), "indexed", snap.Indexed, "failed", snap.Failed)
	}

	if c.LogLevel == "info" {
		progress.PrintSummary(reporter.Summary(), time.Since(started))
	}

	var subErr *indexer.SubmissionError
	if errors.As(runErr, &subErr) {
		logger.Error("batch submission failed", "size", subErr.Size, "firstID", subErr.FirstID, "err", subErr.Err)
	}
	return errors.Join(runErr, saveErr)
}
