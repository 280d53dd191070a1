// Package indexer batches walked documents and submits them to the search
// index, recording the outcome of every message in the Progress Store.
package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/runner"
	"github.com/dhcgn/pst-index/search"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/stats"
)

// DefaultBatchSize is the number of documents per submission.
const DefaultBatchSize = 100

// SubmissionError reports a batch the index did not accept. It ends the run.
type SubmissionError struct {
	Size    int
	FirstID string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit batch of %d documents starting at %s: %v", e.Size, e.FirstID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submitter sends one batch to the index.
type Submitter interface {
	Submit(ctx context.Context, docs []model.Document) error
}

// BatchSubmitter upserts each batch into Index with a single backend call.
type BatchSubmitter struct {
	Backend search.Backend
	Index   string
}

func (s BatchSubmitter) Submit(ctx context.Context, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.Backend.Upsert(ctx, s.Index, docs); err != nil {
		return &SubmissionError{Size: len(docs), FirstID: docs[0].ID, Err: err}
	}
	return nil
}

type Options struct {
	BatchSize int
	// Events receives index statistics. Nil discards them.
	Events func(stats.Event)
}

// Coordinator drains envelopes into batches. Submission is synchronous, so
// no more envelopes are read while a batch is in flight.
type Coordinator struct {
	submitter Submitter
	tracker   *state.Tracker
	opts      Options
	logger    *slog.Logger

	batch   []model.Document
	indexed int
}

func New(submitter Submitter, tracker *state.Tracker, opts Options, logger *slog.Logger) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = state.NewTracker()
	}
	return &Coordinator{
		submitter: submitter,
		tracker:   tracker,
		opts:      opts,
		logger:    logger,
		batch:     make([]model.Document, 0, opts.BatchSize),
	}
}

// NewCoordinator registers a Coordinator as the "index" stage of r, reading
// the runner's entries channel.
func NewCoordinator(r *runner.Runner, submitter Submitter, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Events == nil {
		opts.Events = r.EmitEvent
	}
	if logger == nil {
		logger = r.Logger()
	}
	c := New(submitter, r.Tracker(), opts, logger)
	r.AddStage("index", func(ctx context.Context) error {
		return c.Consume(ctx, r.Entries())
	})
	return c
}

// Indexed returns the number of documents confirmed by the index so far.
func (c *Coordinator) Indexed() int {
	return c.indexed
}

// Consume reads in until it is closed, flushing full batches as they fill
// and the partial remainder at the end.
func (c *Coordinator) Consume(ctx context.Context, in <-chan model.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return c.flush(ctx)
			}
			if err := c.handle(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, env model.Envelope) error {
	if env.Document == nil {
		key := env.ID.String()
		c.tracker.Record(key, state.Failed)
		c.logger.Debug("message recorded as failed", "id", key, "err", env.Err)
		return nil
	}
	c.batch = append(c.batch, *env.Document)
	if len(c.batch) >= c.opts.BatchSize {
		return c.flush(ctx)
	}
	return nil
}

func (c *Coordinator) flush(ctx context.Context) error {
	if len(c.batch) == 0 {
		return nil
	}
	size := len(c.batch)
	if err := c.submitter.Submit(ctx, c.batch); err != nil {
		c.emit(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeError, Count: size, Err: err})
		return err
	}

	ids := make([]string, size)
	for i, doc := range c.batch {
		ids[i] = doc.ID
	}
	c.tracker.RecordAll(ids, state.Indexed)
	c.indexed += size
	c.batch = c.batch[:0]

	c.logger.Debug("batch indexed", "size", size, "total", c.indexed)
	c.emit(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeIndexed, Count: size})
	c.emit(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeBatch, Count: c.indexed})
	return nil
}

func (c *Coordinator) emit(evt stats.Event) {
	if c.opts.Events != nil {
		c.opts.Events(evt)
	}
}
