package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/stats"
)

// DefaultChannelSize bounds the walker to coordinator channel.
const DefaultChannelSize = 1024

const eventBuffer = 128

var ErrAlreadyStarted = errors.New("runner already started")

type StageFunc func(context.Context) error

type Options struct {
	ChannelSize int
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner joins the stages of one ingestion run. The first stage to fail
// cancels the shared context so every other stage stops too.
type Runner struct {
	logger *slog.Logger
	runID  string

	ctx    context.Context
	cancel context.CancelFunc

	entries chan model.Envelope
	tracker *state.Tracker

	stages      []stage
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	startMu sync.Mutex
	started bool

	closeEntriesOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(ctx context.Context, opts Options, tracker *state.Tracker, logger *slog.Logger) (*Runner, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = DefaultChannelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	return &Runner{
		logger:  logger.With("run", runID),
		runID:   runID,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(chan model.Envelope, opts.ChannelSize),
		tracker: tracker,
	}, nil
}

func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() *state.Tracker {
	return r.tracker
}

func (r *Runner) Entries() <-chan model.Envelope {
	return r.entries
}

func (r *Runner) EntriesWriter() chan<- model.Envelope {
	return r.entries
}

func (r *Runner) CloseEntries() {
	r.closeEntriesOnce.Do(func() {
		close(r.entries)
	})
}

// EmitEvent hands evt to every subscriber. Without subscribers it does nothing.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. Call it before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, eventBuffer),
	})
}

// AddStage registers a stage. Stages are launched together by Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start launches every subscriber and stage, waits for them and returns the
// first error.
func (r *Runner) Start() error {
	r.startMu.Lock()
	if r.started {
		r.startMu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.startMu.Unlock()

	r.since = time.Now()
	r.logger.Debug("pipeline starting", "stages", len(r.stages), "subscribers", len(r.subscribers))

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := r.protect(func() error { return sub.fn(r.ctx, sub.events) }); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := r.protect(func() error { return st.fn(r.ctx) }); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	err := r.Err()
	if err == nil && r.ctx.Err() != nil {
		err = fmt.Errorf("pipeline interrupted: %w", context.Cause(r.ctx))
	}
	r.cancel()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// Err returns the first recorded failure.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
