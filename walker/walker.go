// Package walker traverses an archive depth first and feeds one envelope per
// message to the indexing stage.
//
// A Walker owns its Store handle for the duration of Walk; no other goroutine
// may use the handle meanwhile.
package walker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/filter"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/runner"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/stats"
)

type Options struct {
	// IncludeBody extracts message bodies into the documents.
	IncludeBody bool
	// RetryFailed re-emits ids whose recorded outcome is Failed.
	RetryFailed bool
	// Filter selects folders by name path. Nil walks everything.
	Filter *filter.Filter
	// Events receives walk statistics. Nil discards them.
	Events func(stats.Event)
	// OnFolder is told the folder id path and name path of every folder
	// whose messages are about to be walked.
	OnFolder func(folders []uint32, path string)
}

type Walker struct {
	store   archive.Store
	tracker *state.Tracker
	opts    Options
	logger  *slog.Logger
}

// New returns a walker over store. A nil tracker skips nothing.
func New(store archive.Store, tracker *state.Tracker, opts Options, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{store: store, tracker: tracker, opts: opts, logger: logger}
}

// pending is a folder waiting on the explicit traversal stack.
type pending struct {
	folder archive.Folder
	ids    []uint32
	names  []string
}

// Walk visits every folder in pre-order: a folder's direct messages are sent
// before its sub folders are visited, both in store order. A message that
// cannot be extracted is sent with a nil Document; folder listing errors end
// the walk. Sends block while out is full.
func (w *Walker) Walk(ctx context.Context, out chan<- model.Envelope) error {
	root, err := w.store.Root()
	if err != nil {
		return fmt.Errorf("open root folder: %w", err)
	}

	stack := []pending{{folder: root}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		path := filter.JoinPath(cur.names...)
		if w.opts.Filter.Allows(path) {
			if w.opts.OnFolder != nil {
				w.opts.OnFolder(cur.ids, path)
			}
			if err := w.emitMessages(ctx, cur, out); err != nil {
				return err
			}
		} else {
			w.logger.Debug("folder messages filtered", "folder", path)
		}

		subs, err := cur.folder.SubFolders()
		if err != nil {
			return fmt.Errorf("list sub folders of %q: %w", path, err)
		}
		for i := len(subs) - 1; i >= 0; i-- {
			sub := subs[i]
			names := append(cur.names[:len(cur.names):len(cur.names)], sub.Name())
			if !w.opts.Filter.Descend(filter.JoinPath(names...)) {
				w.logger.Debug("folder excluded", "folder", filter.JoinPath(names...))
				continue
			}
			stack = append(stack, pending{
				folder: sub,
				ids:    append(cur.ids[:len(cur.ids):len(cur.ids)], sub.ID()),
				names:  names,
			})
		}
	}
	return nil
}

func (w *Walker) emitMessages(ctx context.Context, cur pending, out chan<- model.Envelope) error {
	err := cur.folder.Messages(func(msg archive.Message) error {
		id := model.NewID(cur.ids, msg.ID())
		key := id.String()
		if w.skip(key) {
			w.emit(stats.Event{Stage: stats.StageWalk, Type: stats.EventTypeSkipped, ID: key})
			return nil
		}
		w.emit(stats.Event{Stage: stats.StageWalk, Type: stats.EventTypeScanned, ID: key})

		env := model.Envelope{ID: id}
		doc, err := archive.Extract(id, msg, w.opts.IncludeBody)
		if err != nil {
			w.logger.Warn("message extraction failed", "id", key, "err", err)
			w.emit(stats.Event{Stage: stats.StageWalk, Type: stats.EventTypeFailed, ID: key, Err: err})
			env.Err = err
		} else {
			env.Document = doc
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
			return nil
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("list messages of %q: %w", cur.folder.Name(), err)
	}
	return nil
}

func (w *Walker) skip(id string) bool {
	if w.tracker == nil {
		return false
	}
	outcome, ok := w.tracker.Outcome(id)
	if !ok {
		return false
	}
	return outcome == state.Indexed || !w.opts.RetryFailed
}

func (w *Walker) emit(evt stats.Event) {
	if w.opts.Events != nil {
		w.opts.Events(evt)
	}
}

// Producer runs a Walker as the "walk" stage of a runner and closes the
// runner's entries channel when the walk ends.
type Producer struct {
	walker *Walker
	runner *runner.Runner
}

func NewProducer(store archive.Store, opts Options, r *runner.Runner) *Producer {
	if opts.Events == nil {
		opts.Events = r.EmitEvent
	}
	p := &Producer{
		walker: New(store, r.Tracker(), opts, r.Logger()),
		runner: r,
	}
	r.AddStage("walk", p.run)
	return p
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEntries()
	return p.walker.Walk(ctx, p.runner.EntriesWriter())
}
