package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Outcome is the recorded result of processing one document.
type Outcome string

const (
	Indexed Outcome = "Indexed"
	Failed  Outcome = "Failed"
)

// ParseOutcome accepts exactly the two persisted literals.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case Indexed, Failed:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

var (
	// ErrCorruptProgressFile is returned when persisted progress cannot be parsed.
	ErrCorruptProgressFile = errors.New("corrupt progress file")
)

// IOError wraps a failure to read or write persisted progress.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("progress %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Backend persists the id to outcome mapping.
type Backend interface {
	Load(ctx context.Context) (map[string]Outcome, error)
	Save(ctx context.Context, entries map[string]Outcome) error
	String() string
}

// Snapshot counts the recorded outcomes.
type Snapshot struct {
	Indexed int
	Failed  int
}

// Tracker is the in-memory progress store shared by the walker, which reads
// it, and the coordinator, which records outcomes.
type Tracker struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
}

func NewTracker() *Tracker {
	return &Tracker{outcomes: make(map[string]Outcome)}
}

// Load builds a tracker from the backend. Missing progress yields an empty tracker.
func Load(ctx context.Context, backend Backend) (*Tracker, error) {
	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = make(map[string]Outcome)
	}
	return &Tracker{outcomes: entries}, nil
}

// Save persists every entry, overwriting previously saved progress.
func (t *Tracker) Save(ctx context.Context, backend Backend) error {
	return backend.Save(ctx, t.Entries())
}

// Contains reports whether id has any recorded outcome.
func (t *Tracker) Contains(id string) bool {
	t.mu.RLock()
	_, ok := t.outcomes[id]
	t.mu.RUnlock()
	return ok
}

// Outcome returns the recorded outcome of id.
func (t *Tracker) Outcome(id string) (Outcome, bool) {
	t.mu.RLock()
	o, ok := t.outcomes[id]
	t.mu.RUnlock()
	return o, ok
}

// Record stores the outcome of id. The last write wins.
func (t *Tracker) Record(id string, outcome Outcome) {
	t.mu.Lock()
	t.outcomes[id] = outcome
	t.mu.Unlock()
}

// RecordAll stores the same outcome for every id under one lock.
func (t *Tracker) RecordAll(ids []string, outcome Outcome) {
	t.mu.Lock()
	for _, id := range ids {
		t.outcomes[id] = outcome
	}
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Snapshot {
	var s Snapshot
	t.mu.RLock()
	for _, o := range t.outcomes {
		switch o {
		case Indexed:
			s.Indexed++
		case Failed:
			s.Failed++
		}
	}
	t.mu.RUnlock()
	return s
}

// Entries returns a copy of the mapping.
func (t *Tracker) Entries() map[string]Outcome {
	t.mu.RLock()
	out := make(map[string]Outcome, len(t.outcomes))
	for id, o := range t.outcomes {
		out[id] = o
	}
	t.mu.RUnlock()
	return out
}

func sortedIDs(entries map[string]Outcome) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
