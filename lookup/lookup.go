// Package lookup resolves message bodies by id for interactive callers.
//
// A Manager serialises every archive access onto one worker goroutine with its
// own Store handle. Callers queue an id and wait a bounded time for the result
// to show up in a shared cache; a result that arrives after its caller gave up
// stays cached and serves the next request for the same id.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/model"
)

const (
	DefaultCacheSize = 4096
	DefaultBacklog   = 1024
	DefaultTimeout   = time.Second
)

var (
	// ErrParse is returned for ids that are not underscore separated numbers.
	ErrParse = model.ErrParse
	// ErrNotFound is returned when the folder, the message or a renderable
	// body does not exist.
	ErrNotFound = errors.New("message body not found")
	// ErrTimeout is returned when no result arrived in time. The lookup itself
	// keeps running.
	ErrTimeout = errors.New("timed out waiting for message body")
	// ErrChannelClosed is returned once the worker has stopped.
	ErrChannelClosed = errors.New("lookup worker stopped")
)

// StoreError is an archive failure other than a missing message.
type StoreError struct {
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("read message %s: %v", e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

type Options struct {
	CacheSize int
	// Backlog bounds the queue of ids waiting for the worker.
	Backlog int
}

type result struct {
	body model.Body
	err  error
}

type Manager struct {
	open   func() (archive.Store, error)
	logger *slog.Logger

	commands chan string
	done     chan struct{}
	runOnce  sync.Once

	mu      sync.Mutex
	cache   *lru.Cache[string, result]
	notify  chan struct{}
	waiters map[string]int
	// pending holds ids queued for the worker and not yet resolved.
	pending map[string]bool
}

// New returns a Manager that opens its Store with open once Run starts.
func New(open func() (archive.Store, error), opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, result](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create body cache: %w", err)
	}
	return &Manager{
		open:     open,
		logger:   logger,
		commands: make(chan string, opts.Backlog),
		done:     make(chan struct{}),
		cache:    cache,
		notify:   make(chan struct{}),
		waiters:  make(map[string]int),
		pending:  make(map[string]bool),
	}, nil
}

// Run is the worker loop. It returns when ctx is done or the Store cannot be
// opened; afterwards every GetBody fails with ErrChannelClosed.
func (m *Manager) Run(ctx context.Context) error {
	err := errors.New("lookup worker already started")
	m.runOnce.Do(func() { err = m.run(ctx) })
	return err
}

func (m *Manager) run(ctx context.Context) error {
	defer close(m.done)

	store, err := m.open()
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			m.logger.Warn("closing archive failed", "err", err)
		}
	}()
	m.logger.Debug("lookup worker started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("lookup worker stopped")
			return nil
		case key := <-m.commands:
			m.mu.Lock()
			_, cached := m.cache.Peek(key)
			m.mu.Unlock()
			var res result
			if !cached {
				res = m.resolve(store, key)
			}
			m.mu.Lock()
			if !cached {
				m.cache.Add(key, res)
			}
			delete(m.pending, key)
			m.broadcastLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Manager) resolve(store archive.Store, key string) result {
	id, err := model.ParseID(key)
	if err != nil {
		return result{err: err}
	}
	msg, err := archive.Locate(store, id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return result{err: ErrNotFound}
		}
		return result{err: &StoreError{ID: key, Err: err}}
	}
	typ, text, err := msg.Body()
	if err != nil {
		if errors.Is(err, archive.ErrNoBody) {
			return result{err: ErrNotFound}
		}
		return result{err: &StoreError{ID: key, Err: err}}
	}
	return result{body: model.Body{Type: typ, Value: text}}
}

// broadcastLocked wakes every waiter by closing the current notification
// channel. m.mu must be held.
func (m *Manager) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// GetBody queues id for the worker and waits up to timeout for its body.
func (m *Manager) GetBody(ctx context.Context, id string, timeout time.Duration) (model.Body, error) {
	parsed, err := model.ParseID(id)
	if err != nil {
		return model.Body{}, err
	}
	key := parsed.String()

	select {
	case <-m.done:
		return model.Body{}, ErrChannelClosed
	default:
	}

	// A request for an id that is already queued rides on that command and
	// waits for its broadcast.
	m.mu.Lock()
	notify := m.notify
	m.waiters[key]++
	enqueue := !m.pending[key]
	m.pending[key] = true
	m.mu.Unlock()
	consumed := false
	defer func() {
		if !consumed {
			m.release(key)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if enqueue {
		var err error
		select {
		case m.commands <- key:
		case <-m.done:
			err = ErrChannelClosed
		case <-timer.C:
			err = ErrTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			m.mu.Lock()
			delete(m.pending, key)
			m.mu.Unlock()
			return model.Body{}, err
		}
	}

	for {
		select {
		case <-notify:
			res, ok, next := m.take(key)
			if ok {
				consumed = true
				return res.body, res.err
			}
			notify = next
		case <-m.done:
			if res, ok, _ := m.take(key); ok {
				consumed = true
				return res.body, res.err
			}
			return model.Body{}, ErrChannelClosed
		case <-timer.C:
			m.logger.Debug("body lookup timed out", "id", key, "timeout", timeout)
			return model.Body{}, ErrTimeout
		case <-ctx.Done():
			return model.Body{}, ctx.Err()
		}
	}
}

// take consumes the cached result for key. The entry is removed once the last
// waiter for key has taken it. It also returns the notification channel to
// wait on next.
func (m *Manager) take(key string) (result, bool, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.cache.Get(key)
	if ok {
		m.waiters[key]--
		if m.waiters[key] <= 0 {
			delete(m.waiters, key)
			m.cache.Remove(key)
		}
	}
	return res, ok, m.notify
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[key]--
	if m.waiters[key] <= 0 {
		delete(m.waiters, key)
	}
}
