// Package web serves the search UI backend: full-text search over the index
// and message bodies read from the archive through the lookup manager.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

// DefaultAddr listens on all interfaces.
const DefaultAddr = "0.0.0.0:8800"

// BodyLookup resolves message bodies with a bounded wait.
type BodyLookup interface {
	GetBody(ctx context.Context, id string, timeout time.Duration) (model.Body, error)
}

type Options struct {
	Addr  string
	Index string
	// LookupTimeout bounds the wait for one message body.
	LookupTimeout time.Duration
	// StaticDir is served for every unrouted path when set.
	StaticDir string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	opts   Options
	search search.Backend
	bodies BodyLookup
	reload *Reloader
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

func NewServer(opts Options, backend search.Backend, bodies BodyLookup, logger *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Index == "" {
		opts.Index = search.DefaultIndex
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = lookup.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		search: backend,
		bodies: bodies,
		reload: NewReloader(MaxReloadClients, logger),
		logger: logger,
	}
	s.router = s.setupRouter()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	if s.opts.RateLimit > 0 {
		burst := max(s.opts.RateBurst, 1)
		r.Use(NewRateLimiter(s.opts.RateLimit, burst).middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/search", s.handleSearch)
	r.Get("/locate-message", s.handleLocateMessage)
	r.Get("/show", s.handleShowMessage)
	r.Get("/reload-notify", s.handleReloadNotify)
	r.Get("/reload", s.reload.ServeHTTP)

	if s.opts.StaticDir != "" {
		r.NotFound(http.FileServer(http.Dir(s.opts.StaticDir)).ServeHTTP)
	}
	return r
}

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Reloader returns the reload broadcaster.
func (s *Server) Reloader() *Reloader {
	return s.reload
}

// ListenAndServe blocks until the server stops. Shutdown makes it return nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "url", "http://"+s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.reload.Close()
	s.logger.Info("shutting down web server")
	return s.server.Shutdown(ctx)
}
