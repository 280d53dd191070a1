package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxReloadClients is the number of browser tabs that can listen at once.
const MaxReloadClients = 16

// ReloadMessage is the text frame sent to listening browsers.
const ReloadMessage = "reload"

const writeWait = 5 * time.Second

// Reloader tells connected browsers to reload the page.
type Reloader struct {
	upgrader websocket.Upgrader
	limit    int
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[chan struct{}]struct{}
	closed  bool
}

func NewReloader(limit int, logger *slog.Logger) *Reloader {
	return &Reloader{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		limit:   limit,
		logger:  logger,
		clients: make(map[chan struct{}]struct{}),
	}
}

// Notify signals every connected client. Signals to a client that has not
// consumed the previous one are merged.
func (rd *Reloader) Notify() int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for ch := range rd.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(rd.clients)
}

// Clients returns the number of connected clients.
func (rd *Reloader) Clients() int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return len(rd.clients)
}

// Close disconnects every client.
func (rd *Reloader) Close() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.closed {
		return
	}
	rd.closed = true
	for ch := range rd.clients {
		close(ch)
		delete(rd.clients, ch)
	}
}

func (rd *Reloader) register() (chan struct{}, bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.closed || len(rd.clients) >= rd.limit {
		return nil, false
	}
	ch := make(chan struct{}, 1)
	rd.clients[ch] = struct{}{}
	return ch, true
}

func (rd *Reloader) unregister(ch chan struct{}) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	delete(rd.clients, ch)
}

// ServeHTTP upgrades the request to a websocket and sends a reload frame
// for every notification until the client goes away.
func (rd *Reloader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch, ok := rd.register()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too many reload clients")
		return
	}

	conn, err := rd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rd.unregister(ch)
		rd.logger.Debug("reload upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	defer rd.unregister(ch)
	rd.logger.Debug("reload client connected", "remote", r.RemoteAddr)

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			rd.logger.Debug("reload client disconnected", "remote", r.RemoteAddr)
			return
		case _, open := <-ch:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ReloadMessage)); err != nil {
				return
			}
		}
	}
}
