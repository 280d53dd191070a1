package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSearch struct {
	last  search.Query
	index string
	err   error
}

func (m *mockSearch) Upsert(context.Context, string, []model.Document) error { return nil }
func (m *mockSearch) Close() error                                           { return nil }

func (m *mockSearch) Search(_ context.Context, index string, q search.Query) (*search.Result, error) {
	m.last, m.index = q, index
	if m.err != nil {
		return nil, m.err
	}
	return &search.Result{
		Hits:   []model.Document{{ID: "1_2", Subject: "hello"}},
		Total:  1,
		Offset: q.Offset,
	}, nil
}

type mockLookup struct {
	bodies  map[string]model.Body
	err     error
	timeout time.Duration
}

func (m *mockLookup) GetBody(_ context.Context, id string, timeout time.Duration) (model.Body, error) {
	m.timeout = timeout
	if _, err := model.ParseID(id); err != nil {
		return model.Body{}, err
	}
	if m.err != nil {
		return model.Body{}, m.err
	}
	b, ok := m.bodies[id]
	if !ok {
		return model.Body{}, lookup.ErrNotFound
	}
	return b, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *mockSearch, *mockLookup) {
	t.Helper()
	ms := &mockSearch{}
	ml := &mockLookup{bodies: map[string]model.Body{
		"1_2": {Type: model.BodyHTML, Value: "<p>hi</p>"},
		"1_3": {Type: model.BodyPlainText, Value: "a < b"},
	}}
	return NewServer(opts, ms, ml, testLogger()), ms, ml
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	w := get(t, srv.Router(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	srv, ms, _ := newTestServer(t, Options{Index: "mails"})

	w := get(t, srv.Router(), "/search?q=hello+world&offset=20&has_attachments=true")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	want := search.Query{Text: "hello world", Offset: 20, Filter: search.Filter{HasAttachments: true}}
	if diff := cmp.Diff(want, ms.last); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
	if ms.index != "mails" {
		t.Errorf("index = %q", ms.index)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"hits", "total", "offset"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response lacks %q: %s", key, w.Body)
		}
	}
}

func TestHandleSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"bad offset", "/search?offset=x", nil, http.StatusBadRequest},
		{"negative offset", "/search?offset=-1", nil, http.StatusBadRequest},
		{"bad filter", "/search?has_attachments=maybe", nil, http.StatusBadRequest},
		{"backend down", "/search?q=x", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ms, _ := newTestServer(t, Options{})
			ms.err = tt.err
			if w := get(t, srv.Router(), tt.target); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleLocateMessage(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"found", "/locate-message?id=1_2", nil, http.StatusOK},
		{"missing id", "/locate-message", nil, http.StatusBadRequest},
		{"invalid id", "/locate-message?id=1_x", nil, http.StatusBadRequest},
		{"not found", "/locate-message?id=9_9", nil, http.StatusNotFound},
		{"timeout", "/locate-message?id=1_2", lookup.ErrTimeout, http.StatusRequestTimeout},
		{"worker stopped", "/locate-message?id=1_2", lookup.ErrChannelClosed, http.StatusInternalServerError},
		{"store failure", "/locate-message?id=1_2", &lookup.StoreError{ID: "1_2", Err: errors.New("io")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, ml := newTestServer(t, Options{})
			ml.err = tt.err
			w := get(t, srv.Router(), tt.target)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got model.Body
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(model.Body{Type: model.BodyHTML, Value: "<p>hi</p>"}, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
			if ml.timeout != lookup.DefaultTimeout {
				t.Errorf("lookup timeout = %v", ml.timeout)
			}
		})
	}
}

func TestHandleShowMessage(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})

	w := get(t, srv.Router(), "/show?id=1_2")
	if w.Code != http.StatusOK || w.Body.String() != "<p>hi</p>" {
		t.Errorf("html body: status = %d body = %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}

	w = get(t, srv.Router(), "/show?id=1_3")
	if !strings.Contains(w.Body.String(), "<pre>a &lt; b</pre>") {
		t.Errorf("plain text body not escaped: %q", w.Body)
	}

	if w := get(t, srv.Router(), "/show?id=4_4"); w.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d", w.Code)
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>search</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv, _, _ := newTestServer(t, Options{StaticDir: dir})
	w := get(t, srv.Router(), "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "search") {
		t.Errorf("static index: status = %d body = %q", w.Code, w.Body)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{RateLimit: 1, RateBurst: 2})
	codes := make([]int, 3)
	for i := range codes {
		codes[i] = get(t, srv.Router(), "/health").Code
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
}

func dialReload(t *testing.T, ts *httptest.Server) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/reload"
	return websocket.DefaultDialer.Dial(url, nil)
}

func waitClients(t *testing.T, rd *Reloader, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for rd.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", rd.Clients(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReloadBroadcast(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := dialReload(t, ts)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}
	waitClients(t, srv.Reloader(), 2)

	resp, err := http.Get(ts.URL + "/reload-notify")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	for i, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
		if typ != websocket.TextMessage || string(msg) != ReloadMessage {
			t.Errorf("client %d got %d %q", i, typ, msg)
		}
	}

	conns[0].Close()
	waitClients(t, srv.Reloader(), 1)
}

func TestReloadClientLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	srv.reload.limit = 1
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := dialReload(t, ts)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitClients(t, srv.Reloader(), 1)

	_, resp, err := dialReload(t, ts)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial error = %v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&model.ParseError{Input: "x"}, http.StatusBadRequest},
		{lookup.ErrNotFound, http.StatusNotFound},
		{lookup.ErrTimeout, http.StatusRequestTimeout},
		{lookup.ErrChannelClosed, http.StatusInternalServerError},
		{search.ErrInvalidQuery, http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
