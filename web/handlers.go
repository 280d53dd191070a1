package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"

	"github.com/dhcgn/pst-index/lookup"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps a body lookup failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lookup.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, lookup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lookup.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearch serves GET /search?q=&offset=&limit=&has_attachments=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.search.Search(r.Context(), s.opts.Index, q)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("search failed", "query", q.Text, "err", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseQuery(r *http.Request) (search.Query, error) {
	params := r.URL.Query()
	q := search.Query{Text: params.Get("q")}
	var err error
	if v := params.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			return q, fmt.Errorf("invalid offset %q", v)
		}
	}
	if v := params.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := params.Get("has_attachments"); v != "" {
		if q.Filter.HasAttachments, err = strconv.ParseBool(v); err != nil {
			return q, fmt.Errorf("invalid has_attachments %q", v)
		}
	}
	return q, nil
}

// body fetches the body named by the id parameter, writing the error
// response itself when it fails.
func (s *Server) body(w http.ResponseWriter, r *http.Request) (model.Body, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return model.Body{}, false
	}
	b, err := s.bodies.GetBody(r.Context(), id, s.opts.LookupTimeout)
	if err != nil {
		status := statusFor(err)
		switch {
		case errors.Is(err, context.Canceled):
			s.logger.Debug("body lookup abandoned by client", "id", id)
		case status == http.StatusInternalServerError:
			s.logger.Error("body lookup failed", "id", id, "err", err)
		default:
			s.logger.Debug("body lookup", "id", id, "status", status, "err", err)
		}
		writeError(w, status, err.Error())
		return model.Body{}, false
	}
	return b, true
}

// handleLocateMessage serves GET /locate-message?id= as {type, value}.
func (s *Server) handleLocateMessage(w http.ResponseWriter, r *http.Request) {
	b, ok := s.body(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleShowMessage serves GET /show?id= as an HTML page.
func (s *Server) handleShowMessage(w http.ResponseWriter, r *http.Request) {
	b, ok := s.body(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(renderBody(b)))
}

func renderBody(b model.Body) string {
	if b.Type == model.BodyHTML {
		return b.Value
	}
	return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head><body><pre>" +
		html.EscapeString(b.Value) + "</pre></body></html>\n"
}

// handleReloadNotify serves GET /reload-notify.
func (s *Server) handleReloadNotify(w http.ResponseWriter, _ *http.Request) {
	n := s.reload.Notify()
	s.logger.Debug("reload notified", "clients", n)
	writeJSON(w, http.StatusOK, map[string]int{"clients": n})
}
