// Package search defines the full-text index the pipeline writes to and the
// query surfaces read from.
package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/pst-index/model"
)

const (
	// DefaultIndex is the index name used when none is configured.
	DefaultIndex = "pst"
	// DefaultLimit is the page size of a query without an explicit limit.
	DefaultLimit = 20
	// PrimaryKey is the document field upserts are keyed on.
	PrimaryKey = "id"
)

var ErrInvalidQuery = errors.New("invalid query")

// Backend is a document index with upsert-by-id writes and paginated queries.
type Backend interface {
	// Upsert adds docs, replacing any stored document with the same id.
	Upsert(ctx context.Context, index string, docs []model.Document) error
	Search(ctx context.Context, index string, q Query) (*Result, error)
	Close() error
}

// Filter narrows a query.
type Filter struct {
	HasAttachments bool
}

type Query struct {
	Text   string
	Offset int
	Limit  int
	Filter Filter
}

// Normalize applies the default limit and rejects negative paging.
func (q Query) Normalize() (Query, error) {
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: negative offset %d", ErrInvalidQuery, q.Offset)
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	return q, nil
}

// Result is one page of hits.
type Result struct {
	Hits   []model.Document `json:"hits"`
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
}

// All pages through every hit of q, starting at q.Offset and advancing by the
// size of each page until a page comes back empty.
func All(ctx context.Context, backend Backend, index string, q Query, fn func(*Result) error) error {
	for {
		res, err := backend.Search(ctx, index, q)
		if err != nil {
			return fmt.Errorf("search at offset %d: %w", q.Offset, err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		if err := fn(res); err != nil {
			return err
		}
		q.Offset += len(res.Hits)
	}
}
