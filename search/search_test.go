package search

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dhcgn/pst-index/model"
)

type pagedBackend struct {
	docs    []model.Document
	offsets []int
}

func (p *pagedBackend) Upsert(context.Context, string, []model.Document) error { return nil }
func (p *pagedBackend) Close() error                                           { return nil }

func (p *pagedBackend) Search(_ context.Context, _ string, q Query) (*Result, error) {
	p.offsets = append(p.offsets, q.Offset)
	end := min(q.Offset+q.Limit, len(p.docs))
	res := &Result{Total: len(p.docs), Offset: q.Offset}
	if q.Offset < end {
		res.Hits = p.docs[q.Offset:end]
	}
	return res, nil
}

func TestAllPagesUntilEmpty(t *testing.T) {
	backend := &pagedBackend{}
	for i := 0; i < 45; i++ {
		backend.docs = append(backend.docs, model.Document{ID: fmt.Sprint(i)})
	}

	var got int
	err := All(context.Background(), backend, DefaultIndex, Query{Limit: 20}, func(r *Result) error {
		got += len(r.Hits)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 45 {
		t.Errorf("collected %d hits, want 45", got)
	}
	if diff := cmp.Diff([]int{0, 20, 40, 45}, backend.offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestAllStopsOnCallbackError(t *testing.T) {
	backend := &pagedBackend{docs: []model.Document{{ID: "1"}, {ID: "2"}}}
	stop := errors.New("stop")
	err := All(context.Background(), backend, DefaultIndex, Query{Limit: 1}, func(*Result) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("All() error = %v, want %v", err, stop)
	}
}

func TestQueryNormalize(t *testing.T) {
	q, err := Query{Text: "x"}.Normalize()
	if err != nil || q.Limit != DefaultLimit {
		t.Fatalf("Normalize() = %+v, %v", q, err)
	}
	if _, err := (Query{Offset: -1}).Normalize(); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("negative offset error = %v", err)
	}
}
