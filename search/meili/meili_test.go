package meili

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/meilisearch/meilisearch-go"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

type fakeIndex struct {
	added      [][]model.Document
	primaryKey []string
	addErr     error
	lastQuery  string
	lastReq    *meilisearch.SearchRequest
	response   *meilisearch.SearchResponse
}

func (f *fakeIndex) AddDocuments(docs interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, docs.([]model.Document))
	f.primaryKey = primaryKey
	return &meilisearch.TaskInfo{TaskUID: int64(len(f.added))}, nil
}

func (f *fakeIndex) Search(query string, req *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error) {
	f.lastQuery, f.lastReq = query, req
	return f.response, nil
}

type fakeClient struct {
	idx    *fakeIndex
	status meilisearch.TaskStatus
	waited []int64
}

func (f *fakeClient) Index(string) index { return f.idx }

func (f *fakeClient) WaitForTask(_ context.Context, uid int64, _ time.Duration) (*meilisearch.Task, error) {
	f.waited = append(f.waited, uid)
	return &meilisearch.Task{TaskUID: uid, Status: f.status}, nil
}

func TestUpsertKeysOnID(t *testing.T) {
	fc := &fakeClient{idx: &fakeIndex{}, status: meilisearch.TaskStatusSucceeded}
	b := &Backend{client: fc, opts: Options{WaitForTasks: true}}

	docs := []model.Document{{ID: "1_2"}, {ID: "1_3"}}
	if err := b.Upsert(context.Background(), "pst", docs); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{search.PrimaryKey}, fc.idx.primaryKey); diff != "" {
		t.Errorf("primary key mismatch (-want +got):\n%s", diff)
	}
	if len(fc.idx.added) != 1 || len(fc.waited) != 1 {
		t.Errorf("added %d batches, waited %d tasks; want 1/1", len(fc.idx.added), len(fc.waited))
	}
}

func TestUpsertFailedTask(t *testing.T) {
	fc := &fakeClient{idx: &fakeIndex{}, status: meilisearch.TaskStatusFailed}
	b := &Backend{client: fc, opts: Options{WaitForTasks: true}}
	if err := b.Upsert(context.Background(), "pst", []model.Document{{ID: "1"}}); err == nil {
		t.Fatal("expected error for failed task")
	}
}

func TestUpsertTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	b := &Backend{client: &fakeClient{idx: &fakeIndex{addErr: boom}}}
	if err := b.Upsert(context.Background(), "pst", []model.Document{{ID: "1"}}); !errors.Is(err, boom) {
		t.Fatalf("Upsert() error = %v, want %v", err, boom)
	}
}

func TestSearchDecodesHits(t *testing.T) {
	fi := &fakeIndex{response: &meilisearch.SearchResponse{
		Hits: []interface{}{
			map[string]interface{}{
				"id":              "8354_8514_7029316",
				"subject":         "Report",
				"sender":          map[string]interface{}{"name": "Alice"},
				"recipients":      []interface{}{},
				"has_attachments": true,
				"attachments":     []interface{}{"a.pdf"},
				"send_time":       "2020-01-02T03:04:05",
			},
		},
		EstimatedTotalHits: 42,
		Offset:             20,
	}}
	b := &Backend{client: &fakeClient{idx: fi}}

	res, err := b.Search(context.Background(), "pst", search.Query{Text: "report", Offset: 20, Filter: search.Filter{HasAttachments: true}})
	if err != nil {
		t.Fatal(err)
	}
	if fi.lastQuery != "report" || fi.lastReq.Offset != 20 || fi.lastReq.Limit != search.DefaultLimit {
		t.Errorf("request = %q %+v", fi.lastQuery, fi.lastReq)
	}
	if fi.lastReq.Filter != HasAttachmentsFilter {
		t.Errorf("filter = %v, want %q", fi.lastReq.Filter, HasAttachmentsFilter)
	}
	if res.Total != 42 || res.Offset != 20 || len(res.Hits) != 1 {
		t.Fatalf("result = %+v", res)
	}
	hit := res.Hits[0]
	if hit.ID != "8354_8514_7029316" || !hit.HasAttachments || hit.SendTime.IsZero() {
		t.Errorf("hit = %+v", hit)
	}
}
