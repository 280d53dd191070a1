// Package meili implements search.Backend on a Meilisearch server.
package meili

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

// HasAttachmentsFilter is the filter expression for attachment-only queries.
// has_attachments must be a filterable attribute of the index.
const HasAttachmentsFilter = "has_attachments = true"

type Options struct {
	URL    string
	APIKey string
	// WaitForTasks blocks Upsert until Meilisearch has applied the batch.
	WaitForTasks bool
	// TaskTimeout bounds the wait for one batch.
	TaskTimeout time.Duration
}

// index is the subset of *meilisearch.Index used here.
type index interface {
	AddDocuments(documentsPtr interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error)
	Search(query string, request *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error)
}

type client interface {
	Index(uid string) index
	WaitForTask(ctx context.Context, taskUID int64, timeout time.Duration) (*meilisearch.Task, error)
}

type Backend struct {
	client client
	opts   Options
}

func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("meilisearch url is empty")
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Minute
	}
	c := meilisearch.NewClient(meilisearch.ClientConfig{Host: opts.URL, APIKey: opts.APIKey})
	return &Backend{client: sdkClient{c: c}, opts: opts}, nil
}

func (b *Backend) Upsert(ctx context.Context, uid string, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := b.client.Index(uid).AddDocuments(docs, search.PrimaryKey)
	if err != nil {
		return fmt.Errorf("add documents to %s: %w", uid, err)
	}
	if !b.opts.WaitForTasks {
		return nil
	}
	done, err := b.client.WaitForTask(ctx, task.TaskUID, b.opts.TaskTimeout)
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", task.TaskUID, err)
	}
	if done.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("task %d %s: %s", task.TaskUID, done.Status, done.Error.Message)
	}
	return nil
}

func (b *Backend) Search(ctx context.Context, uid string, q search.Query) (*search.Result, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := &meilisearch.SearchRequest{
		Offset: int64(q.Offset),
		Limit:  int64(q.Limit),
	}
	if q.Filter.HasAttachments {
		req.Filter = HasAttachmentsFilter
	}
	resp, err := b.client.Index(uid).Search(q.Text, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", uid, err)
	}

	hits := make([]model.Document, 0, len(resp.Hits))
	for i, hit := range resp.Hits {
		doc, err := decodeHit(hit)
		if err != nil {
			return nil, fmt.Errorf("decode hit %d: %w", i, err)
		}
		hits = append(hits, doc)
	}
	total := int(resp.EstimatedTotalHits)
	if resp.TotalHits > 0 {
		total = int(resp.TotalHits)
	}
	return &search.Result{Hits: hits, Total: total, Offset: int(resp.Offset)}, nil
}

func (b *Backend) Close() error { return nil }

// decodeHit converts the generic hit map back into a Document.
func decodeHit(hit interface{}) (model.Document, error) {
	var doc model.Document
	raw, err := json.Marshal(hit)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(raw, &doc)
	return doc, err
}

type sdkClient struct {
	c *meilisearch.Client
}

func (s sdkClient) Index(uid string) index {
	return s.c.Index(uid)
}

func (s sdkClient) WaitForTask(ctx context.Context, taskUID int64, timeout time.Duration) (*meilisearch.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.c.WaitForTask(taskUID, meilisearch.WaitParams{Context: ctx, Interval: 50 * time.Millisecond})
}
