package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dhcgn/pst-index/archive/archivetest"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/runner"
	"github.com/dhcgn/pst-index/search"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/stats"
	"github.com/dhcgn/pst-index/walker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingBackend is a search.Backend that keeps every upsert.
type recordingBackend struct {
	mu      sync.Mutex
	batches [][]string
	failAt  int // 1-based submission that fails, 0 never
	err     error
}

func (b *recordingBackend) Upsert(_ context.Context, _ string, docs []model.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAt > 0 && len(b.batches)+1 == b.failAt {
		return b.err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	b.batches = append(b.batches, ids)
	return nil
}

func (b *recordingBackend) Search(context.Context, string, search.Query) (*search.Result, error) {
	return &search.Result{}, nil
}

func (b *recordingBackend) Close() error { return nil }

func (b *recordingBackend) sizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.batches))
	for i, batch := range b.batches {
		out[i] = len(batch)
	}
	return out
}

func envelopes(n int) <-chan model.Envelope {
	ch := make(chan model.Envelope, n)
	for i := 1; i <= n; i++ {
		id := model.NewID([]uint32{7}, uint32(i))
		ch <- model.Envelope{ID: id, Document: &model.Document{ID: id.String()}}
	}
	close(ch)
	return ch
}

func TestConsumeBatchBoundaries(t *testing.T) {
	tests := []struct {
		docs int
		want []int
	}{
		{docs: 0, want: []int{}},
		{docs: 99, want: []int{99}},
		{docs: 100, want: []int{100}},
		{docs: 250, want: []int{100, 100, 50}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.docs), func(t *testing.T) {
			backend := &recordingBackend{}
			tracker := state.NewTracker()
			c := New(BatchSubmitter{Backend: backend, Index: "pst"}, tracker, Options{}, discard)

			if err := c.Consume(context.Background(), envelopes(tt.docs)); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, backend.sizes()); diff != "" {
				t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
			}
			if got := tracker.Snapshot().Indexed; got != tt.docs {
				t.Errorf("indexed = %d, want %d", got, tt.docs)
			}
			if c.Indexed() != tt.docs {
				t.Errorf("Indexed() = %d, want %d", c.Indexed(), tt.docs)
			}
		})
	}
}

func TestConsumeRecordsFailedEnvelopes(t *testing.T) {
	ch := make(chan model.Envelope, 3)
	ch <- model.Envelope{ID: model.NewID(nil, 1), Document: &model.Document{ID: "1"}}
	ch <- model.Envelope{ID: model.NewID(nil, 2), Err: errors.New("unreadable")}
	ch <- model.Envelope{ID: model.NewID(nil, 3), Document: &model.Document{ID: "3"}}
	close(ch)

	backend := &recordingBackend{}
	tracker := state.NewTracker()
	c := New(BatchSubmitter{Backend: backend}, tracker, Options{}, discard)
	if err := c.Consume(context.Background(), ch); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([][]string{{"1", "3"}}, backend.batches); diff != "" {
		t.Errorf("submitted mismatch (-want +got):\n%s", diff)
	}
	if got, _ := tracker.Outcome("2"); got != state.Failed {
		t.Errorf("outcome of 2 = %q, want %q", got, state.Failed)
	}
}

func TestConsumeSubmissionErrorIsFatal(t *testing.T) {
	boom := errors.New("503 service unavailable")
	backend := &recordingBackend{failAt: 2, err: boom}
	tracker := state.NewTracker()

	var events []stats.Event
	c := New(BatchSubmitter{Backend: backend}, tracker, Options{
		BatchSize: 10,
		Events:    func(evt stats.Event) { events = append(events, evt) },
	}, discard)

	err := c.Consume(context.Background(), envelopes(35))
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Consume() error = %v, want *SubmissionError", err)
	}
	if subErr.Size != 10 || subErr.FirstID != "7_11" || !errors.Is(err, boom) {
		t.Errorf("SubmissionError = %+v", subErr)
	}
	// The first batch stays recorded.
	if got := tracker.Snapshot().Indexed; got != 10 {
		t.Errorf("indexed = %d, want 10", got)
	}
	if tracker.Contains("7_11") {
		t.Error("document of the rejected batch must not be recorded")
	}

	var types []stats.EventType
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []stats.EventType{stats.EventTypeIndexed, stats.EventTypeBatch, stats.EventTypeError}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineThroughRunner(t *testing.T) {
	root := archivetest.NewFolder(0, "")
	inbox := archivetest.NewFolder(3, "Inbox")
	for i := uint32(1); i <= 250; i++ {
		inbox.AddMessages(archivetest.NewMessage(i, fmt.Sprint("message ", i)))
	}
	broken := archivetest.NewMessage(999, "broken")
	broken.FieldsErr = archivetest.ErrBroken
	inbox.AddMessages(broken)
	store := archivetest.NewStore(root.Add(inbox))

	tracker := state.NewTracker()
	r, err := runner.New(context.Background(), runner.Options{ChannelSize: 8}, tracker, discard)
	if err != nil {
		t.Fatal(err)
	}
	backend := &recordingBackend{}
	walker.NewProducer(store, walker.Options{}, r)
	NewCoordinator(r, BatchSubmitter{Backend: backend, Index: "pst"}, Options{}, nil)
	reporter := stats.NewReporter(r, discard)

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{100, 100, 50}, backend.sizes()); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	want := state.Snapshot{Indexed: 250, Failed: 1}
	if diff := cmp.Diff(want, tracker.Snapshot()); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if s := reporter.Summary(); s.Indexed != 250 || s.Batches != 3 || s.Failed != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestPipelineStopsOnSubmissionError(t *testing.T) {
	inbox := archivetest.NewFolder(3, "Inbox")
	for i := uint32(1); i <= 500; i++ {
		inbox.AddMessages(archivetest.NewMessage(i, "m"))
	}
	store := archivetest.NewStore(archivetest.NewFolder(0, "").Add(inbox))

	tracker := state.NewTracker()
	r, err := runner.New(context.Background(), runner.Options{ChannelSize: 4}, tracker, discard)
	if err != nil {
		t.Fatal(err)
	}
	backend := &recordingBackend{failAt: 2, err: errors.New("down")}
	walker.NewProducer(store, walker.Options{}, r)
	NewCoordinator(r, BatchSubmitter{Backend: backend}, Options{}, nil)

	err = r.Start()
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Start() error = %v, want *SubmissionError", err)
	}
	if got := tracker.Snapshot().Indexed; got != 100 {
		t.Errorf("indexed = %d, want 100", got)
	}
}
