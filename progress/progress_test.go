package progress

import (
	"context"
	"testing"

	"github.com/dhcgn/pst-index/stats"
)

func TestSpinnerText(t *testing.T) {
	s := New(false)
	s.Start()
	if got := s.Text(); got != "Indexed 0 messages" {
		t.Errorf("Text() = %q", got)
	}

	events := make(chan stats.Event, 16)
	events <- stats.Event{Stage: stats.StageWalk, Type: stats.EventTypeSkipped, ID: "1_1"}
	for i := 0; i < 12; i++ {
		events <- stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeIndexed, Count: 100}
	}
	close(events)
	if err := s.Subscriber(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	s.Stop(nil)

	if got := s.Text(); got != "Indexed 1,200 messages (1 already done)" {
		t.Errorf("Text() = %q", got)
	}
	if sum := s.Summary(); sum.Indexed != 1200 || sum.Skipped != 1 {
		t.Errorf("Summary() = %+v", sum)
	}
}
