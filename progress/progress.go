// Package progress renders a terminal spinner fed by pipeline stats events.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/pst-index/stats"
)

// Spinner shows how many messages have been indexed so far.
type Spinner struct {
	mu        sync.Mutex
	sp        *pterm.SpinnerPrinter
	enabled   bool
	collector *stats.Collector
	started   time.Time
}

// New returns a spinner. A disabled spinner still counts events but never
// draws, so debug logs are not interleaved with terminal updates.
func New(enabled bool) *Spinner {
	return &Spinner{enabled: enabled, collector: stats.NewCollector()}
}

// Start draws the spinner.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	if !s.enabled || s.sp != nil {
		return
	}
	sp, err := pterm.DefaultSpinner.WithRemoveWhenDone(false).Start(s.text())
	if err != nil {
		s.enabled = false
		return
	}
	s.sp = sp
}

// Update applies evt and refreshes the spinner text on progress.
func (s *Spinner) Update(evt stats.Event) {
	s.collector.Apply(evt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sp == nil {
		return
	}
	switch evt.Type {
	case stats.EventTypeBatch, stats.EventTypeSkipped:
		s.sp.UpdateText(s.text())
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Text is the line the spinner currently shows.
func (s *Spinner) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text()
}

func (s *Spinner) text() string {
	sum := s.collector.Snapshot()
	text := fmt.Sprintf("Indexed %s messages", humanize.Comma(int64(sum.Indexed)))
	if sum.Skipped > 0 {
		text += fmt.Sprintf(" (%s already done)", humanize.Comma(int64(sum.Skipped)))
	}
	return text
}

// Summary returns the counts seen so far.
func (s *Spinner) Summary() stats.Summary {
	return s.collector.Snapshot()
}

// Stop finishes the spinner, marking it failed when err is set.
func (s *Spinner) Stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sp == nil {
		return
	}
	took := time.Since(s.started).Round(time.Second)
	if err != nil {
		s.sp.Fail(fmt.Sprintf("%s, stopped after %s: %v", s.text(), took, err))
	} else {
		s.sp.Success(fmt.Sprintf("%s in %s", s.text(), took))
	}
	s.sp = nil
}

// Subscriber feeds events into the spinner until the stream closes.
func (s *Spinner) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.Update(evt)
		}
	}
}

// Attach subscribes s to stream.
func (s *Spinner) Attach(stream stats.EventStream) {
	stream.SubscribeStats("progress", s.Subscriber)
}

// PrintSummary writes the final counts as a pterm table.
func PrintSummary(sum stats.Summary, took time.Duration) {
	rows := pterm.TableData{
		{"Scanned", humanize.Comma(int64(sum.Scanned))},
		{"Already done", humanize.Comma(int64(sum.Skipped))},
		{"Failed", humanize.Comma(int64(sum.Failed))},
		{"Indexed", humanize.Comma(int64(sum.Indexed))},
		{"Batches", humanize.Comma(int64(sum.Batches))},
		{"Duration", took.Round(time.Millisecond).String()},
	}
	pterm.DefaultSection.Println("Summary")
	_ = pterm.DefaultTable.WithData(rows).Render()
	if sum.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", sum.LastError)
	}
}
