package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

// BenchmarkTracker_Record benchmarks recording outcomes in memory.
func BenchmarkTracker_Record(b *testing.B) {
	tracker := NewTracker()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Record(fmt.Sprintf("8354_%d", i), Indexed)
	}
}

// BenchmarkTracker_Contains benchmarks the walker's skip check.
func BenchmarkTracker_Contains(b *testing.B) {
	tracker := NewTracker()
	for i := 0; i < 1000; i++ {
		tracker.Record(fmt.Sprintf("8354_%d", i), Indexed)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracker.Contains(fmt.Sprintf("8354_%d", i%1000))
	}
}

// BenchmarkTracker_ContainsParallel benchmarks concurrent reads.
func BenchmarkTracker_ContainsParallel(b *testing.B) {
	tracker := NewTracker()
	for i := 0; i < 1000; i++ {
		tracker.Record(fmt.Sprintf("8354_%d", i), Indexed)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = tracker.Contains(fmt.Sprintf("8354_%d", i%1000))
			i++
		}
	})
}

// BenchmarkFileBackend_SaveLoad benchmarks persisting 10k entries.
func BenchmarkFileBackend_SaveLoad(b *testing.B) {
	ctx := context.Background()
	backend, err := NewFileBackend(filepath.Join(b.TempDir(), DefaultFileName))
	if err != nil {
		b.Fatal(err)
	}
	entries := make(map[string]Outcome, 10000)
	for i := 0; i < 10000; i++ {
		entries[fmt.Sprintf("8354_8514_%d", i)] = Indexed
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := backend.Save(ctx, entries); err != nil {
			b.Fatal(err)
		}
		if _, err := backend.Load(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
