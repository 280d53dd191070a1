package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "nested", DefaultFileName))
	require.NoError(t, err)

	tracker := NewTracker()
	tracker.Record("8354_8514_7029316", Indexed)
	tracker.Record("8354_8514_7029317", Failed)
	tracker.Record("7", Indexed)
	tracker.Record("7", Failed)
	tracker.Record("7", Indexed)
	require.NoError(t, tracker.Save(ctx, backend))

	reloaded, err := Load(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, tracker.Entries(), reloaded.Entries())
	require.Equal(t, Snapshot{Indexed: 2, Failed: 1}, reloaded.Snapshot())
}

func TestFileBackendFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	backend, err := NewFileBackend(path)
	require.NoError(t, err)

	require.NoError(t, backend.Save(ctx, map[string]Outcome{"2_1": Failed, "1_5": Indexed}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1_5,Indexed\n2_1,Failed\n", string(data))

	// Save overwrites rather than appends.
	require.NoError(t, backend.Save(ctx, map[string]Outcome{"3": Indexed}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "3,Indexed\n", string(data))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches, "temporary files must be cleaned up")
}

func TestFileBackendMissingFile(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)

	tracker, err := Load(context.Background(), backend)
	require.NoError(t, err)
	require.Empty(t, tracker.Entries())
	require.False(t, tracker.Contains("1"))
}

func TestFileBackendCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "one column", content: "1_2\n"},
		{name: "three columns", content: "1_2,Indexed,extra\n"},
		{name: "unknown outcome", content: "1_2,Indexed\n1_3,Done\n"},
		{name: "lower case outcome", content: "1_2,indexed\n"},
		{name: "empty id", content: ",Indexed\n"},
		{name: "non numeric id", content: "abc,Indexed\n"},
		{name: "empty id segment", content: "1__2,Indexed\n"},
		{name: "bad quoting", content: "\"1_2,Indexed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			backend, err := NewFileBackend(path)
			require.NoError(t, err)

			_, err = Load(context.Background(), backend)
			require.ErrorIs(t, err, ErrCorruptProgressFile)
		})
	}
}

func TestFileBackendSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// A regular file where the parent directory should be.
	backend, err := NewFileBackend(filepath.Join(blocker, DefaultFileName))
	require.NoError(t, err)

	err = backend.Save(context.Background(), map[string]Outcome{"1": Indexed})
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "want *IOError, got %v", err)
}

func TestNewFileBackendEmptyPath(t *testing.T) {
	_, err := NewFileBackend("  ")
	require.Error(t, err)
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				id := fmt.Sprintf("%d_%d", w, i)
				tracker.Record(id, Indexed)
				_ = tracker.Contains(id)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 1000, tracker.Snapshot().Indexed)
}

func TestRecordAll(t *testing.T) {
	tracker := NewTracker()
	tracker.Record("2", Failed)
	tracker.RecordAll([]string{"1", "2", "3"}, Indexed)

	outcome, ok := tracker.Outcome("2")
	require.True(t, ok)
	require.Equal(t, Indexed, outcome)
	require.Equal(t, Snapshot{Indexed: 3}, tracker.Snapshot())
}

func TestParseOutcome(t *testing.T) {
	for _, s := range []string{"Indexed", "Failed"} {
		o, err := ParseOutcome(s)
		require.NoError(t, err)
		require.Equal(t, Outcome(s), o)
	}
	_, err := ParseOutcome("Skipped")
	require.Error(t, err)
}
