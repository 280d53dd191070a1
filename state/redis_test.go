package state

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Set PST_INDEX_TEST_REDIS_URL (e.g. redis://localhost:6379/15) to run.
func TestRedisBackendRoundTrip(t *testing.T) {
	url := os.Getenv("PST_INDEX_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PST_INDEX_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	backend, err := NewRedisBackend(url, "pst-index-test:"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = backend.Client.Del(ctx, backend.Key).Err()
		_ = backend.Close()
	})

	empty, err := Load(ctx, backend)
	require.NoError(t, err)
	require.Empty(t, empty.Entries())

	tracker := NewTracker()
	tracker.Record("1_2", Indexed)
	tracker.Record("1_3", Failed)
	require.NoError(t, tracker.Save(ctx, backend))

	reloaded, err := Load(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, tracker.Entries(), reloaded.Entries())

	// Save replaces the whole mapping.
	require.NoError(t, backend.Save(ctx, map[string]Outcome{"9": Indexed}))
	reloaded, err = Load(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, map[string]Outcome{"9": Indexed}, reloaded.Entries())
}

func TestNewRedisBackendBadURL(t *testing.T) {
	_, err := NewRedisBackend("http://not-redis", "")
	require.Error(t, err)
}
