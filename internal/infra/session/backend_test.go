package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpkit/internal/domain"
)

func TestMemoryBackend_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := NewMemoryBackend(time.Minute)
	backend.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "a", domain.SessionData{"k": "v"}))
	data, found, err := backend.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", data["k"])

	// Returned data is a copy.
	data["k"] = "changed"
	data, _, _ = backend.Get(ctx, "a")
	assert.Equal(t, "v", data["k"])

	now = now.Add(2 * time.Minute)
	_, found, err = backend.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, backend.Len())
}

func TestBoltBackend_RoundTrip(t *testing.T) {
	backend, err := OpenBoltBackend(filepath.Join(t.TempDir(), "nested", "sessions.db"), "test", 0)
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()

	in := domain.SessionData{
		"count": int64(3),
		"name":  "alice",
		"prefs": map[string]any{"unit": "metric", "days": int64(5)},
		"tags":  []any{"a", "b"},
	}
	require.NoError(t, backend.Put(ctx, "s1", in))

	out, found, err := backend.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)

	want := domain.SessionData{
		"count": uint64(3),
		"name":  "alice",
		"prefs": map[string]any{"unit": "metric", "days": uint64(5)},
		"tags":  []any{"a", "b"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("session data mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, backend.Delete(ctx, "s1"))
	require.NoError(t, backend.Delete(ctx, "s1"))
	_, found, err = backend.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltBackend_TTLAndPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend, err := OpenBoltBackend(filepath.Join(t.TempDir(), "sessions.db"), "", time.Minute)
	require.NoError(t, err)
	defer backend.Close()
	backend.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "old", domain.SessionData{}))
	now = now.Add(30 * time.Second)
	require.NoError(t, backend.Put(ctx, "fresh", domain.SessionData{}))
	now = now.Add(45 * time.Second)

	removed, err := backend.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, found, err := backend.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(time.Hour)
	_, found, err = backend.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltBackend_Closed(t *testing.T) {
	backend, err := OpenBoltBackend(filepath.Join(t.TempDir(), "sessions.db"), "", 0)
	require.NoError(t, err)
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	err = backend.Put(context.Background(), "x", domain.SessionData{})
	require.ErrorIs(t, err, ErrBackendClosed)
}

func TestOpenBoltBackend_RequiresPath(t *testing.T) {
	_, err := OpenBoltBackend("  ", "", 0)
	require.Error(t, err)
}
