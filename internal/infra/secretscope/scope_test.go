package secretscope

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpkit/internal/domain"
)

func TestGet_OutsideScope(t *testing.T) {
	_, err := Get(context.Background(), "TOKEN")
	require.ErrorIs(t, err, ErrNoScope)
	assert.Panics(t, func() { MustGet(context.Background(), "TOKEN") })
}

func TestWith_CopiesSecrets(t *testing.T) {
	secrets := map[string]string{"TOKEN": "A"}
	ctx := With(context.Background(), secrets)
	secrets["TOKEN"] = "mutated"

	value, err := Get(ctx, "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "A", value)

	value, err = Get(ctx, "OTHER")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestRun_ConcurrentScopesIsolated(t *testing.T) {
	const rounds = 50
	// Both calls park until the other is inside its scope so their
	// executions overlap.
	var ready sync.WaitGroup
	ready.Add(2)

	observe := func() func(context.Context) ([]string, error) {
		return func(ctx context.Context) ([]string, error) {
			ready.Done()
			ready.Wait()
			seen := make([]string, 0, rounds)
			for i := 0; i < rounds; i++ {
				seen = append(seen, nestedRead(ctx))
			}
			return seen, nil
		}
	}

	results := make([][]string, 2)
	var wg sync.WaitGroup
	for i, token := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := Run(context.Background(), map[string]string{"TOKEN": token}, observe())
			assert.NoError(t, err)
			results[i] = seen
		}()
	}
	wg.Wait()

	for i, token := range []string{"A", "B"} {
		require.Len(t, results[i], rounds)
		for _, value := range results[i] {
			assert.Equal(t, token, value)
		}
	}
}

// nestedRead reads the scope from a goroutine spawned with the call context.
func nestedRead(ctx context.Context) string {
	out := make(chan string, 1)
	go func() {
		out <- MustGet(ctx, "TOKEN")
	}()
	return <-out
}

func TestScope_NotVisibleFromDetachedContext(t *testing.T) {
	_, err := Run(context.Background(), map[string]string{"TOKEN": "A"}, func(ctx context.Context) (string, error) {
		_, err := Get(context.WithoutCancel(context.Background()), "TOKEN")
		return "", err
	})
	require.ErrorIs(t, err, ErrNoScope)
}

func TestRequireKeys(t *testing.T) {
	called := false
	handler := RequireKeys([]string{"API_KEY", "REGION", "ZONE"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		called = true
		return "ok", nil
	})

	ctx := With(context.Background(), map[string]string{"REGION": "eu", "ZONE": ""})
	_, err := handler(ctx, nil)
	var missing *domain.MissingConfigError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"API_KEY", "ZONE"}, missing.Keys)
	assert.ErrorIs(t, err, domain.ErrMissingConfig)
	assert.False(t, called)

	ctx = With(context.Background(), map[string]string{"API_KEY": "k", "REGION": "eu", "ZONE": "a"})
	result, err := handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, called)
}

func TestSnapshotKeys(t *testing.T) {
	ctx := With(context.Background(), map[string]string{"b": "1", "a": "2"})
	snapshot, ok := From(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, snapshot.Keys())
}
