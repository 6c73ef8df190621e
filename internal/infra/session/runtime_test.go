package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpkit/internal/domain"
)

type recordingMetrics struct {
	domain.NoopMetrics
	mu     sync.Mutex
	events []domain.SessionEvent
	active int
}

func (m *recordingMetrics) ObserveSessionEvent(event domain.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMetrics) SetActiveSessions(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = count
}

func (m *recordingMetrics) snapshot() ([]domain.SessionEvent, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SessionEvent(nil), m.events...), m.active
}

func increment(ctx context.Context) error {
	s, ok := FromContext(ctx)
	if !ok {
		return errors.New("no session")
	}
	s.Set("count", s.Int("count")+1)
	return nil
}

func TestResolve_Transitions(t *testing.T) {
	metrics := &recordingMetrics{}
	rt := NewRuntime(nil, Options{Metrics: metrics})
	ctx := context.Background()

	_, err := rt.Resolve(ctx, "", domain.IntentCall)
	require.ErrorIs(t, err, domain.ErrNeedsInit)

	s, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	_, err = uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInitializing, s.State())

	require.NoError(t, rt.Activate(s.ID))
	assert.Equal(t, domain.SessionActive, s.State())

	resumed, err := rt.Resolve(ctx, s.ID, domain.IntentCall)
	require.NoError(t, err)
	assert.Same(t, s, resumed)

	events, active := metrics.snapshot()
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventRejected, domain.SessionEventCreated, domain.SessionEventActivated}, events)
	assert.Equal(t, 1, active)
}

func TestResolve_UnknownIDNotFound(t *testing.T) {
	rt := NewRuntime(nil, Options{})

	_, err := rt.Resolve(context.Background(), uuid.NewString(), domain.IntentCall)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 0, rt.Count())
}

func TestDo_SessionStateSurvivesCalls(t *testing.T) {
	rt := NewRuntime(nil, Options{})
	ctx := context.Background()

	s, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.NoError(t, rt.Do(ctx, s, increment))

	again, err := rt.Resolve(ctx, s.ID, domain.IntentCall)
	require.NoError(t, err)
	require.NoError(t, rt.Do(ctx, again, increment))
	assert.Equal(t, int64(2), again.Int("count"))

	data, found, err := rt.Backend().Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 2, data["count"])
}

func TestResolve_RecreatesFromBackend(t *testing.T) {
	backend := NewMemoryBackend(0)
	ctx := context.Background()
	first := NewRuntime(backend, Options{})

	s, err := first.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.NoError(t, first.Do(ctx, s, increment))

	var rebound []string
	second := NewRuntime(backend, Options{OnRecreate: func(_ context.Context, s *Session) error {
		rebound = append(rebound, s.ID)
		return nil
	}})
	recreated, err := second.Resolve(ctx, s.ID, domain.IntentCall)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, recreated.State())
	assert.Equal(t, []string{s.ID}, rebound)

	require.NoError(t, second.Do(ctx, recreated, increment))
	assert.Equal(t, int64(2), recreated.Int("count"))
}

func TestClose_Idempotent(t *testing.T) {
	rt := NewRuntime(nil, Options{})
	ctx := context.Background()

	a, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	b, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.NoError(t, rt.Bind(a.ID, "handler-a"))

	require.NoError(t, rt.Close(ctx, a.ID))
	require.NoError(t, rt.Close(ctx, a.ID))
	require.NoError(t, rt.Close(ctx, uuid.NewString()))

	assert.Equal(t, domain.SessionClosed, a.State())
	assert.Nil(t, a.Binding())
	_, err = rt.Resolve(ctx, a.ID, domain.IntentCall)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, rt.Do(ctx, a, increment), domain.ErrSessionClosed)

	stillThere, err := rt.Resolve(ctx, b.ID, domain.IntentCall)
	require.NoError(t, err)
	assert.Same(t, b, stillThere)
	assert.Equal(t, 1, rt.Count())
}

func TestDo_SerializesCallsOnOneSession(t *testing.T) {
	rt := NewRuntime(nil, Options{})
	ctx := context.Background()
	s, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)

	const calls = 64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rt.Do(ctx, s, func(ctx context.Context) error {
				current := s.Int("count")
				time.Sleep(time.Microsecond)
				s.Set("count", current+1)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(calls), s.Int("count"))
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	metrics := &recordingMetrics{}
	rt := NewRuntime(nil, Options{IdleTimeout: time.Minute, Now: clock, Metrics: metrics})
	ctx := context.Background()

	idle, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	busy, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	assert.Equal(t, 1, rt.Sweep(ctx))

	_, ok := rt.Lookup(idle.ID)
	assert.False(t, ok)
	_, ok = rt.Lookup(busy.ID)
	assert.True(t, ok)

	events, _ := metrics.snapshot()
	assert.Contains(t, events, domain.SessionEventEvicted)
}

func TestSweep_DisabledWithoutTimeout(t *testing.T) {
	rt := NewRuntime(nil, Options{})
	_, err := rt.Resolve(context.Background(), "", domain.IntentInitialize)
	require.NoError(t, err)
	assert.Equal(t, 0, rt.Sweep(context.Background()))
}

func TestRuntime_BoltBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	backend, err := OpenBoltBackend(path, "", 0)
	require.NoError(t, err)
	first := NewRuntime(backend, Options{})
	s, err := first.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.NoError(t, first.Do(ctx, s, increment))
	require.NoError(t, first.Shutdown())

	backend, err = OpenBoltBackend(path, "", 0)
	require.NoError(t, err)
	defer backend.Close()
	second := NewRuntime(backend, Options{})

	recreated, err := second.Resolve(ctx, s.ID, domain.IntentCall)
	require.NoError(t, err)
	require.NoError(t, second.Do(ctx, recreated, increment))
	assert.Equal(t, int64(2), recreated.Int("count"))

	require.NoError(t, second.Close(ctx, s.ID))
	_, found, err := backend.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDo_ReadOnlyCallsKeepBackendRecordFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	backend := NewMemoryBackend(30 * time.Minute)
	backend.now = clock
	ctx := context.Background()

	rt := NewRuntime(backend, Options{IdleTimeout: 30 * time.Minute, Now: clock})
	s, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.NoError(t, rt.Do(ctx, s, increment))

	read := func(ctx context.Context) error {
		s, ok := FromContext(ctx)
		if !ok {
			return errors.New("no session")
		}
		_ = s.Int("count")
		return nil
	}
	for range 2 {
		now = now.Add(20 * time.Minute)
		resumed, err := rt.Resolve(ctx, s.ID, domain.IntentCall)
		require.NoError(t, err)
		require.NoError(t, rt.Do(ctx, resumed, read))
	}

	restarted := NewRuntime(backend, Options{IdleTimeout: 30 * time.Minute, Now: clock})
	recreated, err := restarted.Resolve(ctx, s.ID, domain.IntentCall)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recreated.Int("count"))
}

func TestDo_UnchangedDataNotRewrittenWhileFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	counting := &countingBackend{MemoryBackend: NewMemoryBackend(0)}
	rt := NewRuntime(counting, Options{IdleTimeout: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()

	s, err := rt.Resolve(ctx, "", domain.IntentInitialize)
	require.NoError(t, err)
	require.Equal(t, 1, counting.puts)

	noop := func(context.Context) error { return nil }
	now = now.Add(10 * time.Minute)
	require.NoError(t, rt.Do(ctx, s, noop))
	assert.Equal(t, 1, counting.puts)

	now = now.Add(25 * time.Minute)
	require.NoError(t, rt.Do(ctx, s, noop))
	assert.Equal(t, 2, counting.puts)
}

type countingBackend struct {
	*MemoryBackend
	puts int
}

func (b *countingBackend) Put(ctx context.Context, id string, data domain.SessionData) error {
	b.puts++
	return b.MemoryBackend.Put(ctx, id, data)
}

// gatedBackend pauses the first Get after loading until release is closed.
type gatedBackend struct {
	*MemoryBackend
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Get(ctx context.Context, id string) (domain.SessionData, bool, error) {
	data, found, err := b.MemoryBackend.Get(ctx, id)
	b.once.Do(func() {
		close(b.loaded)
		<-b.release
	})
	return data, found, err
}

func TestResolve_RecreateRacingCloseStaysClosed(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBackend(0)
	require.NoError(t, inner.Put(ctx, "sid", domain.SessionData{"count": int64(4)}))
	backend := &gatedBackend{
		MemoryBackend: inner,
		loaded:        make(chan struct{}),
		release:       make(chan struct{}),
	}
	rt := NewRuntime(backend, Options{})

	resolved := make(chan error, 1)
	go func() {
		_, err := rt.Resolve(ctx, "sid", domain.IntentCall)
		resolved <- err
	}()

	<-backend.loaded
	require.NoError(t, rt.Close(ctx, "sid"))
	close(backend.release)

	select {
	case err := <-resolved:
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not return")
	}
	assert.Equal(t, 0, rt.Count())
	_, found, err := inner.Get(ctx, "sid")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweep_PrunesOldTombstones(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rt := NewRuntime(nil, Options{IdleTimeout: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()

	require.NoError(t, rt.Close(ctx, "gone"))
	rt.Sweep(ctx)
	rt.mu.Lock()
	_, kept := rt.closed["gone"]
	rt.mu.Unlock()
	assert.True(t, kept)

	now = now.Add(tombstoneTTL + time.Second)
	rt.Sweep(ctx)
	rt.mu.Lock()
	_, kept = rt.closed["gone"]
	rt.mu.Unlock()
	assert.False(t, kept)
}
