package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpkit/internal/domain"
)

// Options configures a Runtime.
type Options struct {
	// IdleTimeout closes sessions unused for longer. Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often Run looks for idle sessions.
	SweepInterval time.Duration
	// OnRecreate rebinds a session restored from the backend.
	OnRecreate func(ctx context.Context, s *Session) error
	// OnSweep runs after every periodic sweep with the eviction count.
	OnSweep func(evicted int)
	Metrics domain.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

// Runtime resolves, creates, recreates and closes sessions.
type Runtime struct {
	backend domain.SessionBackend
	opts    Options
	logger  *zap.Logger
	metrics domain.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	// closed holds recently closed ids so an in-flight recreate cannot
	// bring them back.
	closed map[string]time.Time
}

const (
	tombstoneTTL   = 10 * time.Minute
	tombstoneLimit = 1024
)

// NewRuntime creates a runtime over backend. A nil backend keeps data in
// memory with the idle timeout as TTL.
func NewRuntime(backend domain.SessionBackend, opts Options) *Runtime {
	if backend == nil {
		backend = NewMemoryBackend(opts.IdleTimeout)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = domain.DefaultSessionSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = domain.NoopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		backend:  backend,
		opts:     opts,
		logger:   logger.Named("session"),
		metrics:  opts.Metrics,
		sessions: make(map[string]*Session),
		closed:   make(map[string]time.Time),
	}
}

// Backend returns the data backend.
func (r *Runtime) Backend() domain.SessionBackend {
	return r.backend
}

// Resolve maps an inbound request to a session.
//
// No id with an initialize intent creates a session. No id otherwise fails
// with ErrNeedsInit. A known id resumes its session. An unknown id is
// recreated from backend data when some exists and fails with
// ErrSessionNotFound when none does.
func (r *Runtime) Resolve(ctx context.Context, id string, intent domain.SessionIntent) (*Session, error) {
	if id == "" {
		if intent != domain.IntentInitialize {
			r.metrics.ObserveSessionEvent(domain.SessionEventRejected)
			return nil, domain.ErrNeedsInit
		}
		return r.create(ctx)
	}

	now := r.opts.Now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(now)
		return s, nil
	}
	return r.recreate(ctx, id)
}

func (r *Runtime) create(ctx context.Context) (*Session, error) {
	now := r.opts.Now()
	s := newSession(r.opts.NewID(), now, domain.SessionInitializing, nil)
	if err := r.backend.Put(ctx, s.ID, s.data.Clone()); err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "persist new session", err)
	}
	s.markPersisted(now)
	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.ObserveSessionEvent(domain.SessionEventCreated)
	r.metrics.SetActiveSessions(count)
	r.logger.Debug("session created", zap.String("session_id", s.ID))
	return s, nil
}

func (r *Runtime) recreate(ctx context.Context, id string) (*Session, error) {
	data, found, err := r.backend.Get(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "load session "+id, err)
	}
	if !found {
		r.metrics.ObserveSessionEvent(domain.SessionEventRejected)
		return nil, domain.ErrSessionNotFound
	}

	// persistedAt stays zero so the first call refreshes the stored record.
	s := newSession(id, r.opts.Now(), domain.SessionActive, data)
	r.mu.Lock()
	if existing, raced := r.sessions[id]; raced {
		r.mu.Unlock()
		return existing, nil
	}
	if _, gone := r.closed[id]; gone {
		r.mu.Unlock()
		r.metrics.ObserveSessionEvent(domain.SessionEventRejected)
		return nil, domain.ErrSessionNotFound
	}
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.opts.OnRecreate != nil {
		if err := r.opts.OnRecreate(ctx, s); err != nil {
			r.unbind(id, s)
			return nil, fmt.Errorf("rebind session %s: %w", id, err)
		}
	}
	r.metrics.ObserveSessionEvent(domain.SessionEventRecreated)
	r.metrics.SetActiveSessions(count)
	r.logger.Info("session recreated from backend", zap.String("session_id", id))
	return s, nil
}

// Bind associates a live handler with the session.
func (r *Runtime) Bind(id string, binding any) error {
	s, ok := r.lookup(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.mu.Lock()
	s.binding = binding
	s.mu.Unlock()
	return nil
}

// Unbind removes the session from the live map without touching the backend.
func (r *Runtime) Unbind(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s != nil {
		r.unbind(id, s)
	}
}

func (r *Runtime) unbind(id string, s *Session) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	s.mu.Lock()
	s.binding = nil
	s.mu.Unlock()
	r.metrics.SetActiveSessions(count)
}

// Activate completes the initialize handshake.
func (r *Runtime) Activate(id string) error {
	s, ok := r.lookup(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.mu.Lock()
	changed := s.state == domain.SessionInitializing
	if changed {
		s.state = domain.SessionActive
	}
	s.mu.Unlock()
	if changed {
		r.metrics.ObserveSessionEvent(domain.SessionEventActivated)
	}
	return nil
}

// Close removes the binding and then deletes the backend data. Closing an
// unknown or already closed session succeeds.
func (r *Runtime) Close(ctx context.Context, id string) error {
	return r.close(ctx, id, domain.SessionEventClosed)
}

func (r *Runtime) close(ctx context.Context, id string, event domain.SessionEvent) error {
	if id == "" {
		return nil
	}
	now := r.opts.Now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	if len(r.closed) >= tombstoneLimit {
		r.pruneTombstonesLocked(now)
	}
	r.closed[id] = now
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.state = domain.SessionClosed
		s.binding = nil
		s.mu.Unlock()
		r.metrics.ObserveSessionEvent(event)
		r.metrics.SetActiveSessions(count)
		r.logger.Debug("session closed", zap.String("session_id", id), zap.String("reason", string(event)))
	}
	if err := r.backend.Delete(ctx, id); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "delete session "+id, err)
	}
	return nil
}

// Do runs fn with s attached to ctx. Calls on one session run one at a time
// and changed data is persisted before the next call starts.
func (r *Runtime) Do(ctx context.Context, s *Session, fn func(ctx context.Context) error) error {
	s.call.Lock()
	defer s.call.Unlock()
	if s.State() == domain.SessionClosed {
		return domain.ErrSessionClosed
	}
	s.touch(r.opts.Now())
	callErr := fn(WithSession(ctx, s))
	if err := r.persist(ctx, s); err != nil {
		return errors.Join(callErr, domain.NewRouteError(domain.RouteStagePersist, err))
	}
	return callErr
}

// persist writes changed data. Unchanged data is rewritten once the stored
// record is half an idle timeout old, so backend expiry follows use rather
// than the last write.
func (r *Runtime) persist(ctx context.Context, s *Session) error {
	now := r.opts.Now()
	data, due := s.pending(now, r.opts.IdleTimeout/2)
	if !due || s.State() == domain.SessionClosed {
		return nil
	}
	// Persist even when the caller went away mid-call.
	if err := r.backend.Put(context.WithoutCancel(ctx), s.ID, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return domain.Wrap(domain.CodeUnavailable, "persist session "+s.ID, err)
	}
	s.markPersisted(now)
	return nil
}

// Lookup returns a live session.
func (r *Runtime) Lookup(id string) (*Session, bool) {
	return r.lookup(id)
}

func (r *Runtime) lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many were evicted.
func (r *Runtime) Sweep(ctx context.Context) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.opts.Now()
	cutoff := now.Add(-r.opts.IdleTimeout)
	r.mu.Lock()
	r.pruneTombstonesLocked(now)
	var idle []string
	for id, s := range r.sessions {
		if s.LastUsedAt().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		if err := r.close(ctx, id, domain.SessionEventEvicted); err != nil {
			r.logger.Warn("session eviction failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if len(idle) > 0 {
		r.logger.Info("idle sessions evicted", zap.Int("count", len(idle)))
	}
	return len(idle)
}

func (r *Runtime) pruneTombstonesLocked(now time.Time) {
	for id, at := range r.closed {
		if now.Sub(at) > tombstoneTTL {
			delete(r.closed, id)
		}
	}
}

// Run sweeps idle sessions until ctx is done.
func (r *Runtime) Run(ctx context.Context) {
	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.Sweep(ctx)
			if r.opts.OnSweep != nil {
				r.opts.OnSweep(evicted)
			}
		}
	}
}

// Shutdown drops every live binding and closes the backend. Persisted data
// stays in the backend so sessions can be recreated after a restart.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	live := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range live {
		s.mu.Lock()
		s.binding = nil
		s.mu.Unlock()
	}
	r.metrics.SetActiveSessions(0)
	return r.backend.Close()
}
