// Package session owns the mapping from session identifiers to live sessions
// and persists session data through a pluggable backend.
package session

import (
	"context"
	"sync"
	"time"

	"mcpkit/internal/domain"
)

// Session is one logical client connection.
type Session struct {
	ID        string
	CreatedAt time.Time

	// call serializes handler execution and persistence on this session.
	call sync.Mutex

	mu         sync.Mutex
	state      domain.SessionState
	lastUsedAt time.Time
	binding    any
	data       domain.SessionData
	dirty      bool
	// persistedAt is when data was last written to the backend.
	persistedAt time.Time
}

func newSession(id string, now time.Time, state domain.SessionState, data domain.SessionData) *Session {
	if data == nil {
		data = domain.SessionData{}
	}
	return &Session{ID: id, CreatedAt: now, state: state, lastUsedAt: now, data: data}
}

// State returns the lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsedAt returns when the session last served a request.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// Binding returns the live handler bound to the session, if any.
func (s *Session) Binding() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Get returns a session data value.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok
}

// Int returns a numeric session value as int64. Values decoded by a backend
// may arrive as any Go numeric type.
func (s *Session) Int(key string) int64 {
	value, _ := s.Get(key)
	switch n := value.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Set stores a session data value; it is persisted when the call completes.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.dirty = true
}

// Delete removes a session data value.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.dirty = true
	}
}

// Data returns a copy of the session data.
func (s *Session) Data() domain.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsedAt = now
	s.mu.Unlock()
}

// pending returns a snapshot of the data when it changed since the last
// persist or when the stored record is older than refresh.
func (s *Session) pending(now time.Time, refresh time.Duration) (domain.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := refresh > 0 && now.Sub(s.persistedAt) >= refresh
	if !s.dirty && !stale {
		return nil, false
	}
	s.dirty = false
	return s.data.Clone(), true
}

func (s *Session) markPersisted(at time.Time) {
	s.mu.Lock()
	s.persistedAt = at
	s.mu.Unlock()
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session of the current call.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
