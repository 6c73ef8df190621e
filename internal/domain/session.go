package domain

import (
	"context"
	"maps"
)

// SessionState is the lifecycle state of a transport session.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionClosed       SessionState = "closed"
)

// SessionIntent is what an inbound request wants from the session runtime.
type SessionIntent int

const (
	// IntentCall is any request other than initialize.
	IntentCall SessionIntent = iota
	// IntentInitialize opens a new session.
	IntentInitialize
)

// SessionData is the application state persisted for a session.
type SessionData map[string]any

// Clone returns a shallow copy.
func (d SessionData) Clone() SessionData {
	if d == nil {
		return SessionData{}
	}
	return maps.Clone(d)
}

// SessionBackend persists session data independently of the live transport.
type SessionBackend interface {
	Get(ctx context.Context, id string) (SessionData, bool, error)
	Put(ctx context.Context, id string, data SessionData) error
	Delete(ctx context.Context, id string) error
	Close() error
}
