// Package secretscope carries per-call secrets through a context.Context.
//
// A scope is visible to everything that receives the call's context,
// including goroutines started with it. Work started from a detached context
// such as context.Background() does not see the scope.
package secretscope

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"mcpkit/internal/domain"
)

type scopeKey struct{}

// ErrNoScope is returned by Get outside any scope.
var ErrNoScope = domain.ErrNoSecretScope

// Snapshot is an immutable copy of one call's secrets.
type Snapshot struct {
	values map[string]string
}

// Keys returns the snapshot keys in sorted order.
func (s Snapshot) Keys() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// With returns a child context carrying a copy of secrets. Later changes to
// the secrets map do not affect the scope.
func With(ctx context.Context, secrets map[string]string) context.Context {
	return context.WithValue(ctx, scopeKey{}, Snapshot{values: maps.Clone(secrets)})
}

// Run executes fn inside a scope holding secrets.
func Run[T any](ctx context.Context, secrets map[string]string, fn func(context.Context) (T, error)) (T, error) {
	return fn(With(ctx, secrets))
}

// From returns the scope carried by ctx.
func From(ctx context.Context) (Snapshot, bool) {
	snapshot, ok := ctx.Value(scopeKey{}).(Snapshot)
	return snapshot, ok
}

// Get returns the value of key in the current scope. A key absent from the
// scope yields an empty string; calling Get outside a scope is an error.
func Get(ctx context.Context, key string) (string, error) {
	snapshot, ok := From(ctx)
	if !ok {
		return "", fmt.Errorf("read secret %q: %w", key, ErrNoScope)
	}
	return snapshot.values[key], nil
}

// MustGet is Get for handler code that declared its scope requirement and
// treats a missing scope as a programming error.
func MustGet(ctx context.Context, key string) string {
	value, err := Get(ctx, key)
	if err != nil {
		panic(err)
	}
	return value
}

// Missing returns the keys that are absent or empty in the current scope,
// in the order given.
func Missing(ctx context.Context, keys ...string) []string {
	snapshot, _ := From(ctx)
	var missing []string
	for _, key := range keys {
		if snapshot.values[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// RequireKeys wraps a handler with a precondition that every key resolves to
// a non-empty value in the current scope.
func RequireKeys(keys []string, next domain.Handler) domain.Handler {
	required := slices.Clone(keys)
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		if missing := Missing(ctx, required...); len(missing) > 0 {
			return nil, &domain.MissingConfigError{Keys: missing}
		}
		return next(ctx, args)
	}
}
