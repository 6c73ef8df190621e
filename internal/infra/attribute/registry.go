// Package attribute stores metadata attached to service types and their
// members at definition time.
//
// Records are keyed by (target type, member name, key). The empty member name
// addresses the type itself. Writes happen while packages initialize and
// services are declared; once the registry is sealed it only serves reads.
package attribute

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"mcpkit/internal/domain"
)

// Key names an attribute kind.
type Key string

// TypeLevel is the member name used for type-level attributes.
const TypeLevel = ""

type recordKey struct {
	target reflect.Type
	member string
	key    Key
}

type membersKey struct {
	target reflect.Type
	key    Key
}

// Registry is a concurrency-safe attribute store.
type Registry struct {
	mu      sync.RWMutex
	records map[recordKey]any
	members map[membersKey][]string
	sealed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[recordKey]any),
		members: make(map[membersKey][]string),
	}
}

var defaultRegistry = New()

// Default returns the process-wide registry used by declarations made at init.
func Default() *Registry {
	return defaultRegistry
}

// TargetOf returns the normalized target type of a value or type.
// Pointer types are dereferenced so *T and T share one identity.
func TargetOf(v any) reflect.Type {
	var t reflect.Type
	switch typed := v.(type) {
	case nil:
		return nil
	case reflect.Type:
		t = typed
	default:
		t = reflect.TypeOf(v)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Set stores value under (target, member, key), replacing any previous value.
func (r *Registry) Set(target reflect.Type, member string, key Key, value any) error {
	target = TargetOf(target)
	if target == nil {
		return fmt.Errorf("attribute %q: nil target", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("set %s.%s[%s]: %w", target.Name(), member, key, domain.ErrRegistrySealed)
	}
	rk := recordKey{target: target, member: member, key: key}
	if _, exists := r.records[rk]; !exists {
		r.noteMember(target, member, key)
	}
	r.records[rk] = value
	return nil
}

// Append adds values to the list stored under (target, member, key).
// Values already present are skipped, so repeated declarations merge as a union.
func (r *Registry) Append(target reflect.Type, member string, key Key, values ...any) error {
	target = TargetOf(target)
	if target == nil {
		return fmt.Errorf("attribute %q: nil target", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("append %s.%s[%s]: %w", target.Name(), member, key, domain.ErrRegistrySealed)
	}
	rk := recordKey{target: target, member: member, key: key}
	existing, exists := r.records[rk]
	list, _ := existing.([]any)
	if exists && list == nil {
		list = []any{existing}
	}
	for _, value := range values {
		if slices.ContainsFunc(list, func(item any) bool { return reflect.DeepEqual(item, value) }) {
			continue
		}
		list = append(list, value)
	}
	if !exists {
		r.noteMember(target, member, key)
	}
	r.records[rk] = list
	return nil
}

// Get returns the value under (target, member, key). A missing record is
// reported with ok=false and is not an error.
func (r *Registry) Get(target reflect.Type, member string, key Key) (any, bool) {
	target = TargetOf(target)
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.records[recordKey{target: target, member: member, key: key}]
	return value, ok
}

// List returns the list stored by Append, or a one-element list for a value
// stored by Set.
func (r *Registry) List(target reflect.Type, member string, key Key) []any {
	value, ok := r.Get(target, member, key)
	if !ok {
		return nil
	}
	if list, isList := value.([]any); isList {
		return slices.Clone(list)
	}
	return []any{value}
}

// ListMembers returns every member of target carrying key, in declaration
// order. Members of embedded structs come first; a member the target declares
// itself is listed once.
func (r *Registry) ListMembers(target reflect.Type, key Key) []string {
	target = TargetOf(target)
	if target == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	r.collectMembers(target, key, &out, map[reflect.Type]bool{})
	return out
}

func (r *Registry) collectMembers(target reflect.Type, key Key, out *[]string, seen map[reflect.Type]bool) {
	if seen[target] {
		return
	}
	seen[target] = true
	if target.Kind() == reflect.Struct {
		for i := 0; i < target.NumField(); i++ {
			field := target.Field(i)
			if !field.Anonymous {
				continue
			}
			r.collectMembers(TargetOf(field.Type), key, out, seen)
		}
	}
	for _, member := range r.members[membersKey{target: target, key: key}] {
		if member == TypeLevel || slices.Contains(*out, member) {
			continue
		}
		*out = append(*out, member)
	}
}

// Seal ends the definition phase. Later writes fail with ErrRegistrySealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// must be called with the write lock held.
func (r *Registry) noteMember(target reflect.Type, member string, key Key) {
	mk := membersKey{target: target, key: key}
	r.members[mk] = append(r.members[mk], member)
}

// GetAs returns the value under (target, member, key) asserted to T.
func GetAs[T any](r *Registry, target reflect.Type, member string, key Key) (T, bool) {
	var zero T
	value, ok := r.Get(target, member, key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// ListAs returns the Append list under (target, member, key), keeping only
// items of type T.
func ListAs[T any](r *Registry, target reflect.Type, member string, key Key) []T {
	items := r.List(target, member, key)
	out := make([]T, 0, len(items))
	for _, item := range items {
		if typed, ok := item.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
