// Package registrar builds the route table from declared service types.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/zap"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/attribute"
	"mcpkit/internal/infra/schema"
	"mcpkit/internal/infra/secretscope"
)

// Registrar turns service instances into route entries.
type Registrar struct {
	registry *attribute.Registry
	deriver  *schema.Deriver
	logger   *zap.Logger
}

// New creates a registrar reading declarations from registry. A nil registry
// uses the default one.
func New(registry *attribute.Registry, logger *zap.Logger) *Registrar {
	if registry == nil {
		registry = attribute.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		registry: registry,
		deriver:  schema.NewDeriver(registry),
		logger:   logger.Named("registrar"),
	}
}

// Build walks every service's declared members and returns the route table.
// All problems are collected; any problem fails the whole build so a server
// never starts with a partial table.
func (r *Registrar) Build(services ...any) (*Table, error) {
	table := newTable()
	var errs []error
	owners := map[string][]string{}
	uriOwners := map[string][]string{}

	for _, service := range services {
		entries, err := r.entriesFor(service)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			owner := entry.Service + "." + entry.Method
			if entry.Kind == domain.CapabilityResource {
				uriOwners[entry.ResourceURI] = append(uriOwners[entry.ResourceURI], owner)
			} else {
				owners[entry.Name] = append(owners[entry.Name], owner)
			}
			table.add(entry)
		}
	}
	errs = append(errs, collisions("capability name", owners)...)
	errs = append(errs, collisions("resource uri", uriOwners)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, entry := range table.entries {
		r.logger.Debug("capability registered",
			zap.String("kind", string(entry.Kind)),
			zap.String("name", entry.Name),
			zap.String("service", entry.Service),
			zap.Bool("public", entry.Public()),
		)
	}
	r.logger.Info("route table built", zap.Int("entries", len(table.entries)), zap.Int("services", len(services)))
	return table, nil
}

func collisions(what string, owners map[string][]string) []error {
	var names []string
	for name, list := range owners {
		if len(list) > 1 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%w: %s %q declared by %s", domain.ErrDuplicateCapability, what, name, strings.Join(owners[name], ", ")))
	}
	return errs
}

func (r *Registrar) entriesFor(service any) ([]*domain.RouteEntry, error) {
	target := attribute.TargetOf(service)
	if target == nil {
		return nil, fmt.Errorf("%w: nil service", domain.ErrInvalidDeclaration)
	}
	instance := reflect.ValueOf(service)
	if instance.Kind() != reflect.Pointer {
		addressable := reflect.New(target)
		addressable.Elem().Set(instance)
		instance = addressable
	} else if instance.IsNil() {
		return nil, fmt.Errorf("%w: nil %s instance", domain.ErrInvalidDeclaration, target.Name())
	}

	var errs []error
	for _, msg := range attribute.ListAs[string](r.registry, target, attribute.TypeLevel, KeyDefinitionError) {
		errs = append(errs, fmt.Errorf("%w: %s", domain.ErrInvalidDeclaration, msg))
	}

	// UI resources follow the service's own members.
	var entries, views []*domain.RouteEntry
	for _, member := range r.registry.ListMembers(target, KeyCapability) {
		declaring, capability, ok := r.lookupCapability(target, member)
		if !ok {
			continue
		}
		built, err := r.entry(target, declaring, instance, capability)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, built[0])
		views = append(views, built[1:]...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return append(entries, views...), nil
}

// lookupCapability finds the capability of member on target or on the
// embedded type declaring it.
func (r *Registrar) lookupCapability(target reflect.Type, member string) (reflect.Type, Capability, bool) {
	if capability, ok := attribute.GetAs[Capability](r.registry, target, member, KeyCapability); ok {
		return target, capability, true
	}
	if target.Kind() != reflect.Struct {
		return nil, Capability{}, false
	}
	for i := 0; i < target.NumField(); i++ {
		field := target.Field(i)
		if !field.Anonymous {
			continue
		}
		if declaring, capability, ok := r.lookupCapability(attribute.TargetOf(field.Type), member); ok {
			return declaring, capability, true
		}
	}
	return nil, Capability{}, false
}

func (r *Registrar) entry(target, declaring reflect.Type, instance reflect.Value, capability Capability) ([]*domain.RouteEntry, error) {
	owner := target.Name() + "." + capability.Method
	sig, err := inspectMethod(target, capability.Method)
	if err != nil {
		return nil, err
	}
	derived, err := r.deriver.Derive(sig.input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", owner, err)
	}

	entry := &domain.RouteEntry{
		Name:         capability.Name,
		Kind:         capability.Kind,
		Service:      target.Name(),
		Method:       capability.Method,
		Description:  capability.Description,
		Fields:       derived.Fields,
		InputSchema:  derived.Schema,
		Validator:    derived,
		RequiredKeys: slices.Clone(capability.RequiredKeys),
		ResourceURI:  capability.URI,
		MIMEType:     capability.MIMEType,
		Handler:      bind(instance, sig),
	}
	if entry.Name == "" {
		entry.Name = CapabilityName(capability.Method)
	}
	if entry.Kind == domain.CapabilityTool {
		output, err := r.deriver.DeriveOutput(sig.output)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", owner, err)
		}
		if output != nil {
			entry.OutputSchema = output
		}
	}

	security, err := r.effectiveSecurity(target, declaring, capability.Method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", owner, err)
	}
	entry.Security = security
	if len(entry.RequiredKeys) > 0 {
		entry.Handler = secretscope.RequireKeys(entry.RequiredKeys, entry.Handler)
	}

	entries := []*domain.RouteEntry{entry}
	if capability.UI {
		entry.UIResourceURI = capability.UIURI
		if entry.UIResourceURI == "" {
			entry.UIResourceURI = UIResourceURI(target.Name(), capability.Method)
		}
		entries = append(entries, uiEntry(entry, capability.UIContent))
	}
	return entries, nil
}

// effectiveSecurity merges type-level and member-level requirements.
func (r *Registrar) effectiveSecurity(target, declaring reflect.Type, method string) (*domain.SecurityRequirement, error) {
	reqs := attribute.ListAs[domain.SecurityRequirement](r.registry, target, attribute.TypeLevel, KeySecurity)
	if declaring != target {
		reqs = append(reqs, attribute.ListAs[domain.SecurityRequirement](r.registry, declaring, attribute.TypeLevel, KeySecurity)...)
	}
	reqs = append(reqs, attribute.ListAs[domain.SecurityRequirement](r.registry, declaring, method, KeySecurity)...)
	if len(reqs) == 0 {
		return nil, nil
	}
	merged, ok := domain.MergeSecurity(reqs)
	if !ok {
		return nil, fmt.Errorf("%w: conflicting auth providers", domain.ErrInvalidDeclaration)
	}
	if merged.Provider == "" {
		return nil, fmt.Errorf("%w: security requirement without provider", domain.ErrInvalidDeclaration)
	}
	return &merged, nil
}

func uiEntry(owner *domain.RouteEntry, content string) *domain.RouteEntry {
	empty, _ := schema.NewDeriver(attribute.New()).Derive(nil)
	return &domain.RouteEntry{
		Name:        owner.UIResourceURI,
		Kind:        domain.CapabilityResource,
		Service:     owner.Service,
		Method:      owner.Method,
		Description: "UI for " + owner.Name,
		InputSchema: empty.Schema,
		Validator:   empty,
		ResourceURI: owner.UIResourceURI,
		MIMEType:    domain.UIResourceMIMEType,
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return content, nil
		},
	}
}

// Table is the immutable route table.
type Table struct {
	entries []*domain.RouteEntry
	byName  map[domain.CapabilityKind]map[string]*domain.RouteEntry
}

func newTable() *Table {
	return &Table{byName: map[domain.CapabilityKind]map[string]*domain.RouteEntry{}}
}

func (t *Table) add(entry *domain.RouteEntry) {
	t.entries = append(t.entries, entry)
	key := entry.Name
	if entry.Kind == domain.CapabilityResource {
		key = entry.ResourceURI
	}
	names := t.byName[entry.Kind]
	if names == nil {
		names = map[string]*domain.RouteEntry{}
		t.byName[entry.Kind] = names
	}
	names[key] = entry
}

// Lookup finds an entry. Resources are looked up by URI.
func (t *Table) Lookup(kind domain.CapabilityKind, name string) (*domain.RouteEntry, bool) {
	if t == nil {
		return nil, false
	}
	entry, ok := t.byName[kind][name]
	return entry, ok
}

// Entries returns every entry in registration order.
func (t *Table) Entries() []*domain.RouteEntry {
	if t == nil {
		return nil
	}
	return slices.Clone(t.entries)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
