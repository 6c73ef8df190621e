package domain

import (
	"context"
	"encoding/json"
	"slices"
)

// CapabilityKind labels an externally callable unit.
type CapabilityKind string

const (
	CapabilityTool     CapabilityKind = "tool"
	CapabilityPrompt   CapabilityKind = "prompt"
	CapabilityResource CapabilityKind = "resource"
)

// FieldType is the semantic type of a constrained field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldConstraint describes one field of an input or output type.
type FieldConstraint struct {
	Name        string
	GoName      string
	Type        FieldType
	MinLength   *int
	MaxLength   *int
	Minimum     *float64
	Maximum     *float64
	Pattern     string
	Enum        []string
	Required    bool
	Default     any
	HasDefault  bool
	Description string
}

// SecurityRequirement is the declared auth requirement of a type or method.
type SecurityRequirement struct {
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes,omitempty"`
	ScopeKey string   `json:"scopeKey,omitempty"`
}

// MergeSecurity folds accumulated requirements into one effective requirement.
// Scopes are unioned; the first non-empty provider and scope key win. ok is
// false when two requirements name different providers.
func MergeSecurity(reqs []SecurityRequirement) (SecurityRequirement, bool) {
	var merged SecurityRequirement
	for _, req := range reqs {
		if req.Provider != "" {
			if merged.Provider != "" && merged.Provider != req.Provider {
				return merged, false
			}
			merged.Provider = req.Provider
		}
		if merged.ScopeKey == "" {
			merged.ScopeKey = req.ScopeKey
		}
		for _, scope := range req.Scopes {
			if !slices.Contains(merged.Scopes, scope) {
				merged.Scopes = append(merged.Scopes, scope)
			}
		}
	}
	return merged, true
}

// Handler runs a bound capability with validated, default-filled arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// InputValidator checks raw arguments and returns the normalized form.
type InputValidator interface {
	Validate(raw json.RawMessage) (json.RawMessage, error)
}

// RouteEntry binds an external capability name to its handler and metadata.
type RouteEntry struct {
	Name          string
	Kind          CapabilityKind
	Service       string
	Method        string
	Description   string
	Fields        []FieldConstraint
	InputSchema   any
	OutputSchema  any
	Validator     InputValidator
	Security      *SecurityRequirement
	RequiredKeys  []string
	UIResourceURI string
	ResourceURI   string
	MIMEType      string
	Handler       Handler
}

// Public reports whether the entry has no security requirement.
func (e *RouteEntry) Public() bool {
	return e == nil || e.Security == nil
}
