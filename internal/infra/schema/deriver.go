// Package schema derives JSON schemas and validators from constrained input types.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/attribute"
)

// KeyFields is the attribute key holding a type's []domain.FieldConstraint.
const KeyFields attribute.Key = "schema.fields"

// Deriver turns constrained struct types into schemas and validators.
type Deriver struct {
	registry *attribute.Registry
}

// NewDeriver creates a deriver backed by registry. A nil registry uses the default.
func NewDeriver(registry *attribute.Registry) *Deriver {
	if registry == nil {
		registry = attribute.Default()
	}
	return &Deriver{registry: registry}
}

// Describe records the field constraints of t in the attribute registry.
// It is called when a type is defined; Derive reads the recorded constraints.
func (d *Deriver) Describe(t reflect.Type) error {
	t = attribute.TargetOf(t)
	if _, ok := d.registry.Get(t, attribute.TypeLevel, KeyFields); ok {
		return nil
	}
	fields, err := ParseConstraints(t)
	if err != nil {
		return err
	}
	return d.registry.Set(t, attribute.TypeLevel, KeyFields, fields)
}

// Constraints returns the recorded constraints of t, parsing tags when none
// were recorded.
func (d *Deriver) Constraints(t reflect.Type) ([]domain.FieldConstraint, error) {
	t = attribute.TargetOf(t)
	if fields, ok := attribute.GetAs[[]domain.FieldConstraint](d.registry, t, attribute.TypeLevel, KeyFields); ok {
		return fields, nil
	}
	return ParseConstraints(t)
}

// Derived is the schema and validator of one input type.
type Derived struct {
	Type   reflect.Type
	Fields []domain.FieldConstraint
	Schema *jsonschema.Schema

	nodes map[string]*jsonschema.Resolved
}

// Derive builds the input schema and validator for t. A nil t yields an
// always-valid empty object schema.
func (d *Deriver) Derive(t reflect.Type) (*Derived, error) {
	t = attribute.TargetOf(t)
	derived := &Derived{
		Type:   t,
		Schema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}, AdditionalProperties: falseSchema()},
		nodes:  map[string]*jsonschema.Resolved{},
	}
	if t == nil {
		return derived, nil
	}
	fields, err := d.Constraints(t)
	if err != nil {
		return nil, err
	}
	derived.Fields = fields

	var errs []error
	for _, fc := range fields {
		node, err := fieldSchema(t, fc)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", fc.Name, err))
			continue
		}
		resolved, err := node.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", fc.Name, err))
			continue
		}
		derived.Schema.Properties[fc.Name] = node
		derived.nodes[fc.Name] = resolved
		if fc.Required && !fc.HasDefault {
			derived.Schema.Required = append(derived.Schema.Required, fc.Name)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidDeclaration, t.Name(), errors.Join(errs...))
	}
	return derived, nil
}

// DeriveOutput builds the schema of a result type. Only struct results have
// an object schema; other results report nil.
func (d *Deriver) DeriveOutput(t reflect.Type) (*jsonschema.Schema, error) {
	t = attribute.TargetOf(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, nil
	}
	out, err := jsonschema.ForType(t, &jsonschema.ForOptions{IgnoreInvalidTypes: true})
	if err != nil {
		return nil, fmt.Errorf("%w: output %s: %w", domain.ErrInvalidDeclaration, t.Name(), err)
	}
	return out, nil
}

func fieldSchema(owner reflect.Type, fc domain.FieldConstraint) (*jsonschema.Schema, error) {
	node := &jsonschema.Schema{Description: fc.Description}
	switch fc.Type {
	case domain.FieldString:
		node.Type = "string"
	case domain.FieldEnum:
		node.Type = "string"
		for _, value := range fc.Enum {
			node.Enum = append(node.Enum, value)
		}
	case domain.FieldNumber:
		node.Type = "number"
	case domain.FieldInteger:
		node.Type = "integer"
	case domain.FieldBoolean:
		node.Type = "boolean"
	case domain.FieldObject, domain.FieldArray:
		if sf, ok := owner.FieldByName(fc.GoName); ok && sf.Type.Kind() != reflect.Interface {
			inferred, err := jsonschema.ForType(sf.Type, &jsonschema.ForOptions{IgnoreInvalidTypes: true})
			if err != nil {
				return nil, err
			}
			inferred.Description = fc.Description
			node = inferred
		} else {
			node.Type = string(fc.Type)
		}
	default:
		return nil, fmt.Errorf("unsupported field type %q", fc.Type)
	}
	node.MinLength = fc.MinLength
	node.MaxLength = fc.MaxLength
	node.Minimum = fc.Minimum
	node.Maximum = fc.Maximum
	if fc.Pattern != "" {
		if _, err := regexp.Compile(fc.Pattern); err != nil {
			return nil, fmt.Errorf("pattern: %w", err)
		}
		node.Pattern = fc.Pattern
	}
	if fc.HasDefault {
		raw, err := json.Marshal(fc.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		node.Default = raw
	}
	return node, nil
}

func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

// Validate checks raw arguments against every field and returns the
// default-filled arguments. All violated fields are reported together in a
// *domain.ValidationError.
func (d *Derived) Validate(raw json.RawMessage) (json.RawMessage, error) {
	args := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "", Message: "arguments must be a JSON object"}}}
		}
	}

	known := make(map[string]bool, len(d.Fields))
	normalized := make(map[string]any, len(d.Fields))
	var violations []domain.FieldError
	for _, fc := range d.Fields {
		known[fc.Name] = true
		value, present := args[fc.Name]
		if !present || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			switch {
			case fc.HasDefault:
				normalized[fc.Name] = fc.Default
			case fc.Required:
				violations = append(violations, domain.FieldError{Field: fc.Name, Message: "is required"})
			}
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			violations = append(violations, domain.FieldError{Field: fc.Name, Message: "is not valid JSON"})
			continue
		}
		if node, ok := d.nodes[fc.Name]; ok {
			if err := node.Validate(decoded); err != nil {
				violations = append(violations, domain.FieldError{Field: fc.Name, Message: validationMessage(err)})
				continue
			}
		}
		normalized[fc.Name] = decoded
	}
	for name := range args {
		if !known[name] {
			violations = append(violations, domain.FieldError{Field: name, Message: "is not a known field"})
		}
	}
	if len(violations) > 0 {
		sortUnknownLast(violations, known)
		return nil, &domain.ValidationError{Fields: violations}
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return out, nil
}

var validatingPrefix = regexp.MustCompile(`^(validating [^:]*: )+`)

func validationMessage(err error) string {
	return validatingPrefix.ReplaceAllString(err.Error(), "")
}

// keeps declared-field violations in declaration order and sorts the unknown
// ones by name so reports are stable.
func sortUnknownLast(violations []domain.FieldError, known map[string]bool) {
	first := 0
	for first < len(violations) && known[violations[first].Field] {
		first++
	}
	slices.SortFunc(violations[first:], func(a, b domain.FieldError) int {
		return strings.Compare(a.Field, b.Field)
	})
}

var _ domain.InputValidator = (*Derived)(nil)
