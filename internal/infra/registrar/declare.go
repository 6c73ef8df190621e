package registrar

import (
	"fmt"
	"reflect"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/attribute"
	"mcpkit/internal/infra/schema"
)

const (
	// KeyCapability holds a member's Capability.
	KeyCapability attribute.Key = "registrar.capability"
	// KeySecurity accumulates SecurityRequirement values on a type or member.
	KeySecurity attribute.Key = "registrar.security"
	// KeyDefinitionError accumulates errors found while a type was defined.
	KeyDefinitionError attribute.Key = "registrar.definition_error"
)

// Capability is the declared shape of one exposed method.
type Capability struct {
	Kind         domain.CapabilityKind
	Method       string
	Name         string
	Description  string
	UI           bool
	UIURI        string
	UIContent    string
	URI          string
	MIMEType     string
	RequiredKeys []string
}

// Option adjusts a capability declaration.
type Option func(*Capability, *[]domain.SecurityRequirement)

// Named overrides the externally visible name.
func Named(name string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) { c.Name = name }
}

// Describe sets the description shown in listings.
func Describe(text string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) { c.Description = text }
}

// WithUI links the capability to a UI resource serving content. The resource
// URI is derived from the service and method names.
func WithUI(content string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) {
		c.UI = true
		c.UIContent = content
	}
}

// WithUIURI links the capability to a UI resource at an explicit URI.
func WithUIURI(uri, content string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) {
		c.UI = true
		c.UIURI = uri
		c.UIContent = content
	}
}

// MIMEType sets the MIME type of a resource.
func MIMEType(mimeType string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) { c.MIMEType = mimeType }
}

// Requires adds a method-level security requirement.
func Requires(req domain.SecurityRequirement) Option {
	return func(_ *Capability, reqs *[]domain.SecurityRequirement) { *reqs = append(*reqs, req) }
}

// RequireKeys makes the call fail unless every key is present and non-empty
// in the call's secret scope.
func RequireKeys(keys ...string) Option {
	return func(c *Capability, _ *[]domain.SecurityRequirement) {
		c.RequiredKeys = append(c.RequiredKeys, keys...)
	}
}

// Declaration is one entry passed to Define.
type Declaration interface {
	apply(reg *attribute.Registry, deriver *schema.Deriver, target reflect.Type) error
}

type declFunc func(reg *attribute.Registry, deriver *schema.Deriver, target reflect.Type) error

func (f declFunc) apply(reg *attribute.Registry, deriver *schema.Deriver, target reflect.Type) error {
	return f(reg, deriver, target)
}

// Tool declares method as a tool.
func Tool(method string, opts ...Option) Declaration {
	return member(domain.CapabilityTool, method, "", opts)
}

// Prompt declares method as a prompt.
func Prompt(method string, opts ...Option) Declaration {
	return member(domain.CapabilityPrompt, method, "", opts)
}

// Resource declares method as the reader of the resource at uri.
func Resource(method, uri string, opts ...Option) Declaration {
	return member(domain.CapabilityResource, method, uri, opts)
}

// Secure adds a type-level security requirement applying to every method.
func Secure(req domain.SecurityRequirement) Declaration {
	return declFunc(func(reg *attribute.Registry, _ *schema.Deriver, target reflect.Type) error {
		return reg.Append(target, attribute.TypeLevel, KeySecurity, req)
	})
}

func member(kind domain.CapabilityKind, method, uri string, opts []Option) Declaration {
	return declFunc(func(reg *attribute.Registry, deriver *schema.Deriver, target reflect.Type) error {
		capability := Capability{Kind: kind, Method: method, URI: uri}
		var reqs []domain.SecurityRequirement
		for _, opt := range opts {
			opt(&capability, &reqs)
		}
		if kind == domain.CapabilityResource && uri == "" {
			return fmt.Errorf("%w: %s.%s: resource without uri", domain.ErrInvalidDeclaration, target.Name(), method)
		}
		sig, err := inspectMethod(target, method)
		if err != nil {
			return err
		}
		if sig.input != nil {
			if err := deriver.Describe(sig.input); err != nil {
				return fmt.Errorf("%s.%s: %w", target.Name(), method, err)
			}
		}
		if err := reg.Set(target, method, KeyCapability, capability); err != nil {
			return err
		}
		for _, req := range reqs {
			if err := reg.Append(target, method, KeySecurity, req); err != nil {
				return err
			}
		}
		return nil
	})
}

// Define records the declarations of service's type in the default registry.
// It is meant to be called from package init; problems are reported when the
// registrar builds its table.
func Define(service any, decls ...Declaration) {
	DefineIn(attribute.Default(), service, decls...)
}

// DefineIn records declarations in reg.
func DefineIn(reg *attribute.Registry, service any, decls ...Declaration) {
	target := attribute.TargetOf(service)
	if target == nil {
		return
	}
	deriver := schema.NewDeriver(reg)
	for _, decl := range decls {
		if err := decl.apply(reg, deriver, target); err != nil {
			_ = reg.Append(target, attribute.TypeLevel, KeyDefinitionError, err.Error())
		}
	}
}
