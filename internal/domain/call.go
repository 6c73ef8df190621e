package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CallRequest is one inbound protocol call after transport decoding.
type CallRequest struct {
	Kind       CapabilityKind
	Name       string
	Arguments  json.RawMessage
	SessionID  string
	Credential string
}

// CallErrorKind distinguishes failure shapes for the outer dispatch layer.
type CallErrorKind string

const (
	CallErrorNotFound         CallErrorKind = "not_found"
	CallErrorInvalidArguments CallErrorKind = "invalid_arguments"
	CallErrorUnauthenticated  CallErrorKind = "unauthenticated"
	CallErrorMissingConfig    CallErrorKind = "missing_config"
	CallErrorSessionNotFound  CallErrorKind = "session_not_found"
	CallErrorInternal         CallErrorKind = "internal"
)

// CallError is the error half of a call result.
type CallError struct {
	Kind    CallErrorKind `json:"kind"`
	Message string        `json:"message"`
	Detail  any           `json:"detail,omitempty"`
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AuthChallenge tells a client where to re-authenticate and which scopes are needed.
type AuthChallenge struct {
	DiscoveryURL   string   `json:"discoveryUrl"`
	ErrorCode      string   `json:"errorCode"`
	RequiredScopes []string `json:"requiredScopes"`
	Message        string   `json:"-"`
}

const (
	ChallengeInvalidRequest    = "invalid_request"
	ChallengeInvalidToken      = "invalid_token"
	ChallengeInsufficientScope = "insufficient_scope"
)

func (c *AuthChallenge) Error() string {
	if c == nil {
		return ""
	}
	if c.Message != "" {
		return c.Message
	}
	return "authentication required: " + c.ErrorCode
}

// WWWAuthenticate renders the challenge as an RFC 6750 header value.
func (c *AuthChallenge) WWWAuthenticate() string {
	parts := []string{}
	if c.DiscoveryURL != "" {
		parts = append(parts, fmt.Sprintf("resource_metadata=%q", c.DiscoveryURL))
	}
	if c.ErrorCode != "" {
		parts = append(parts, fmt.Sprintf("error=%q", c.ErrorCode))
	}
	if len(c.RequiredScopes) > 0 {
		parts = append(parts, fmt.Sprintf("scope=%q", strings.Join(c.RequiredScopes, " ")))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// CallResult is the outcome of a dispatched call. Exactly one of Value,
// Error or Challenge is meaningful.
type CallResult struct {
	Value     any
	Error     *CallError
	Challenge *AuthChallenge
}

func (r CallResult) IsError() bool {
	return r.Error != nil || r.Challenge != nil
}

// FieldError names one violated field constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of one input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrInvalidArguments.Error()
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "invalid arguments: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArguments }

// MissingConfigError names the scoped secret keys that were absent or empty.
type MissingConfigError struct {
	Keys []string
}

func (e *MissingConfigError) Error() string {
	return "missing configuration: " + strings.Join(e.Keys, ", ")
}

func (e *MissingConfigError) Unwrap() error { return ErrMissingConfig }
