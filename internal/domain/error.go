package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a failure independently of the transport that
// reports it.
type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeRateLimited      ErrorCode = "RESOURCE_EXHAUSTED"
)

var (
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrMissingConfig       = errors.New("missing configuration")
	ErrSessionNotFound     = errors.New("session not found")
	ErrNeedsInit           = errors.New("session id required for non-initialize request")
	ErrSessionClosed       = errors.New("session closed")
	ErrDuplicateCapability = errors.New("duplicate capability name")
	ErrInvalidDeclaration  = errors.New("invalid capability declaration")
	ErrNoSecretScope       = errors.New("no secret scope in context")
	ErrRegistrySealed      = errors.New("attribute registry is sealed")
	ErrUnknownProvider     = errors.New("unknown auth provider")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrRateLimited         = errors.New("rate limited")
)

// Error is a coded failure raised by an operation.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// E builds a coded error. An empty message takes the cause's text.
func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

// Wrap codes err for op. An error that already carries a code keeps it.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return err
		}
		return &Error{Code: existing.Code, Op: op, Message: existing.Message, Cause: existing.Cause}
	}
	return E(code, op, "", err)
}

// CodeFrom classifies err. Coded errors report their own code; known
// sentinels and failure types map to a fixed code.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var validationErr *ValidationError
	var missingErr *MissingConfigError
	var challenge *AuthChallenge
	switch {
	case errors.As(err, &challenge):
		if challenge.ErrorCode == ChallengeInsufficientScope {
			return CodePermissionDenied, true
		}
		return CodeUnauthenticated, true
	case errors.As(err, &validationErr), errors.Is(err, ErrInvalidArguments), errors.Is(err, ErrNeedsInit):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrInvalidCredential):
		return CodeUnauthenticated, true
	case errors.As(err, &missingErr), errors.Is(err, ErrMissingConfig), errors.Is(err, ErrNoSecretScope):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrCapabilityNotFound), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		return CodeNotFound, true
	case errors.Is(err, ErrDuplicateCapability):
		return CodeAlreadyExists, true
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, true
	case errors.Is(err, context.Canceled):
		return CodeCanceled, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	default:
		return "", false
	}
}
