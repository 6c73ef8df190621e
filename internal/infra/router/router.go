package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate"
	"mcpkit/internal/infra/secretscope"
	"mcpkit/internal/infra/session"
	"mcpkit/internal/infra/telemetry"
)

// RouteTable resolves capability names to entries.
type RouteTable interface {
	Lookup(kind domain.CapabilityKind, name string) (*domain.RouteEntry, bool)
}

// Dispatcher runs one call through lookup, validation, the auth gate, the
// secret scope and the bound handler.
type Dispatcher struct {
	table    RouteTable
	gate     *authgate.Gate
	sessions *session.Runtime
	timeout  time.Duration
	logger   *zap.Logger
}

type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil session runtime dispatches every
// call statelessly.
func NewDispatcher(table RouteTable, gate *authgate.Gate, sessions *session.Runtime, opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = authgate.New(nil, authgate.Options{Logger: logger})
	}
	return &Dispatcher{
		table:    table,
		gate:     gate,
		sessions: sessions,
		timeout:  timeout,
		logger:   logger.Named("router"),
	}
}

// Dispatch never returns a Go error: every failure is a CallResult so the
// transport can always answer with a well-formed response.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.CallRequest) domain.CallResult {
	start := time.Now()
	logger := telemetry.LoggerWithRequest(ctx, d.logger).With(telemetry.CapabilityField(req.Kind, req.Name)...)

	entry, ok := d.table.Lookup(req.Kind, req.Name)
	if !ok {
		err := domain.NewRouteError(domain.RouteStageLookup, fmt.Errorf("%w: %s %q", domain.ErrCapabilityNotFound, req.Kind, req.Name))
		return d.fail(logger, start, err)
	}

	var sess *session.Session
	if d.sessions != nil && req.SessionID != "" {
		s, err := d.sessions.Resolve(ctx, req.SessionID, domain.IntentCall)
		if err != nil {
			return d.fail(logger.With(telemetry.SessionIDField(req.SessionID)), start, domain.NewRouteError(domain.RouteStageLookup, err))
		}
		sess = s
		logger = logger.With(telemetry.SessionIDField(s.ID))
	}

	args := req.Arguments
	if entry.Validator != nil {
		normalized, err := entry.Validator.Validate(args)
		if err != nil {
			return d.fail(logger, start, domain.NewRouteError(domain.RouteStageValidate, err))
		}
		args = normalized
	}

	outcome, err := d.gate.Check(ctx, entry, req.Credential, args)
	if err != nil {
		return d.fail(logger, start, domain.NewRouteError(domain.RouteStageAuth, err))
	}
	if outcome.Challenge != nil {
		logger.Info("call challenged",
			telemetry.EventField(telemetry.EventAuthChallenge),
			zap.String("challenge", outcome.Challenge.ErrorCode),
			telemetry.DurationField(time.Since(start)),
		)
		return domain.CallResult{Challenge: outcome.Challenge}
	}

	// Only scoped entries get a secret scope; a read anywhere else fails.
	callCtx := ctx
	if entry.Security != nil && entry.Security.ScopeKey != "" {
		callCtx = secretscope.With(callCtx, outcome.Secrets)
	}
	if outcome.Identity.Subject != "" {
		callCtx = authgate.WithIdentity(callCtx, outcome.Identity)
	}
	callCtx, cancel := context.WithTimeout(callCtx, d.timeout)
	defer cancel()

	var value any
	call := func(ctx context.Context) error {
		var callErr error
		value, callErr = d.invoke(ctx, logger, entry, args)
		return callErr
	}
	if sess != nil {
		err = d.sessions.Do(callCtx, sess, call)
	} else {
		err = call(callCtx)
	}
	if err != nil {
		return d.fail(logger, start, domain.NewRouteError(domain.RouteStageCall, err))
	}
	return domain.CallResult{Value: value}
}

func (d *Dispatcher) invoke(ctx context.Context, logger *zap.Logger, entry *domain.RouteEntry, args json.RawMessage) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("handler panicked",
				telemetry.EventField(telemetry.EventCallPanic),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
			value, err = nil, &panicError{value: recovered}
		}
	}()
	return entry.Handler(ctx, args)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func (d *Dispatcher) fail(logger *zap.Logger, start time.Time, err error) domain.CallResult {
	result := resultFor(err)
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventCallError),
		telemetry.OutcomeField(domain.OutcomeFor(result)),
		telemetry.DurationField(time.Since(start)),
		zap.Error(err),
	}
	if stage, ok := domain.RouteStageFrom(err); ok {
		fields = append(fields, telemetry.StageField(stage))
	}
	if code, ok := domain.CodeFrom(err); ok {
		fields = append(fields, telemetry.ErrorCodeField(code))
	}
	if result.Error != nil && result.Error.Kind == domain.CallErrorInternal {
		logger.Warn("call failed", fields...)
	} else {
		logger.Debug("call rejected", fields...)
	}
	return result
}

// resultFor maps a pipeline error to the failure shape a client sees.
func resultFor(err error) domain.CallResult {
	var (
		validation *domain.ValidationError
		missing    *domain.MissingConfigError
		challenge  *domain.AuthChallenge
		panicked   *panicError
	)
	switch {
	case errors.As(err, &challenge):
		return domain.CallResult{Challenge: challenge}
	case errors.As(err, &validation):
		return failure(domain.CallErrorInvalidArguments, validation.Error(), validation.Fields)
	case errors.Is(err, domain.ErrInvalidArguments):
		return failure(domain.CallErrorInvalidArguments, domain.ErrInvalidArguments.Error(), nil)
	case errors.As(err, &missing):
		return failure(domain.CallErrorMissingConfig, missing.Error(), missing.Keys)
	case errors.Is(err, domain.ErrCapabilityNotFound):
		return failure(domain.CallErrorNotFound, unwrapRoute(err).Error(), nil)
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionClosed):
		return failure(domain.CallErrorSessionNotFound, domain.ErrSessionNotFound.Error(), nil)
	case errors.As(err, &panicked):
		return failure(domain.CallErrorInternal, "internal error", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return failure(domain.CallErrorInternal, "call timed out", nil)
	default:
		return failure(domain.CallErrorInternal, unwrapRoute(err).Error(), nil)
	}
}

func failure(kind domain.CallErrorKind, message string, detail any) domain.CallResult {
	return domain.CallResult{Error: &domain.CallError{Kind: kind, Message: message, Detail: detail}}
}

func unwrapRoute(err error) error {
	var routeErr *domain.RouteError
	if errors.As(err, &routeErr) {
		return routeErr.Err
	}
	return err
}
