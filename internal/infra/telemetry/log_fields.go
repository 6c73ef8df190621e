package telemetry

import (
	"time"

	"go.uber.org/zap"

	"mcpkit/internal/domain"
)

const (
	FieldEvent      = "event"
	FieldCapability = "capability"
	FieldKind       = "kind"
	FieldSessionID  = "session_id"
	FieldProvider   = "provider"
	FieldOutcome    = "outcome"
	FieldStage      = "stage"
	FieldDurationMs = "duration_ms"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
	FieldErrorCode  = "error_code"
)

const (
	EventCallError       = "call_error"
	EventCallPanic       = "call_panic"
	EventAuthChallenge   = "auth_challenge"
	EventSessionRejected = "session_rejected"
	EventRateLimited     = "rate_limited"
	EventRoutesBuilt     = "routes_built"
	EventSecretsReloaded = "secrets_reloaded"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func CapabilityField(kind domain.CapabilityKind, name string) []zap.Field {
	return []zap.Field{zap.String(FieldKind, string(kind)), zap.String(FieldCapability, name)}
}

func SessionIDField(id string) zap.Field {
	return zap.String(FieldSessionID, id)
}

func ProviderField(provider string) zap.Field {
	return zap.String(FieldProvider, provider)
}

func OutcomeField(outcome domain.CallOutcome) zap.Field {
	return zap.String(FieldOutcome, string(outcome))
}

func StageField(stage domain.RouteStage) zap.Field {
	return zap.String(FieldStage, string(stage))
}

func ErrorCodeField(code domain.ErrorCode) zap.Field {
	return zap.String(FieldErrorCode, string(code))
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}
