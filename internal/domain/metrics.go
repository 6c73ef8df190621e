package domain

import "time"

// CallOutcome labels how a dispatched call ended.
type CallOutcome string

const (
	// CallOutcomeSuccess indicates the handler returned a result.
	CallOutcomeSuccess CallOutcome = "success"
)

// OutcomeFor maps a call result to its metric label.
func OutcomeFor(result CallResult) CallOutcome {
	switch {
	case result.Challenge != nil:
		return CallOutcome(CallErrorUnauthenticated)
	case result.Error != nil:
		return CallOutcome(result.Error.Kind)
	default:
		return CallOutcomeSuccess
	}
}

// CallMetric captures one dispatched call.
type CallMetric struct {
	Kind     CapabilityKind
	Name     string
	Outcome  CallOutcome
	Duration time.Duration
}

// SessionEvent labels session lifecycle transitions.
type SessionEvent string

const (
	SessionEventCreated   SessionEvent = "created"
	SessionEventActivated SessionEvent = "activated"
	SessionEventRecreated SessionEvent = "recreated"
	SessionEventRejected  SessionEvent = "rejected"
	SessionEventClosed    SessionEvent = "closed"
	SessionEventEvicted   SessionEvent = "evicted"
)

// AuthOutcome labels the result of an auth gate pass.
type AuthOutcome string

const (
	AuthOutcomePublic     AuthOutcome = "public"
	AuthOutcomeAuthorized AuthOutcome = "authorized"
	AuthOutcomeMissing    AuthOutcome = "missing_credential"
	AuthOutcomeRejected   AuthOutcome = "rejected"
	AuthOutcomeForbidden  AuthOutcome = "insufficient_scope"
)

// Metrics records runtime observations.
type Metrics interface {
	ObserveCall(metric CallMetric)
	ObserveSessionEvent(event SessionEvent)
	SetActiveSessions(count int)
	ObserveAuth(provider string, outcome AuthOutcome)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) ObserveCall(CallMetric) {}
func (NoopMetrics) ObserveSessionEvent(SessionEvent) {}
func (NoopMetrics) SetActiveSessions(int) {}
func (NoopMetrics) ObserveAuth(string, AuthOutcome) {}

var _ Metrics = NoopMetrics{}
