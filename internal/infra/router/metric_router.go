package router

import (
	"context"
	"time"

	"mcpkit/internal/domain"
)

// Caller dispatches one call.
type Caller interface {
	Dispatch(ctx context.Context, req domain.CallRequest) domain.CallResult
}

// unknownCapability replaces names that matched no entry so client input
// cannot grow label cardinality.
const unknownCapability = "_unknown"

// MetricDispatcher records the outcome and duration of every call.
type MetricDispatcher struct {
	inner   Caller
	metrics domain.Metrics
}

func NewMetricDispatcher(inner Caller, metrics domain.Metrics) *MetricDispatcher {
	return &MetricDispatcher{
		inner:   inner,
		metrics: metrics,
	}
}

func (d *MetricDispatcher) Dispatch(ctx context.Context, req domain.CallRequest) domain.CallResult {
	start := time.Now()
	result := d.inner.Dispatch(ctx, req)
	d.observe(req, result, time.Since(start))
	return result
}

func (d *MetricDispatcher) observe(req domain.CallRequest, result domain.CallResult, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	outcome := domain.OutcomeFor(result)
	name := req.Name
	if outcome == domain.CallOutcome(domain.CallErrorNotFound) {
		name = unknownCapability
	}
	d.metrics.ObserveCall(domain.CallMetric{
		Kind:     req.Kind,
		Name:     name,
		Outcome:  outcome,
		Duration: duration,
	})
}

var (
	_ Caller = (*Dispatcher)(nil)
	_ Caller = (*MetricDispatcher)(nil)
)
