package services

import (
	"context"
	"errors"

	"mcpkit/internal/infra/registrar"
	"mcpkit/internal/infra/session"
)

const counterKey = "counter.value"

var errNoSession = errors.New("counter needs a session")

func init() {
	registrar.Define((*CounterService)(nil),
		registrar.Tool("Increment", registrar.Describe("Add to this session's counter and return the new value")),
		registrar.Tool("Reset", registrar.Describe("Set this session's counter back to zero")),
		registrar.Resource("Current", "counter://current", registrar.MIMEType("text/plain")),
	)
}

type IncrementInput struct {
	By int64 `json:"by" constraint:"minimum=1,maximum=1000" default:"1"`
}

type CounterValue struct {
	Value int64 `json:"value"`
}

// CounterService keeps one counter per session. The value lives in session
// data, so it survives a restart when the session backend is persistent.
type CounterService struct{}

func (CounterService) Increment(ctx context.Context, in IncrementInput) (CounterValue, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return CounterValue{}, errNoSession
	}
	value := sess.Int(counterKey) + in.By
	sess.Set(counterKey, value)
	return CounterValue{Value: value}, nil
}

func (CounterService) Reset(ctx context.Context) (CounterValue, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return CounterValue{}, errNoSession
	}
	sess.Delete(counterKey)
	return CounterValue{}, nil
}

func (CounterService) Current(ctx context.Context) (CounterValue, error) {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return CounterValue{}, errNoSession
	}
	return CounterValue{Value: sess.Int(counterKey)}, nil
}
