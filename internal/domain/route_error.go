package domain

import (
	"errors"
	"fmt"
)

// RouteStage names the dispatch step that failed.
type RouteStage string

const (
	RouteStageLookup   RouteStage = "lookup"
	RouteStageValidate RouteStage = "validate"
	RouteStageAuth     RouteStage = "auth"
	RouteStageCall     RouteStage = "call"
	RouteStagePersist  RouteStage = "persist"
)

// RouteError tags a dispatch failure with the stage that produced it.
type RouteError struct {
	Stage RouteStage
	Err   error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// NewRouteError tags err with stage. An error that already carries a stage
// keeps the original one.
func NewRouteError(stage RouteStage, err error) error {
	if err == nil {
		return nil
	}
	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		return err
	}
	return &RouteError{Stage: stage, Err: err}
}

// RouteStageFrom reports the stage err was tagged with.
func RouteStageFrom(err error) (RouteStage, bool) {
	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		return routeErr.Stage, true
	}
	return "", false
}
