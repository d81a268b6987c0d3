package router

import (
	"errors"
	"fmt"
)

// ErrNoRoute is matched by every *NoRouteError.
var ErrNoRoute = errors.New("no route")

// ErrInvalidRule indicates a rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid route rule")

// NoRouteError is returned when no rule matches a host and path.
type NoRouteError struct {
	Host string
	Path string
}

// Error implements the error interface.
func (e *NoRouteError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("no route found for path %s", e.Path)
	}
	return fmt.Sprintf("no route found for host %s path %s", e.Host, e.Path)
}

// Is checks if the error matches the target.
func (e *NoRouteError) Is(target error) bool {
	if target == ErrNoRoute {
		return true
	}
	_, ok := target.(*NoRouteError)
	return ok
}

// RuleError reports why a single rule was rejected.
type RuleError struct {
	Rule    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	msg := fmt.Sprintf("route %q: %s", e.Rule, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *RuleError) Is(target error) bool {
	return target == ErrInvalidRule
}
