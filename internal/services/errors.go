package services

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the configuration and entity stores when a
// record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRecursionLimit marks a dispatch chain that re-triggered itself past the
// configured depth.
var ErrRecursionLimit = errors.New("workflow recursion limit exceeded")

// ErrInvalidInput rejects a malformed ticket or asset mutation.
var ErrInvalidInput = errors.New("invalid input")

// ErrSweepInProgress is returned when a sweep is requested while another one
// is still running.
var ErrSweepInProgress = errors.New("sla sweep already running")

// ConfigurationError rejects a malformed rule or policy at write time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ActionErrorKind classifies why an action failed.
type ActionErrorKind string

const (
	ActionInvalidParams ActionErrorKind = "invalid_params"
	ActionTimeout       ActionErrorKind = "timeout"
	ActionCollaborator  ActionErrorKind = "collaborator"
)

// ActionError is a single failed action. It never aborts a dispatch.
type ActionError struct {
	Kind       ActionErrorKind
	ActionType string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed (%s): %v", e.ActionType, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func invalidParams(actionType, format string, args ...interface{}) *ActionError {
	return &ActionError{Kind: ActionInvalidParams, ActionType: actionType, Err: fmt.Errorf(format, args...)}
}

// RecursionLimitError carries the chain of triggers that exceeded the cap.
type RecursionLimitError struct {
	Depth int
	Chain []string
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("%v: depth %d via %v", ErrRecursionLimit, e.Depth, e.Chain)
}

func (e *RecursionLimitError) Unwrap() error { return ErrRecursionLimit }
