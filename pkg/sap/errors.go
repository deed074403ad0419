package sap

import (
	"errors"
	"fmt"
)

// ErrUnknownTemplate is returned when a template name does not exist in the
// profile for the requested kind.
var ErrUnknownTemplate = errors.New("template not found in profile")

// ErrMalformedDocument is returned when a profile file cannot be decoded.
var ErrMalformedDocument = errors.New("malformed profile document")

// UnboundVariableError reports a template variable that has neither a
// forced binding nor a default value at resolution time.
type UnboundVariableError struct {
	Variable string
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable %q: no forced binding and no default", e.Variable)
}

// ValidationError reports a structural problem found while validating a
// profile document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid profile: %s: %s", e.Field, e.Reason)
}
