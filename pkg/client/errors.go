package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies client errors
type ErrorKind string

const (
	// ErrorKindInvalidSubscriptionTemplate reports a subscribe call that
	// named an update template
	ErrorKindInvalidSubscriptionTemplate ErrorKind = "invalid_subscription_template"

	// ErrorKindTransportFailure reports a connect, timeout or protocol
	// failure below the broker
	ErrorKindTransportFailure ErrorKind = "transport_failure"

	// ErrorKindBrokerRejected reports an explicit error body returned by
	// the broker
	ErrorKindBrokerRejected ErrorKind = "broker_rejected"

	// ErrorKindUnknownSubscription reports an unsubscribe for an id that
	// is not registered
	ErrorKindUnknownSubscription ErrorKind = "unknown_subscription"

	// ErrorKindConnectionLost reports the loss of the connection backing
	// an active subscription
	ErrorKindConnectionLost ErrorKind = "connection_lost"
)

// Error is a classified client error
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a client Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == kind
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
