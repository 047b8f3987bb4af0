package types

import (
	"fmt"
	"time"
)

// Error type tags carried on the wire. Handlers and clients switch on these
// rather than on message text.
const (
	ErrActionMissingArgument      = "ActionMissingArgument"
	ErrActionMissingFile          = "ActionMissingFile"
	ErrActionNotImplemented       = "ActionNotImplemented"
	ErrActionFailed               = "ActionFailed"
	ErrAdminCommandNotImplemented = "AdminCommandNotImplemented"
	ErrStepTimeout                = "StepTimeout"
	ErrTransport                  = "TransportError"
	ErrValidation                 = "ValidationError"
	ErrUnknownNode                = "UnknownNode"
	ErrInternal                   = "InternalError"
)

// Error is the uniform failure envelope used across workflows, steps, nodes
// and clients.
type Error struct {
	Message   string         `json:"message"`
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details,omitempty"`
	LoggedAt  time.Time      `json:"logged_at"`
}

// NewError builds an Error with the current timestamp.
func NewError(errorType, format string, args ...any) Error {
	return Error{
		Message:   fmt.Sprintf(format, args...),
		ErrorType: errorType,
		LoggedAt:  Now(),
	}
}

// ErrorFrom wraps a Go error into an envelope.
func ErrorFrom(errorType string, err error) Error {
	return NewError(errorType, "%s", err.Error())
}

// Error implements the error interface so envelopes can travel as Go errors.
func (e Error) Error() string {
	if e.ErrorType == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
}
