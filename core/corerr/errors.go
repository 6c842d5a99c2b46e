// Package corerr provides the structured error taxonomy used across the
// signal dispatch substrate, adapted from the host application's
// ServiceError convention: a stable Code, a human message, and an
// optional wrapped cause.
package corerr

import "fmt"

// Code identifies a class of failure. Codes are grouped by subsystem so a
// log line or ack can be triaged without parsing the message.
type Code string

const (
	// Dispatch/bus errors (1xxx).
	CodeInvalidDispatcher Code = "DISPATCH_1001"
	CodeDuplicateHandler  Code = "DISPATCH_1002"
	CodeDefaultMessage    Code = "DISPATCH_1003"
	CodeSchemaViolation   Code = "DISPATCH_1004"

	// Routing errors (2xxx).
	CodeRouteFailed   Code = "ROUTING_2001"
	CodeDuplicateRoute Code = "ROUTING_2002"
	CodeRouteNotFound Code = "ROUTING_2003"

	// Transaction/entity errors (3xxx).
	CodeConstraintViolated       Code = "TRANSACTION_3001"
	CodeHandlerFailedUnexpectedly Code = "TRANSACTION_3002"
	CodeEntityStateCorrupted    Code = "TRANSACTION_3003"
	CodeVersionConflict         Code = "TRANSACTION_3004"

	// Inbox/delivery errors (4xxx).
	CodeShardUnavailable Code = "INBOX_4001"
	CodeSessionExpired   Code = "INBOX_4002"
	CodeStorageUnreachable Code = "INBOX_4003"

	// Catch-up errors (5xxx).
	CodeCatchUpInvalidRequest Code = "CATCHUP_5001"
	CodeCatchUpNotStarted     Code = "CATCHUP_5002"
)

// CoreError is the structured error type carried on Ack.Error and on
// diagnostic events.
type CoreError struct {
	Code    Code
	Message string
	Cause   error

	// SignalID is the id of the signal that failed, when known.
	SignalID string
}

// New creates a CoreError with no underlying cause.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap creates a CoreError around an underlying cause.
func Wrap(code Code, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, Cause: cause}
}

// WithSignal returns a copy of e annotated with the failing signal id.
func (e *CoreError) WithSignal(id string) *CoreError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.SignalID = id
	return &cp
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *CoreError) Unwrap() error {
	return e.Cause
}
