// Package model holds the shared domain types and the error envelope used
// across the engine, scheduler, bus, and transport layers.
package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrGraph                = "GRAPH_ERROR"
	ErrIllegalTransition    = "ILLEGAL_TRANSITION"
	ErrNoTransitionForEvent = "NO_TRANSITION_FOR_EVENT"
	ErrCircuitOpen          = "CIRCUIT_OPEN"
	ErrInsufficientFunds    = "INSUFFICIENT_FUNDS"
	ErrIdempotencyInFlight  = "IDEMPOTENCY_IN_FLIGHT"
)

// ErrorEnvelope is the standard error carried between layers and returned on
// the operational HTTP surface. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewGraphError reports a malformed transition graph (missing or ambiguous
// start state, unknown state reference). Fatal, never retried.
func NewGraphError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGraph, Message: msg}
}

// NewIllegalTransitionError reports a move with no edge connecting the
// instance's current state to the requested target.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalTransition, Message: msg}
}

// NewNoTransitionForEventError reports an event with no matching edge from
// the instance's current state. Surfaced as a client error.
func NewNoTransitionForEventError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoTransitionForEvent, Message: msg}
}

// NewCircuitOpenError is the fast-fail returned while a breaker is open.
func NewCircuitOpenError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCircuitOpen,
		Message: fmt.Sprintf("circuit breaker %q is open", key),
	}
}

// NewInsufficientFundsError is originated by the ledger collaborator and
// surfaced unchanged.
func NewInsufficientFundsError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInsufficientFunds, Message: msg}
}

// NewIdempotencyInFlightError reports a repeated request whose first
// execution has not finished yet.
func NewIdempotencyInFlightError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIdempotencyInFlight,
		Message: fmt.Sprintf("request %q is still being processed", key),
	}
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}
