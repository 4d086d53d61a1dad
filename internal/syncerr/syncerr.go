// Package syncerr defines the error categories surfaced by the sync engine.
//
// Every error that crosses a package boundary and needs to be acted on by a
// caller (HTTP status mapping, CLI exit messages, exchange state) carries a
// Code. Use errors.As or the helpers below to inspect it; wrapped errors are
// handled.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes sync errors.
type Code string

const (
	// InvalidArgument indicates a malformed cursor, config value or request.
	InvalidArgument Code = "INVALID_ARGUMENT"

	// UnknownPeer indicates the peer is not registered or is disabled.
	UnknownPeer Code = "UNKNOWN_PEER"

	// ConstraintViolation indicates a topology invariant would be broken,
	// e.g. a second parent or deleting a peer with in-flight records.
	ConstraintViolation Code = "CONSTRAINT_VIOLATION"

	// MalformedTransmission indicates a corrupt, truncated or incomplete payload.
	MalformedTransmission Code = "MALFORMED_TRANSMISSION"

	// CannotRunParallel indicates an exchange with the peer is already running.
	CannotRunParallel Code = "CANNOT_RUN_PARALLEL"

	// TransportFailure indicates the channel failed to deliver a payload.
	TransportFailure Code = "TRANSPORT_FAILURE"

	// ApplicationFailure indicates a record failed to apply on the receiving side.
	ApplicationFailure Code = "APPLICATION_FAILURE"

	// MaxRetryReached indicates a record exhausted its retry budget.
	MaxRetryReached Code = "MAX_RETRY_REACHED"

	// NotFound indicates a record or entity lookup found nothing.
	NotFound Code = "NOT_FOUND"
)

// Error is a categorized sync error.
type Error struct {
	Code    Code
	Message string

	// Details contains additional context (peer id, record id, ...).
	Details map[string]string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsUnknownPeer reports whether err is an UnknownPeer error.
func IsUnknownPeer(err error) bool { return Is(err, UnknownPeer) }

// IsCannotRunParallel reports whether err is a CannotRunParallel error.
func IsCannotRunParallel(err error) bool { return Is(err, CannotRunParallel) }

// IsMalformed reports whether err is a MalformedTransmission error.
func IsMalformed(err error) bool { return Is(err, MalformedTransmission) }

// HTTPStatus maps an error to the status the API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case InvalidArgument, MalformedTransmission:
		return http.StatusBadRequest
	case UnknownPeer, NotFound:
		return http.StatusNotFound
	case ConstraintViolation, CannotRunParallel, MaxRetryReached:
		return http.StatusConflict
	case TransportFailure:
		return http.StatusBadGateway
	case ApplicationFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
