package fetch

import (
	"errors"
	"fmt"
)

// Code classifies a failed request.
type Code string

const (
	CodeNetwork Code = "NETWORK_ERROR"
	CodeTimeout Code = "TIMEOUT_ERROR"
	CodeHTTP    Code = "HTTP_ERROR"
	CodeParse   Code = "PARSE_ERROR"
)

var (
	// ErrTimeout matches every error caused by a request timing out.
	ErrTimeout = &Error{Code: CodeTimeout}
	// ErrNetwork matches every transport failure other than a timeout.
	ErrNetwork = &Error{Code: CodeNetwork}
	// ErrParse matches every response body that could not be decoded.
	ErrParse = &Error{Code: CodeParse}
)

// Error is returned by every failed request.
type Error struct {
	Code    Code
	Message string
	// Status is the HTTP status, when a response was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Temporary reports whether retrying may help.
func (e *Error) Temporary() bool {
	return e.Code == CodeNetwork || e.Code == CodeTimeout
}
