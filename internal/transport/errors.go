package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed remote call
type ErrorKind string

const (
	// KindTransport covers connection failures, timeouts and 5xx/429
	// responses. These are retried.
	KindTransport ErrorKind = "transport"

	// KindProtocol covers well-formed error responses and bodies that cannot
	// be decoded. These are never retried.
	KindProtocol ErrorKind = "protocol"
)

// Error is returned by every Client operation that fails
type Error struct {
	Kind ErrorKind
	Op   string

	// StatusCode is the HTTP status of the last attempt, zero when no
	// response was received
	StatusCode int
	Attempts   int
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error during %s (HTTP %d, %d attempt(s)): %v",
			e.Kind, e.Op, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s error during %s (%d attempt(s)): %v", e.Kind, e.Op, e.Attempts, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport error
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTransport
}

// IsProtocol reports whether err is a protocol error
func IsProtocol(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindProtocol
}

// StatusCode returns the HTTP status carried by err, or zero
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// Attempts returns how many attempts were made before err, or zero
func Attempts(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Attempts
	}
	return 0
}
