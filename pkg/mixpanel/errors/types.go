package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the SDK.
var (
	// ErrMissingToken indicates a message was recorded before a project token was set.
	ErrMissingToken = errors.New("mixpanel token not set")

	// ErrClosed indicates the client or queue has been closed.
	ErrClosed = errors.New("mixpanel client closed")

	// ErrRejected indicates the server accepted the request but refused the batch
	// (a "0" response body).
	ErrRejected = errors.New("batch rejected by server")
)

// HTTPError represents a non-success HTTP response from the ingestion API.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NetworkError indicates the request failed before a response was read.
type NetworkError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error at %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// PersistenceError indicates local storage could not be read or written.
// The SDK logs it and continues with in-memory state.
type PersistenceError struct {
	// Op is the storage operation ("load", "save", "append", "remove").
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SerializationError indicates a property value could not be converted to
// JSON. The message carrying it is dropped.
type SerializationError struct {
	Field string
	Value any
	Err   error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cannot serialize property %q (%T): %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("cannot serialize value (%T): %v", e.Value, e.Err)
}

// Unwrap returns the underlying encoding error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}
