// Package errors classifies SDK failures and implements the bounded retry
// policy used when delivering batches.
//
// Failures fall into a small set of kinds:
//   - PersistenceError: local storage unreadable or unwritable
//   - NetworkError: the request never produced a usable response
//   - HTTPError: the server answered with a non-success status
//   - SerializationError: a property value has no JSON representation
//
// Each kind maps to a Category. Transient failures are retried and the
// messages stay queued; permanent failures are not retried.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates a later attempt will likely succeed.
	// Examples: timeouts, connection resets, 429 and 5xx responses.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retrying the same payload won't help.
	// Examples: malformed batches, revoked tokens, unencodable values.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408, httpErr.StatusCode == 429:
			return CategoryTransient
		case httpErr.StatusCode >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	// Serialization, persistence, cancellation and unknown errors.
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether the server refused the payload itself, as
// opposed to the request failing on the way. Cancellation and local errors
// are neither retryable nor a rejection.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return Categorize(httpErr) == CategoryPermanent
	}
	return errors.Is(err, ErrRejected)
}
