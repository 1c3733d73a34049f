package adapter

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// ErrorCategory classifies adapter failures consistently across dialects.
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "TRANSIENT"  // retry may succeed
	CategoryTimeout    ErrorCategory = "TIMEOUT"    // deadline hit
	CategoryAuth       ErrorCategory = "AUTH"       // unauthorized
	CategoryPermission ErrorCategory = "PERMISSION" // forbidden
	CategoryNotFound   ErrorCategory = "NOT_FOUND"  // resource missing
	CategoryValidation ErrorCategory = "VALIDATION" // bad input
	CategoryPermanent  ErrorCategory = "PERMANENT"  // will never succeed
)

// APIError is a failure from one dialect attempt, carrying enough context to
// audit which endpoint produced it.
type APIError struct {
	Operation string
	Dialect   catalog.Dialect
	Status    int
	Category  ErrorCategory
	Message   string
	Cause     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("APIError: %s [%s] %s (status %d): %s",
			e.Operation, e.Dialect, e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("APIError: %s [%s] %s: %s", e.Operation, e.Dialect, e.Category, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// retriable reports whether a same-dialect retry may help.
func (e *APIError) retriable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryTimeout
}

// fallbackable reports whether the alternate dialect should be tried:
// forbidden, not-found, unauthorized, or a retriable network failure.
func (e *APIError) fallbackable() bool {
	switch e.Category {
	case CategoryPermission, CategoryNotFound, CategoryAuth, CategoryTransient, CategoryTimeout:
		return true
	default:
		return false
	}
}

// CombinedError reports that every dialect attempt failed; the last attempt
// is the proximate cause.
type CombinedError struct {
	Operation string
	Attempts  []*APIError
}

func (e *CombinedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("APIError: %s: all dialects failed: %s", e.Operation, strings.Join(parts, "; "))
}

func (e *CombinedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// AuthFailure reports that no credential method produced a usable token.
type AuthFailure struct {
	Message string
	Causes  []error
}

func (e *AuthFailure) Error() string {
	return "AuthFailure: " + e.Message
}

// classifyStatus maps an HTTP status to the taxonomy.
func classifyStatus(status int) ErrorCategory {
	switch {
	case status == 401:
		return CategoryAuth
	case status == 403:
		return CategoryPermission
	case status == 404:
		return CategoryNotFound
	case status == 408 || status == 429:
		return CategoryTransient
	case status >= 400 && status < 500:
		return CategoryValidation
	case status >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// classifyNetErr maps a transport-level error to the taxonomy. Timeouts are
// retriable.
func classifyNetErr(err error) ErrorCategory {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	return CategoryTransient
}

func asAPIError(op string, dialect catalog.Dialect, err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return &APIError{
		Operation: op,
		Dialect:   dialect,
		Category:  classifyNetErr(err),
		Message:   err.Error(),
		Cause:     err,
	}
}
