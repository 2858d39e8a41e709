// ABOUTME: Shared error taxonomy for control-plane services
// ABOUTME: Sentinel errors with wrap helpers, checked via errors.Is

package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors for the five failure classes every service reports.
// Callers match with errors.Is; the API layer maps them to HTTP statuses.
var (
	// ErrValidation means the input was malformed or missing required fields.
	ErrValidation = errors.New("validation failed")

	// ErrAuthorization means the caller is neither self, ancestor, nor
	// descendant as the operation requires.
	ErrAuthorization = errors.New("not authorized")

	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the requested state transition is not allowed from
	// the entity's current state.
	ErrConflict = errors.New("conflict")

	// ErrConcurrency means a conditional update lost the race against a
	// concurrent writer; the caller may re-read and retry.
	ErrConcurrency = errors.New("concurrent update conflict")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Authorizationf wraps ErrAuthorization with a formatted detail message.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Concurrencyf wraps ErrConcurrency with a formatted detail message.
func Concurrencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConcurrency, fmt.Sprintf(format, args...))
}
