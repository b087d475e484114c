package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors mapped from storage service status codes.
var (
	// ErrNotFound is returned when the storage service answers 404.
	ErrNotFound = errors.New("file not found")
	// ErrAccessDenied is returned when the storage service answers 403 or
	// reports entity_has_access=false.
	ErrAccessDenied = errors.New("access denied")
)

// StatusError reports an unexpected non-2xx answer from the storage service.
type StatusError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("storage returned %d: %s", e.Code, e.Message)
}

// statusToError maps a storage response status to an error. 2xx maps to nil.
func statusToError(code int, message string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case code == 403:
		return fmt.Errorf("%w: %s", ErrAccessDenied, message)
	default:
		return &StatusError{Code: code, Message: message}
	}
}
