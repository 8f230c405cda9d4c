// Package errs defines the error kinds shared by the keyring, the image
// encryption service and the rotation engine.
//
// Callers wrap these sentinels with fmt.Errorf("...: %w", err) and test for them
// with errors.Is. Messages never carry key material.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key, image or rotation id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an action would violate an exclusivity or
	// lifecycle invariant.
	ErrConflict = errors.New("conflict")
	// ErrNoActiveKey is returned by the encrypt path when no key is active.
	ErrNoActiveKey = errors.New("no active encryption key")
	// ErrAuthenticationFailure is returned when AEAD tag verification fails.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrKeyNotFound is returned at decrypt time when the referenced key record
	// or its material is gone.
	ErrKeyNotFound = errors.New("encryption key not found")
	// ErrStorageFailure wraps object-storage and metadata-store I/O errors.
	ErrStorageFailure = errors.New("storage failure")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Category names used for metric labels, rotation failure reasons and API codes.
const (
	CategoryNotFound       = "not_found"
	CategoryConflict       = "conflict"
	CategoryNoActiveKey    = "no_active_key"
	CategoryAuthentication = "authentication_failure"
	CategoryKeyNotFound    = "key_not_found"
	CategoryStorage        = "storage_failure"
	CategoryInvalid        = "invalid_argument"
	CategoryCancelled      = "cancelled"
	CategoryInternal       = "internal"
)

// Category maps an error to its coarse category. ErrKeyNotFound is checked
// before ErrNotFound so a purged key is never reported as a plain lookup miss.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKeyNotFound):
		return CategoryKeyNotFound
	case errors.Is(err, ErrAuthenticationFailure):
		return CategoryAuthentication
	case errors.Is(err, ErrNoActiveKey):
		return CategoryNoActiveKey
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrStorageFailure):
		return CategoryStorage
	case errors.Is(err, ErrInvalidArgument):
		return CategoryInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}

// Storage wraps err as a storage failure unless it already carries a kind.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	if Category(err) != CategoryInternal {
		return err
	}
	return &kindError{kind: ErrStorageFailure, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
