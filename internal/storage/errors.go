package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks failures caused by missing or invalid configuration: no credential,
	// no path mapping, no worksheet resolver for the selected backend.
	ErrConfig = errors.New("storage: configuration error")
	// ErrBackend marks failures of the backend itself: unreachable spreadsheet, unwritable
	// file, unusable credential.
	ErrBackend = errors.New("storage: backend error")
	// ErrConflict marks a save refused because the authoritative copy changed since the
	// session last observed it.
	ErrConflict = errors.New("storage: conflict")
)

const (
	opEnsureTable = "storage.ensure_table"
	opSaveTable   = "storage.save_table"
)

// StoreError carries a stable code alongside the error kind and its cause.
type StoreError struct {
	code  string
	kind  error
	cause error
}

func (e *StoreError) Error() string {
	if e.cause == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.cause)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (e *StoreError) Unwrap() []error {
	unwrapped := []error{e.kind}
	if e.cause != nil {
		unwrapped = append(unwrapped, e.cause)
	}
	return unwrapped
}

// Code returns the stable error code, e.g. "storage.save_table.missing_path".
func (e *StoreError) Code() string {
	return e.code
}

// NewConfigError builds a StoreError of kind ErrConfig.
func NewConfigError(operation, reason string, cause error) error {
	return newStoreError(operation, reason, ErrConfig, cause)
}

// NewBackendError builds a StoreError of kind ErrBackend.
func NewBackendError(operation, reason string, cause error) error {
	return newStoreError(operation, reason, ErrBackend, cause)
}

func newStoreError(operation, reason string, kind, cause error) error {
	return &StoreError{
		code:  fmt.Sprintf("%s.%s", operation, reason),
		kind:  kind,
		cause: cause,
	}
}

// ConflictError reports a refused save. Expected is the fingerprint the session recorded,
// Current the fingerprint of the authoritative copy at save time.
type ConflictError struct {
	Table    string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: table %q changed since it was loaded (expected %s, found %s)", e.Table, e.Expected, e.Current)
}

// Is reports ErrConflict as a match so callers can use errors.Is.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ErrorCode extracts the code of a StoreError, "storage.conflict" for conflicts, or "" otherwise.
func ErrorCode(err error) string {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return "storage.conflict"
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code()
	}
	return ""
}
