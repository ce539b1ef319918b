package migration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a missing snapshot or migration id.
	ErrNotFound = errors.New("not found")

	// ErrMalformed indicates a snapshot document or history record that cannot be parsed.
	ErrMalformed = errors.New("malformed")

	// ErrValidationFailed indicates validation produced at least one issue.
	ErrValidationFailed = errors.New("validation failed")

	// ErrUnsupportedLanguage indicates an unknown template target language.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrIO indicates a store read or write failure.
	ErrIO = errors.New("io failure")
)

// NotFoundError names the kind of entity that was missing.
type NotFoundError struct {
	Kind string // "snapshot" or "migration"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MalformedError wraps a decode failure for a stored document.
type MalformedError struct {
	Kind string
	ID   string
	Err  error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed %s %s", e.Kind, e.ID)
	}
	return fmt.Sprintf("malformed %s %s: %v", e.Kind, e.ID, e.Err)
}

// Is matches ErrMalformed.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// ValidationError carries the full, untruncated issue list that blocked an operation.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation found %d potential data loss or type incompatibility issue(s): %s",
		len(e.Issues), strings.Join(e.Issues, "; "))
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// UnsupportedLanguageError reports an unknown template language.
type UnsupportedLanguageError struct {
	Language  string
	Supported []string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language %q; use one of %s", e.Language, strings.Join(e.Supported, ", "))
}

// Is matches ErrUnsupportedLanguage.
func (e *UnsupportedLanguageError) Is(target error) bool { return target == ErrUnsupportedLanguage }

// IOError wraps a backend failure during the named operation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Is matches ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }
