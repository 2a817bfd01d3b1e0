// Package errors provides the error types used across attackmap.
// Errors carry a Kind so callers can branch on the category of failure
// without string matching.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all attackmap errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "attack.Ingest")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindNetwork
	KindTimeout
	KindParse
	KindIngestion
	KindStorage
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindIngestion:
		return "ingestion"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Message != "" && e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// Two *Error values match when their kinds are equal and, if the target
// carries a message, the messages are equal too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op first, then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
			if e.Kind == KindUnknown {
				e.Kind = GetKind(a)
			}
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with the operation name, keeping its kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind != KindUnknown || e.Err == nil {
			return e.Kind
		}
		return GetKind(e.Err)
	}
	return KindUnknown
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsRetryable checks if the error is worth retrying.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// Is is errors.Is, re-exported so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNotInitialized is returned when the taxonomy index is used before ingestion.
	ErrNotInitialized = &Error{Kind: KindIngestion, Message: "taxonomy index not initialized"}

	// ErrBundleMalformed is returned when a taxonomy bundle cannot be decoded.
	ErrBundleMalformed = &Error{Kind: KindParse, Message: "malformed taxonomy bundle"}

	// ErrInvalidTechniqueID is returned for IDs that do not match T####[.###].
	ErrInvalidTechniqueID = &Error{Kind: KindInvalidInput, Message: "invalid technique id"}

	// ErrProductNotFound is returned when a product does not exist.
	ErrProductNotFound = &Error{Kind: KindNotFound, Message: "product not found"}

	// ErrNoMatch is returned by adapters that found nothing for a product.
	ErrNoMatch = &Error{Kind: KindNotFound, Message: "no match"}

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}
)
