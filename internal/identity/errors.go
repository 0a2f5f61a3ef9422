package identity

import (
	"errors"
	"fmt"
)

// Error reports a failure to resolve, validate or generate a document identity.
//
// Identity errors are never retried or papered over by falling back to a
// different strategy. They surface to whoever called Store.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// DocType is the document type alias involved, if known.
	DocType string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause (optional).
	Err error
}

// ErrorCode categorizes identity errors.
type ErrorCode string

const (
	// ErrCodeGenerationUnavailable indicates a refill or token generation could not complete.
	// The caller may retry; no allocator state was mutated.
	ErrCodeGenerationUnavailable ErrorCode = "GENERATION_UNAVAILABLE"

	// ErrCodeUnresolvableIdentity indicates a document type has no usable identity field or strategy.
	// Fatal at first use of the type.
	ErrCodeUnresolvableIdentity ErrorCode = "UNRESOLVABLE_IDENTITY"

	// ErrCodeInvalidIdentity indicates an identity value cannot be accepted as-is
	// (empty assigned key, generated value overflowing the field width).
	ErrCodeInvalidIdentity ErrorCode = "INVALID_IDENTITY"

	// ErrCodeAssignedIdentity indicates generation was requested for a caller-assigned identity.
	ErrCodeAssignedIdentity ErrorCode = "ASSIGNED_IDENTITY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocType != "" {
		msg = fmt.Sprintf("%s (type=%s)", msg, e.DocType)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewGenerationUnavailable wraps a failed refill or token generation.
func NewGenerationUnavailable(docType string, err error) *Error {
	return &Error{
		Code:    ErrCodeGenerationUnavailable,
		DocType: docType,
		Message: "identity generation unavailable",
		Err:     err,
	}
}

// NewUnresolvableIdentity reports a document type without a usable identity.
func NewUnresolvableIdentity(docType, message string) *Error {
	return &Error{
		Code:    ErrCodeUnresolvableIdentity,
		DocType: docType,
		Message: message,
	}
}

// NewInvalidIdentity reports an identity value that cannot be used.
func NewInvalidIdentity(docType, message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidIdentity,
		DocType: docType,
		Message: message,
	}
}

// IsGenerationUnavailable returns true if err is (or wraps) a GENERATION_UNAVAILABLE error.
func IsGenerationUnavailable(err error) bool {
	return hasCode(err, ErrCodeGenerationUnavailable)
}

// IsUnresolvableIdentity returns true if err is (or wraps) an UNRESOLVABLE_IDENTITY error.
func IsUnresolvableIdentity(err error) bool {
	return hasCode(err, ErrCodeUnresolvableIdentity)
}

// IsInvalidIdentity returns true if err is (or wraps) an INVALID_IDENTITY error.
func IsInvalidIdentity(err error) bool {
	return hasCode(err, ErrCodeInvalidIdentity)
}

// IsAssignedIdentity returns true if err is (or wraps) an ASSIGNED_IDENTITY error.
func IsAssignedIdentity(err error) bool {
	return hasCode(err, ErrCodeAssignedIdentity)
}

func hasCode(err error, code ErrorCode) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}
