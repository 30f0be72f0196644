// Package derrors defines coded domain errors shared by services and the HTTP
// layer. Services attach a Code describing what went wrong in lifecycle terms;
// transports translate codes into status lines without inspecting error text.
package derrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error. Codes are stable API; messages are not.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeInternal     Code = "internal"
	CodeTimeout      Code = "timeout"

	// Lifecycle and ingestion codes for the verification workflow.
	CodeInvalidState           Code = "invalid_state"
	CodeUnsupportedFormat      Code = "unsupported_format"
	CodePayloadTooLarge        Code = "payload_too_large"
	CodeInvalidImage           Code = "invalid_image"
	CodeConcurrentModification Code = "concurrent_modification"
	CodeExternalService        Code = "external_service"
)

// Error is a domain error with a machine-readable code. It wraps an optional
// cause so errors.Is/As keep working across layers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a domain code and message. A nil err returns nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the domain code from err, defaulting to CodeInternal for
// errors that never crossed the domain boundary.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain code to the HTTP status the public API promises.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeUnsupportedFormat, CodePayloadTooLarge, CodeInvalidImage:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConcurrentModification:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
