package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). Callers match with errors.Is; the concrete
// *Error below carries code/field/message for surfacing.
var (
	ErrValidation       = errors.New("validation error")
	ErrUnsupportedMedia = errors.New("unsupported media")
	ErrResource         = errors.New("resource guard tripped")
	ErrTimeout          = errors.New("operation timed out")
	ErrStore            = errors.New("store error")
	ErrStoreTransient   = errors.New("transient store error")
	ErrExternalAPI      = errors.New("external api error")
	ErrRouting          = errors.New("routing error")
	ErrSerialization    = errors.New("serialization error")
	ErrRateLimited      = errors.New("rate limited")
	ErrNotFound         = errors.New("not found")
)

// Error is the concrete error value used across the workers. Kind is one of
// the sentinels above; Code is a stable machine-readable identifier such as
// INVALID_UUID or FILE_TOO_LARGE. Status is set for external API failures.
type Error struct {
	Kind    error
	Code    string
	Field   string
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field=%s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause so that
// errors.Is works against either.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// NewValidationError reports a malformed job field.
func NewValidationError(code, field, message string) *Error {
	return &Error{Kind: ErrValidation, Code: code, Field: field, Message: message}
}

// NewRoutingError reports a job the priority router could not place.
func NewRoutingError(code, message string) *Error {
	return &Error{Kind: ErrRouting, Code: code, Message: message}
}

// NewResourceError reports a tripped memory/size/dimension guard.
func NewResourceError(code, message string) *Error {
	return &Error{Kind: ErrResource, Code: code, Message: message}
}

// NewUnsupportedMediaError reports a magic-byte or MIME mismatch.
func NewUnsupportedMediaError(code, message string) *Error {
	return &Error{Kind: ErrUnsupportedMedia, Code: code, Message: message}
}

// NewTimeoutError reports a guarded operation exceeding its budget.
func NewTimeoutError(code, message string) *Error {
	return &Error{Kind: ErrTimeout, Code: code, Message: message}
}

// NewSerializationError reports a non-encodable queue payload.
func NewSerializationError(message string, cause error) *Error {
	return &Error{Kind: ErrSerialization, Code: "SERIALIZATION_ERROR", Message: message, Cause: cause}
}

// NewStoreError wraps a list-store or relational-store failure. Transient
// failures are additionally retryable under the resilience envelope.
func NewStoreError(transient bool, op string, cause error) *Error {
	kind := ErrStore
	if transient {
		kind = ErrStoreTransient
	}
	return &Error{Kind: kind, Code: "STORE_ERROR", Message: op, Cause: cause}
}

// NewExternalAPIError wraps a model/batch API failure with its HTTP status.
func NewExternalAPIError(status int, op string, cause error) *Error {
	kind := ErrExternalAPI
	if status == 429 {
		kind = ErrRateLimited
	}
	return &Error{Kind: kind, Code: "EXTERNAL_API_ERROR", Message: fmt.Sprintf("%s: status %d", op, status), Status: status, Cause: cause}
}

// Retryable reports whether the resilience envelope should retry err.
// Transient store errors, timeouts, rate limits and 5xx external failures
// retry; validation, routing and permanent failures do not.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrRouting),
		errors.Is(err, ErrUnsupportedMedia),
		errors.Is(err, ErrResource),
		errors.Is(err, ErrSerialization),
		errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrStoreTransient),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited):
		return true
	case errors.Is(err, ErrExternalAPI):
		var de *Error
		if errors.As(err, &de) {
			return de.Status == 429 || de.Status >= 500
		}
		return false
	case errors.Is(err, ErrStore):
		return false
	}
	// Unknown errors retry under the envelope budget rather than failing
	// jobs on incidental hiccups.
	return true
}
