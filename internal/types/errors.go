package types

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced as structured failure responses.
var (
	ErrInvalidHostname = errors.New("invalid hostname")
	ErrInvalidMode     = errors.New("invalid mode")
	ErrNoActiveTab     = errors.New("no active tab")
	ErrInvalidSender   = errors.New("invalid sender tab")
	ErrContextClosed   = errors.New("audio context closed")
	ErrOutdatedClient  = errors.New("content script outdated")
	ErrNotConnected    = errors.New("not connected")
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"` // JSON path, e.g. "settings.volume"
	Message string `json:"message"`
	Value   any    `json:"value"`
}

// ValidationError is returned when a request fails validation. It is sent
// to the client as the response details.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError returns an empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{Errors: []FieldError{}}
}

// Add records a rejected field.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message, Value: value})
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, strings.TrimSpace(e.Field+" "+e.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
