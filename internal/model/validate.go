package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateIDs checks that every named identifier is non-blank.
// Pairs are given as field, value, field, value...
func ValidateIDs(pairs ...string) error {
	var ve ValidationError
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			ve.Errors = append(ve.Errors, FieldError{Field: pairs[i], Message: "is required"})
		}
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateRunMeta checks a RunMeta for constraint violations before it is stored.
func ValidateRunMeta(m *RunMeta) error {
	if m == nil {
		return &ValidationError{Errors: []FieldError{{Field: "meta", Message: "is required"}}}
	}
	var ve ValidationError

	if strings.TrimSpace(m.RunID) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "run_id", Message: "is required"})
	}
	if strings.TrimSpace(m.Kind) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "kind", Message: "is required"})
	}
	if !m.Status.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "status",
			Message: fmt.Sprintf("invalid value %q", m.Status),
		})
	}
	if m.LastSeq < 0 {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "last_seq",
			Message: fmt.Sprintf("must be non-negative, got %d", m.LastSeq),
		})
	}
	if m.Status.IsTerminal() && m.EndedAt == nil {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "ended_at",
			Message: "is required when status is terminal",
		})
	}
	if len(m.Input) > 0 && !json.Valid(m.Input) {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "input",
			Message: "contains invalid JSON",
		})
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateRateLimitConfig rejects negative limits.
func ValidateRateLimitConfig(c RateLimitConfig) error {
	var ve ValidationError
	if c.MaxRequestsPerMinute < 0 {
		ve.Errors = append(ve.Errors, FieldError{Field: "max_requests_per_minute", Message: "must be non-negative"})
	}
	if c.MaxConcurrentRequests < 0 {
		ve.Errors = append(ve.Errors, FieldError{Field: "max_concurrent_requests", Message: "must be non-negative"})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}
