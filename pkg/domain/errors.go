package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrDetectorUnavailable  = errors.New("detector unavailable")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrViolation            = errors.New("content policy violation")
	ErrPolicyNotFound       = errors.New("policy not found")
	ErrCategoryNotFound     = errors.New("category not found")
)

// DetectorError reports that a detector could not produce a result. It matches
// ErrDetectorUnavailable and unwraps to the underlying cause.
type DetectorError struct {
	Detector string
	Err      error
}

func (e *DetectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("detector %s: %s", e.Detector, ErrDetectorUnavailable)
	}
	return fmt.Sprintf("detector %s: %s: %v", e.Detector, ErrDetectorUnavailable, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDetectorUnavailable.
func (e *DetectorError) Is(target error) bool {
	return target == ErrDetectorUnavailable
}

// ConfigError reports an invalid policy or detector configuration. It is only
// ever returned at construction time.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidConfiguration, msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfiguration, e.Field, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// InvalidConfig is shorthand for constructing a *ConfigError.
func InvalidConfig(field, format string, args ...any) error {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ViolationError carries a Violation through error-returning call paths.
// The engine never returns it from Evaluate; hosts obtain it via
// PolicyResult.Err.
type ViolationError struct {
	Violation Violation
}

func (e *ViolationError) Error() string {
	if e.Violation.Policy != "" {
		return fmt.Sprintf("%s: policy %s: category %s (%d matches)", ErrViolation, e.Violation.Policy, e.Violation.Category, len(e.Violation.Matches))
	}
	return fmt.Sprintf("%s: category %s (%d matches)", ErrViolation, e.Violation.Category, len(e.Violation.Matches))
}

// Is reports whether target is ErrViolation.
func (e *ViolationError) Is(target error) bool {
	return target == ErrViolation
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// It intentionally avoids exposing evaluated text while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., POLICY_NOT_FOUND)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
