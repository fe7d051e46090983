// Package faults defines the error taxonomy shared by every layer.
//
// Lower layers wrap platform and infrastructure errors into one of these
// kinds; the API facade serializes them and never leaks inner error shapes
// to clients. Cross-tenant reads are reported as not-found, never forbidden.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity classifies operator impact, not HTTP status.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// FieldError carries one request-validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single error currency of the service.
type Error struct {
	Code        string                 `json:"code"`
	Title       string                 `json:"error"`
	Message     string                 `json:"message"`
	StatusCode  int                    `json:"statusCode"`
	Severity    Severity               `json:"severity"`
	Details     map[string]interface{} `json:"details,omitempty"`
	FieldErrors []FieldError           `json:"fieldErrors,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`

	retryable  bool
	retryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error. Returns e for chaining.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail adds one key to Details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithSuggestion appends an operator-facing remediation hint.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// Retryable reports whether the orchestrator may retry the operation.
func (e *Error) Retryable() bool { return e.retryable }

// RetryAfter returns the platform-mandated delay, zero when none was given.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// =============================================================================
// Constructors — one per taxonomy kind
// =============================================================================

// NotFound builds the resource-parameterized not-found error. The message is
// deliberately identical for "does not exist" and "belongs to someone else".
func NotFound(resource string) *Error {
	return &Error{
		Code:       strings.ToUpper(strings.ReplaceAll(resource, " ", "_")) + "_NOT_FOUND",
		Title:      titleCase(resource) + " not found",
		Message:    fmt.Sprintf("The requested %s does not exist or you do not have access to it", strings.ToLower(resource)),
		StatusCode: 404,
		Severity:   SeverityInfo,
	}
}

// Unauthorized is returned when no valid identity accompanies a request.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{
		Code:       "UNAUTHORIZED",
		Title:      "Unauthorized",
		Message:    message,
		StatusCode: 401,
		Severity:   SeverityWarning,
	}
}

// Forbidden is reserved for same-tenant permission gaps. Cross-tenant access
// must use NotFound instead.
func Forbidden(message string) *Error {
	return &Error{
		Code:       "FORBIDDEN",
		Title:      "Forbidden",
		Message:    message,
		StatusCode: 403,
		Severity:   SeverityWarning,
	}
}

// Validation carries field-level errors. Never retried.
func Validation(fieldErrors []FieldError) *Error {
	return &Error{
		Code:        "VALIDATION_FAILED",
		Title:       "Validation failed",
		Message:     "One or more request fields are invalid",
		StatusCode:  400,
		Severity:    SeverityInfo,
		FieldErrors: fieldErrors,
	}
}

// TransientPlatform marks a retryable upstream failure.
func TransientPlatform(platform string, cause error) *Error {
	return (&Error{
		Code:       "PLATFORM_UNAVAILABLE",
		Title:      "Platform temporarily unavailable",
		Message:    fmt.Sprintf("The %s API returned a transient error", platform),
		StatusCode: 502,
		Severity:   SeverityWarning,
		retryable:  true,
	}).WithDetail("platform", platform).WithCause(cause)
}

// RateLimited carries the reset instant so jobs reschedule instead of retry.
func RateLimited(platform string, resetAt time.Time) *Error {
	delay := time.Until(resetAt)
	if delay < 0 {
		delay = 0
	}
	return (&Error{
		Code:       "RATE_LIMITED",
		Title:      "Rate limited",
		Message:    fmt.Sprintf("The %s API rate limit was hit", platform),
		StatusCode: 429,
		Severity:   SeverityWarning,
		retryable:  true,
		retryAfter: delay,
	}).WithDetail("platform", platform).WithDetail("resetAt", resetAt.UTC().Format(time.RFC3339))
}

// ExpiredCredentials signals that a refresh attempt is required (or, when
// refresh already failed, that the connection must move to expired).
func ExpiredCredentials(platform string) *Error {
	return (&Error{
		Code:       "CREDENTIALS_EXPIRED",
		Title:      "Credentials expired",
		Message:    fmt.Sprintf("Stored credentials for %s have expired", platform),
		StatusCode: 401,
		Severity:   SeverityWarning,
	}).WithDetail("platform", platform).
		WithSuggestion("Reconnect the platform to issue fresh credentials")
}

// PermanentAuth marks an unrecoverable authentication failure.
func PermanentAuth(platform string, cause error) *Error {
	return (&Error{
		Code:       "AUTH_PERMANENT_FAILURE",
		Title:      "Authentication failed",
		Message:    fmt.Sprintf("Authentication against %s failed permanently", platform),
		StatusCode: 401,
		Severity:   SeverityError,
	}).WithDetail("platform", platform).WithCause(cause).
		WithSuggestion("Disconnect and reconnect the platform")
}

// MissingPermissions reports a partially functional connection. Discovery
// continues; the run is marked with a warning.
func MissingPermissions(platform string, permissions []string) *Error {
	return (&Error{
		Code:       "MISSING_PERMISSIONS",
		Title:      "Missing permissions",
		Message:    fmt.Sprintf("The %s connection lacks %d required permission(s)", platform, len(permissions)),
		StatusCode: 200,
		Severity:   SeverityWarning,
	}).WithDetail("platform", platform).WithDetail("missingPermissions", permissions).
		WithSuggestion("Re-authorize the connection granting the listed scopes")
}

// Integrity quarantines a credential whose stored hash no longer verifies.
func Integrity(connectionID string) *Error {
	return (&Error{
		Code:       "CREDENTIAL_INTEGRITY_FAILURE",
		Title:      "Credential integrity failure",
		Message:    "Stored credential failed its integrity check and has been quarantined",
		StatusCode: 500,
		Severity:   SeverityCritical,
	}).WithDetail("connectionId", connectionID).
		WithSuggestion("Rotate the master key and reconnect the platform")
}

// Invariant marks a fatal connector contract violation requiring human review.
func Invariant(detail string) *Error {
	return &Error{
		Code:       "INVARIANT_VIOLATION",
		Title:      "Invariant violation",
		Message:    detail,
		StatusCode: 500,
		Severity:   SeverityCritical,
	}
}

// Internal wraps infrastructure failures. Retried once by queue policy, then
// escalated as a critical system notification.
func Internal(cause error) *Error {
	return (&Error{
		Code:       "INTERNAL_ERROR",
		Title:      "Internal error",
		Message:    "An internal error occurred",
		StatusCode: 500,
		Severity:   SeverityCritical,
		retryable:  true,
	}).WithCause(cause)
}

// Conflict reports an optimistic-concurrency or uniqueness collision.
func Conflict(message string) *Error {
	return &Error{
		Code:       "CONFLICT",
		Title:      "Conflict",
		Message:    message,
		StatusCode: 409,
		Severity:   SeverityInfo,
	}
}

// =============================================================================
// Classification helpers
// =============================================================================

// As extracts a *Error from any error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsRetryable reports whether the orchestrator should retry. Unknown errors
// default to retryable (infrastructure flakiness), typed non-retryable kinds
// do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := As(err); ok {
		return fe.retryable
	}
	return true
}

// RetryDelay returns a mandated delay (rate limits) when present.
func RetryDelay(err error) (time.Duration, bool) {
	if fe, ok := As(err); ok && fe.retryAfter > 0 {
		return fe.retryAfter, true
	}
	return 0, false
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
