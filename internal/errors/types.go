// Package errors classifies failures by retry behavior. The agent loop and
// the LLM retry wrapper use this classification to decide between local
// retry with backoff, surfacing the error to the model as a tool message,
// and failing the task.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Type is the behavioral classification of an error.
type Type int

const (
	// Transient errors may succeed on retry (timeouts, rate limits, 5xx).
	Transient Type = iota
	// Permanent errors must not be retried (auth, validation, not-found).
	Permanent
	// Degraded errors allow continuing with reduced functionality.
	Degraded
)

// TransientError marks an error as retryable.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter int    // seconds, from a Retry-After header when present
	Message    string // model-facing description
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError carries fallback content so callers can continue.
type DegradedError struct {
	Err      error
	Fallback string
	Message  string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded error: %v", e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// NewTransient wraps err as retryable with a model-facing message.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as non-retryable with a model-facing message.
func NewPermanent(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegraded wraps err with fallback content.
func NewDegraded(err error, message, fallback string) *DegradedError {
	return &DegradedError{Err: err, Message: message, Fallback: fallback}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	if code := httpStatusFrom(err); code > 0 {
		return isTransientStatus(code)
	}
	return false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}

	if code := httpStatusFrom(err); code > 0 {
		return isPermanentStatus(code)
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"not found", "permission denied", "invalid",
		"unauthorized", "forbidden", "bad request",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// IsDegraded reports whether err allows degraded continuation.
func IsDegraded(err error) bool {
	var degraded *DegradedError
	return errors.As(err, &degraded)
}

// Classify returns the behavioral type of err. Unknown errors default to
// Permanent to avoid unbounded retries.
func Classify(err error) Type {
	switch {
	case IsDegraded(err):
		return Degraded
	case IsTransient(err):
		return Transient
	default:
		return Permanent
	}
}

// FormatForModel converts a technical error into an actionable message fit
// for feeding back to the LLM as a tool result.
func FormatForModel(err error) string {
	if err == nil {
		return ""
	}

	var transient *TransientError
	if errors.As(err, &transient) && transient.Message != "" {
		return transient.Message
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Message != "" {
		return permanent.Message
	}
	var degraded *DegradedError
	if errors.As(err, &degraded) && degraded.Message != "" {
		return degraded.Message
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return "Provider rate limit reached. The system retries with backoff; consider smaller requests."
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "Request timed out. Break the operation into smaller steps or raise the timeout."
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return "Authentication failed. Check the API key configuration."
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "403"):
		return "Permission denied for this resource."
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return "Resource not found. Verify the path or identifier."
	}
	return err.Error()
}

func isNetworkError(err error) bool {
	// Concrete types first: both satisfy net.Error, so the generic check
	// would swallow them on its Timeout() answer.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "broken pipe",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func httpStatusFrom(err error) int {
	var transient *TransientError
	if errors.As(err, &transient) && transient.StatusCode > 0 {
		return transient.StatusCode
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.StatusCode > 0 {
		return permanent.StatusCode
	}

	lower := strings.ToLower(err.Error())
	for _, code := range []int{429, 400, 401, 403, 404, 500, 502, 503, 504} {
		if strings.Contains(lower, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lower, fmt.Sprintf(" %d", code)) {
			return code
		}
	}
	return 0
}
