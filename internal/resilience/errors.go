package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the retry classification of an error.
type Class string

const (
	ClassRetryable Class = "retryable"
	ClassFatal     Class = "fatal"
)

// Reason refines a classification for observability. The orchestrator
// records it on the StageResult; the retry policy only looks at Class.
type Reason string

const (
	ReasonTimeout        Reason = "timeout"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonConnection     Reason = "connection"
	ReasonInvalidInput   Reason = "invalid_input"
	ReasonAuth           Reason = "auth"
	ReasonBudgetExceeded Reason = "budget_exceeded"
	ReasonConflict       Reason = "conflict"
	ReasonPermanent      Reason = "permanent"
)

// Classification tags an error as retry data rather than control flow.
type Classification struct {
	Class  Class
	Reason Reason
}

// String renders the classification as stored on StageResult,
// e.g. "fatal:budget_exceeded".
func (c Classification) String() string {
	return string(c.Class) + ":" + string(c.Reason)
}

// TransientError wraps an error that is safe to retry (e.g. 429, 5xx,
// network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FatalError wraps an error that must never be retried, carrying the
// reason recorded on the terminal StageResult.
type FatalError struct {
	Err    error
	Reason Reason
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps an error as fatal with a classified reason.
func NewFatalError(err error, reason Reason) *FatalError {
	return &FatalError{Err: err, Reason: reason}
}

// Classify maps an error to its retry classification. Explicit wrappers
// win; otherwise network-shaped errors are retryable and everything else
// is fatal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return Classification{Class: ClassFatal, Reason: fe.Reason}
	}

	var te *TransientError
	if errors.As(err, &te) {
		if te.StatusCode == 429 {
			return Classification{Class: ClassRetryable, Reason: ReasonRateLimited}
		}
		return Classification{Class: ClassRetryable, Reason: ReasonConnection}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassRetryable, Reason: ReasonTimeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Class: ClassRetryable, Reason: ReasonTimeout}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return Classification{Class: ClassRetryable, Reason: ReasonConnection}
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Classification{Class: ClassRetryable, Reason: ReasonConnection}
		}
	}

	return Classification{Class: ClassFatal, Reason: ReasonPermanent}
}

// IsRetryable reports whether the error classifies as retryable.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Class == ClassRetryable
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
