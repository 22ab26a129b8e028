package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying: timeouts, 5xx responses,
// connection resets and other network hiccups.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure that must not be retried: 4xx responses,
// malformed URLs, non-fetchable content.
type PermanentError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned by the retry executor when every attempt at a
// transient failure has been spent. It unwraps to the last attempt's error so
// classification still works on the way up.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable with an optional message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err as non-retryable with an optional message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) *TransientError {
	return &TransientError{Message: fmt.Sprintf(format, args...)}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{Message: fmt.Sprintf(format, args...)}
}

// FromHTTPStatus maps a response status onto the retry taxonomy: nil for
// success, transient for 429 and 5xx, permanent for the remaining 4xx.
func FromHTTPStatus(statusCode int, url string) error {
	switch {
	case statusCode < 400:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &TransientError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("HTTP %d fetching %s", statusCode, url),
		}
	default:
		return &PermanentError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("HTTP %d fetching %s", statusCode, url),
		}
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkError(err) {
		return true
	}
	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent reports whether err is known to be non-retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	return false
}

// IsExhausted reports whether err came out of a spent retry loop.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"unexpected eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
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
