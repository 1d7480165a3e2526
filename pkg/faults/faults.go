// Package faults classifies remote-call failures into a fixed taxonomy
// and decides retry eligibility. Classification is pure and deterministic;
// no I/O happens here.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Category is the classification of a remote-call failure.
type Category string

const (
	// CategoryAuthentication covers invalid or expired credentials (HTTP 401,
	// token acquisition failures). Never retried.
	CategoryAuthentication Category = "authentication"

	// CategoryAuthorization covers missing permissions (HTTP 403). Never retried.
	CategoryAuthorization Category = "authorization"

	// CategoryRateLimit covers HTTP 429 throttling responses.
	CategoryRateLimit Category = "rate_limit"

	// CategoryServerError covers HTTP 500/502/503 upstream failures.
	CategoryServerError Category = "server_error"

	// CategoryTimeout covers HTTP 504 and client-side deadline expiry.
	CategoryTimeout Category = "timeout"

	// CategoryNetwork covers connection-level failures (DNS, refused, reset).
	CategoryNetwork Category = "network"

	// CategoryUnknown is the conservative default for unrecognized failures.
	CategoryUnknown Category = "unknown"
)

// HTTPError represents a non-2xx response from a remote endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http error (status %d): %s: %v", e.StatusCode, e.Status, e.Err)
	}
	return fmt.Sprintf("http error (status %d): %s", e.StatusCode, e.Status)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// AuthError represents a failure to acquire or use a credential. It is
// classified as CategoryAuthentication regardless of the underlying status
// code, since a bad credential state cannot be fixed by backing off.
type AuthError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error (status %d): %s", e.StatusCode, e.Message)
}

// Classify maps a failure to a Category. Rules, in priority order:
// authentication-specific errors, then HTTP status codes, then timeouts,
// then connection-level failures, then unknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CategoryAuthentication
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized:
			return CategoryAuthentication
		case http.StatusForbidden:
			return CategoryAuthorization
		case http.StatusTooManyRequests:
			return CategoryRateLimit
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return CategoryServerError
		case http.StatusGatewayTimeout:
			return CategoryTimeout
		default:
			return CategoryUnknown
		}
	}

	// Timeouts before generic network errors: net.Error covers both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

// ShouldRetry reports whether a failure of the given category may be retried.
// Authentication and authorization failures are never retried; everything
// else is, including unknown failures.
func ShouldRetry(category Category) bool {
	switch category {
	case CategoryAuthentication, CategoryAuthorization:
		return false
	default:
		return true
	}
}

// Record is the classified form of a single failure, carried through retry
// decisions and into run statistics.
type Record struct {
	Category   Category `json:"category"`
	StatusCode int      `json:"status_code,omitempty"`
	Message    string   `json:"message"`
	Operation  string   `json:"operation"`
}

// NewRecord classifies err and captures its details for the named operation.
func NewRecord(operation string, err error) Record {
	rec := Record{
		Category:  Classify(err),
		Operation: operation,
	}
	if err != nil {
		rec.Message = err.Error()
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		rec.StatusCode = httpErr.StatusCode
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		rec.StatusCode = authErr.StatusCode
	}

	return rec
}
