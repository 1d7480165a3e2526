package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected Category
	}{
		{"401 is authentication", 401, CategoryAuthentication},
		{"403 is authorization", 403, CategoryAuthorization},
		{"429 is rate limit", 429, CategoryRateLimit},
		{"500 is server error", 500, CategoryServerError},
		{"502 is server error", 502, CategoryServerError},
		{"503 is server error", 503, CategoryServerError},
		{"504 is timeout", 504, CategoryTimeout},
		{"404 is unknown", 404, CategoryUnknown},
		{"400 is unknown", 400, CategoryUnknown},
		{"501 is unknown", 501, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &HTTPError{StatusCode: tt.status, Status: "test"}
			if got := Classify(err); got != tt.expected {
				t.Errorf("Classify(status %d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestClassifyAuthError(t *testing.T) {
	// AuthError wins regardless of status code.
	err := &AuthError{StatusCode: 400, Message: "invalid_client"}
	if got := Classify(err); got != CategoryAuthentication {
		t.Errorf("Classify(AuthError) = %q, want %q", got, CategoryAuthentication)
	}

	wrapped := fmt.Errorf("get token: %w", err)
	if got := Classify(wrapped); got != CategoryAuthentication {
		t.Errorf("Classify(wrapped AuthError) = %q, want %q", got, CategoryAuthentication)
	}
}

func TestClassifyTimeout(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != CategoryTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %q, want %q", got, CategoryTimeout)
	}

	wrapped := fmt.Errorf("fetch page: %w", context.DeadlineExceeded)
	if got := Classify(wrapped); got != CategoryTimeout {
		t.Errorf("Classify(wrapped DeadlineExceeded) = %q, want %q", got, CategoryTimeout)
	}
}

func TestClassifyNetwork(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"dns error", &net.DNSError{Err: "no such host", Name: "directory.invalid"}},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != CategoryNetwork {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, CategoryNetwork)
			}
		})
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify(errors.New("something odd")); got != CategoryUnknown {
		t.Errorf("Classify(plain error) = %q, want %q", got, CategoryUnknown)
	}
	if got := Classify(nil); got != CategoryUnknown {
		t.Errorf("Classify(nil) = %q, want %q", got, CategoryUnknown)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	err := &HTTPError{StatusCode: 429, Status: "too many requests"}
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("Classify not deterministic: got %q then %q", first, got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		category Category
		expected bool
	}{
		{CategoryAuthentication, false},
		{CategoryAuthorization, false},
		{CategoryRateLimit, true},
		{CategoryServerError, true},
		{CategoryTimeout, true},
		{CategoryNetwork, true},
		{CategoryUnknown, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := ShouldRetry(tt.category); got != tt.expected {
				t.Errorf("ShouldRetry(%q) = %v, want %v", tt.category, got, tt.expected)
			}
		})
	}
}

func TestNewRecord(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Status: "service unavailable"}
	rec := NewRecord("fetch_users", err)

	if rec.Category != CategoryServerError {
		t.Errorf("Category = %q, want %q", rec.Category, CategoryServerError)
	}
	if rec.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", rec.StatusCode)
	}
	if rec.Operation != "fetch_users" {
		t.Errorf("Operation = %q, want fetch_users", rec.Operation)
	}
	if rec.Message == "" {
		t.Error("Message should not be empty")
	}
}

func TestNewRecordAuthStatus(t *testing.T) {
	rec := NewRecord("get_token", &AuthError{StatusCode: 401, Message: "token expired"})
	if rec.Category != CategoryAuthentication {
		t.Errorf("Category = %q, want %q", rec.Category, CategoryAuthentication)
	}
	if rec.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401", rec.StatusCode)
	}
}

func TestHTTPErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &HTTPError{StatusCode: 500, Status: "internal", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should find wrapped error")
	}
}
