// Package ratelimit shares directory throttle state across exporter
// instances. When the directory answers 429 or 503 with a Retry-After
// header, the throttle window is recorded in Redis so concurrent workers
// stop burning retry attempts against a known-closed upstream.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyThrottledUntil = "direxport:throttle:until"
	RedisKeyLastStatus     = "direxport:throttle:last_status"
)

// ThrottleState is the shared view of the upstream throttle window.
type ThrottleState struct {
	// ThrottledUntil is when the current throttle window closes.
	// Zero when no window is open.
	ThrottledUntil time.Time `json:"throttled_until"`

	// LastStatus is the HTTP status that opened the window (429 or 503).
	LastStatus int `json:"last_status"`
}

// Active reports whether a throttle window is currently open.
func (s *ThrottleState) Active(now time.Time) bool {
	return !s.ThrottledUntil.IsZero() && now.Before(s.ThrottledUntil)
}

// Remaining returns the time left in the window, or 0 if it has closed.
func (s *ThrottleState) Remaining(now time.Time) time.Duration {
	if !s.Active(now) {
		return 0
	}
	return s.ThrottledUntil.Sub(now)
}

// ParseRetryAfter interprets a Retry-After header value as either delta
// seconds or an HTTP date. Returns 0 when the value is absent or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}

	return 0
}
