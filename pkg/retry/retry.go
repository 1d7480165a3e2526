// Package retry runs units of work under a configurable retry policy with
// exponential backoff, jitter, and fault classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/faults"
	"github.com/vexlio/directory-export/pkg/telemetry"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_retries_total",
		Help: "Total number of retry attempts by fault category",
	}, []string{"category"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "export_retry_backoff_seconds",
		Help:    "Backoff duration for retries by fault category",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"category"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by fault category",
	}, []string{"category"})
)

// ErrInterrupted is returned when the context is cancelled during backoff.
var ErrInterrupted = errors.New("retry interrupted")

// Policy configures retry behavior for one call site. Different call sites
// (token refresh, page fetch, chunk publish) use different policies.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first try.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter adds a random extra delay in [0, delay/2] to each backoff.
	Jitter bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Backoff returns the deterministic backoff before retry number attempt
// (1-indexed): min(MaxDelay, BaseDelay * 2^(attempt-1)). Jitter is applied
// separately by the executor.
func Backoff(policy Policy, attempt int) time.Duration {
	policy = policy.normalized()
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}

// TerminalError is the terminal failure of an operation: retries were either
// exhausted or the fault category is not retryable. The original fault is
// preserved for diagnostics.
type TerminalError struct {
	Record    faults.Record
	Attempts  int
	Exhausted bool
	Err       error
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s failed (%s) after %d attempt(s): %v",
		e.Record.Operation, e.Record.Category, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TerminalError) Unwrap() error {
	return e.Err
}

// AsTerminal extracts a TerminalError from an error chain.
func AsTerminal(err error) (*TerminalError, bool) {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return terminal, true
	}
	return nil, false
}

// Executor runs operations under a retry policy, consulting the fault
// classifier and reporting scheduled retries to a telemetry observer.
type Executor struct {
	observer telemetry.Observer
	logger   zerolog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. A nil observer disables telemetry.
func NewExecutor(observer telemetry.Observer, logger zerolog.Logger) *Executor {
	if observer == nil {
		observer = telemetry.NopObserver{}
	}
	return &Executor{
		observer: observer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// SetSleep overrides the backoff sleep function (for testing).
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// Execute runs op under the given policy. It returns nil on success or a
// *TerminalError carrying the classified fault record. Attempts are
// 1-indexed: MaxAttempts = 3 means at most 2 retries after the first try.
func (e *Executor) Execute(ctx context.Context, operation string, policy Policy, op func() error) error {
	policy = policy.normalized()

	var lastErr error
	var lastRecord faults.Record

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				e.logger.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		lastRecord = faults.NewRecord(operation, err)

		if !faults.ShouldRetry(lastRecord.Category) {
			e.logger.Warn().
				Str("operation", operation).
				Str("category", string(lastRecord.Category)).
				Int("attempt", attempt).
				Err(err).
				Msg("Fault is not retryable")
			return &TerminalError{Record: lastRecord, Attempts: attempt, Err: err}
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		delay := Backoff(policy, attempt)
		if policy.Jitter && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay/2) + 1))
		}

		retriesTotal.WithLabelValues(string(lastRecord.Category)).Inc()
		retryBackoffSeconds.WithLabelValues(string(lastRecord.Category)).Observe(delay.Seconds())

		e.observer.Publish(telemetry.Event{
			Name:  telemetry.EventRetryAttempted,
			RunID: telemetry.RunIDFromContext(ctx),
			Props: map[string]any{
				"operation": operation,
				"attempt":   attempt,
				"category":  string(lastRecord.Category),
				"delay_ms":  delay.Milliseconds(),
			},
		})

		e.logger.Debug().
			Str("operation", operation).
			Str("category", string(lastRecord.Category)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying after backoff")

		if err := e.sleep(ctx, delay); err != nil {
			e.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return &TerminalError{
				Record:   lastRecord,
				Attempts: attempt,
				Err:      fmt.Errorf("%w: %v", ErrInterrupted, err),
			}
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastRecord.Category)).Inc()
	e.logger.Warn().
		Str("operation", operation).
		Str("category", string(lastRecord.Category)).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &TerminalError{
		Record:    lastRecord,
		Attempts:  policy.MaxAttempts,
		Exhausted: true,
		Err:       lastErr,
	}
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
