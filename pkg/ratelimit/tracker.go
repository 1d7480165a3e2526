package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	throttleBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "directory_throttle_blocks_total",
		Help: "Total number of requests blocked by shared throttle state",
	})

	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "directory_throttle_waits_total",
		Help: "Total number of requests delayed until a throttle window closed",
	})
)

// Config holds throttle tracker settings.
type Config struct {
	// DefaultRetryAfter is assumed when a throttling response carries no
	// usable Retry-After header.
	DefaultRetryAfter time.Duration

	// MaxHoldoff is the longest a request will wait for a window to close.
	// Longer windows block the request instead.
	MaxHoldoff time.Duration
}

// DefaultConfig returns safe throttle tracker defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRetryAfter: 5 * time.Second,
		MaxHoldoff:        30 * time.Second,
	}
}

// Tracker records and consults the shared throttle window in Redis.
type Tracker struct {
	redis  *redis.Client
	cfg    Config
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a throttle tracker backed by the given Redis client.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 5 * time.Second
	}
	if cfg.MaxHoldoff <= 0 {
		cfg.MaxHoldoff = 30 * time.Second
	}

	return &Tracker{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// UpdateFromResponse records a throttle window when the directory answered
// 429 or 503. Other statuses leave the state untouched.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return nil
	}

	now := t.now()
	window := ParseRetryAfter(headers.Get("Retry-After"), now)
	if window == 0 {
		window = t.cfg.DefaultRetryAfter
	}
	until := now.Add(window)

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyThrottledUntil, until.Unix(), window)
	pipe.Set(ctx, RedisKeyLastStatus, statusCode, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	t.logger.Warn().
		Int("status", statusCode).
		Time("throttled_until", until).
		Dur("window", window).
		Msg("Directory throttle window recorded")

	return nil
}

// GetState retrieves the current throttle state. Returns an inactive state
// when no window is recorded.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	untilUnix, err := t.redis.Get(ctx, RedisKeyThrottledUntil).Int64()
	if err == redis.Nil {
		return &ThrottleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get throttled until: %w", err)
	}

	lastStatus, err := t.redis.Get(ctx, RedisKeyLastStatus).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last status: %w", err)
	}

	return &ThrottleState{
		ThrottledUntil: time.Unix(untilUnix, 0),
		LastStatus:     lastStatus,
	}, nil
}

// ShouldAllowRequest consults the shared window before a remote call.
// Short windows are waited out; windows longer than MaxHoldoff block the
// request (false) so the caller's retry path takes over.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get throttle state: %w", err)
	}

	remaining := state.Remaining(t.now())
	if remaining == 0 {
		return true, nil
	}

	if remaining > t.cfg.MaxHoldoff {
		throttleBlocksTotal.Inc()
		t.logger.Error().
			Dur("remaining", remaining).
			Int("last_status", state.LastStatus).
			Msg("Throttle window too long - blocking request")
		return false, nil
	}

	throttleWaitsTotal.Inc()
	t.logger.Warn().
		Dur("remaining", remaining).
		Msg("Waiting out directory throttle window")

	if err := t.sleep(ctx, remaining); err != nil {
		return false, err
	}
	return true, nil
}

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
