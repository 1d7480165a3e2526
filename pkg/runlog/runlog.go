// Package runlog persists export run records in Redis so operators can
// inspect recent runs and their failure details.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/export"
)

// Redis key layout.
const (
	keyPrefix = "direxport:runs:"
	indexKey  = "direxport:runs:index"
)

// ErrNotFound is returned when no run exists under the requested id.
var ErrNotFound = errors.New("run not found")

// Config holds run log settings.
type Config struct {
	// TTL bounds how long run records are kept. Zero means 30 days.
	TTL time.Duration

	// MaxIndexed bounds the recent-run index length. Zero means 200.
	MaxIndexed int64
}

// Store reads and writes run records.
type Store struct {
	redis  *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// NewStore creates a run log over the given Redis client.
func NewStore(client *redis.Client, cfg Config, logger zerolog.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.MaxIndexed <= 0 {
		cfg.MaxIndexed = 200
	}

	return &Store{redis: client, cfg: cfg, logger: logger}, nil
}

// Save persists one run record and pushes it onto the recent-run index.
func (s *Store) Save(ctx context.Context, run *export.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run with an id is required")
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, keyPrefix+run.ID, payload, s.cfg.TTL)
	pipe.LPush(ctx, indexKey, run.ID)
	pipe.LTrim(ctx, indexKey, 0, s.cfg.MaxIndexed-1)
	pipe.Expire(ctx, indexKey, s.cfg.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	s.logger.Debug().
		Str("run_id", run.ID).
		Str("outcome", string(run.Outcome)).
		Msg("Run record saved")

	return nil
}

// Get loads one run record by id.
func (s *Store) Get(ctx context.Context, runID string) (*export.Run, error) {
	payload, err := s.redis.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var run export.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// Recent returns up to limit of the most recent run records, newest first.
// Runs evicted by TTL but still indexed are skipped.
func (s *Store) Recent(ctx context.Context, limit int64) ([]*export.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	ids, err := s.redis.LRange(ctx, indexKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("load run index: %w", err)
	}

	runs := make([]*export.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
