// Package telemetry defines the structured event observer the pipeline
// reports to. Observers are fire-and-forget: they must never block and never
// fail the pipeline.
package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// Event names emitted by the pipeline.
const (
	EventRetryAttempted        = "RetryAttempted"
	EventStageCompleted        = "StageCompleted"
	EventRunCompleted          = "RunCompleted"
	EventRunFailed             = "RunFailed"
	EventGroupMembershipFailed = "GroupMembershipFailed"
)

// Event is a single structured telemetry event with a free-form property bag.
type Event struct {
	Name  string
	RunID string
	Props map[string]any
}

// Observer receives pipeline events. Implementations must be non-blocking.
type Observer interface {
	Publish(event Event)
}

// NopObserver discards all events.
type NopObserver struct{}

// Publish implements Observer.
func (NopObserver) Publish(Event) {}

// LogObserver writes events to a zerolog logger at info level.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer backed by the given logger.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Publish implements Observer.
func (o *LogObserver) Publish(event Event) {
	evt := o.logger.Info().Str("event", event.Name)
	if event.RunID != "" {
		evt = evt.Str("run_id", event.RunID)
	}
	for key, value := range event.Props {
		evt = evt.Interface(key, value)
	}
	evt.Msg("telemetry event")
}

type runIDKey struct{}

// ContextWithRunID threads the export-run correlation id through a context
// so lower layers can stamp it onto their events.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the correlation id set by ContextWithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}
