package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/directory"
	"github.com/vexlio/directory-export/pkg/faults"
	"github.com/vexlio/directory-export/pkg/publish"
	"github.com/vexlio/directory-export/pkg/retry"
	"github.com/vexlio/directory-export/pkg/telemetry"
)

// Prometheus metrics for export runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_runs_total",
		Help: "Total export runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_run_duration_seconds",
		Help:    "Wall-clock duration of export runs",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_records_total",
		Help: "Records extracted by stage",
	}, []string{"stage"})

	groupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_group_failures_total",
		Help: "Groups skipped during the membership stage",
	})
)

// PageWalker iterates a paginated directory collection. Implemented by
// directory.Fetcher; tests substitute fakes.
type PageWalker interface {
	Each(ctx context.Context, operation string, initialURL string, fn func(*directory.Page) error) (int, error)
}

// BatchPublisher delivers one record set as enveloped chunks. Implemented by
// publish.Publisher.
type BatchPublisher interface {
	Publish(ctx context.Context, env publish.Envelope, records []json.RawMessage) (publish.Summary, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// Endpoints builds the stage URLs.
	Endpoints directory.Endpoints

	// InterCallDelay is the pause between per-group membership listings,
	// easing pressure on the directory during the fan-out stage.
	InterCallDelay time.Duration
}

// Orchestrator drives the three extraction stages in order and assembles the
// run record. A fatal stage failure stops the run; per-group faults in the
// membership stage are isolated.
type Orchestrator struct {
	walker    PageWalker
	publisher BatchPublisher
	observer  telemetry.Observer
	cfg       Config
	logger    zerolog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewOrchestrator wires the extraction and delivery sides together.
func NewOrchestrator(walker PageWalker, publisher BatchPublisher, observer telemetry.Observer, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if walker == nil || publisher == nil {
		return nil, fmt.Errorf("page walker and batch publisher are required")
	}
	if observer == nil {
		observer = telemetry.NopObserver{}
	}

	return &Orchestrator{
		walker:    walker,
		publisher: publisher,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// SetClock overrides the time source (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetSleep overrides the inter-group pause (for testing).
func (o *Orchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration)) {
	o.sleep = sleep
}

// RunExport executes one full run. The includeExtended flag widens the user
// attribute selection for this run only. The returned Run always describes
// what happened, including failed runs; the error is non-nil only when the
// run could not even be assembled.
func (o *Orchestrator) RunExport(ctx context.Context, trigger Trigger, includeExtended bool) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: o.now(),
	}
	ctx = telemetry.ContextWithRunID(ctx, run.ID)

	logger := o.logger.With().Str("run_id", run.ID).Logger()
	logger.Info().
		Str("trigger", string(trigger)).
		Bool("extended_properties", includeExtended).
		Msg("Export run started")

	var groupIDs []string

	stages := []struct {
		name Stage
		exec func(context.Context, *Run, zerolog.Logger) ([]string, error)
	}{
		{StageUsers, func(ctx context.Context, run *Run, logger zerolog.Logger) ([]string, error) {
			return nil, o.runUsers(ctx, run, includeExtended, logger)
		}},
		{StageGroups, o.runGroups},
		{StageMemberships, func(ctx context.Context, run *Run, logger zerolog.Logger) ([]string, error) {
			return nil, o.runMemberships(ctx, run, groupIDs, logger)
		}},
	}

	for _, stage := range stages {
		stageStart := o.now()
		ids, err := stage.exec(ctx, run, logger)
		if err != nil {
			o.finishFailed(run, stage.name, err, logger)
			return run, nil
		}
		if ids != nil {
			groupIDs = ids
		}

		o.observer.Publish(telemetry.Event{
			Name:  telemetry.EventStageCompleted,
			RunID: run.ID,
			Props: map[string]any{
				"stage":       string(stage.name),
				"duration_ms": o.now().Sub(stageStart).Milliseconds(),
			},
		})
	}

	run.Outcome = OutcomeCompleted
	run.CompletedAt = o.now()

	runsTotal.WithLabelValues(string(OutcomeCompleted)).Inc()
	runDuration.Observe(run.Duration().Seconds())

	o.observer.Publish(telemetry.Event{
		Name:  telemetry.EventRunCompleted,
		RunID: run.ID,
		Props: map[string]any{
			"users":              run.Users,
			"groups":             run.Groups,
			"memberships":        run.Memberships,
			"api_calls":          run.APICalls,
			"batches_sent":       run.BatchesSent,
			"failed_group_count": run.FailedGroups(),
			"duration_ms":        run.Duration().Milliseconds(),
		},
	})

	logger.Info().
		Int("users", run.Users).
		Int("groups", run.Groups).
		Int("memberships", run.Memberships).
		Int("failed_groups", run.FailedGroups()).
		Dur("duration", run.Duration()).
		Msg("Export run completed")

	return run, nil
}

func (o *Orchestrator) finishFailed(run *Run, stage Stage, err error, logger zerolog.Logger) {
	record := failureRecord(err)
	run.Outcome = OutcomeFailed
	run.Failure = &record
	run.FailedStage = stage
	run.CompletedAt = o.now()

	runsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	runDuration.Observe(run.Duration().Seconds())

	o.observer.Publish(telemetry.Event{
		Name:  telemetry.EventRunFailed,
		RunID: run.ID,
		Props: map[string]any{
			"stage":    string(stage),
			"category": string(record.Category),
			"message":  record.Message,
		},
	})

	logger.Error().
		Str("stage", string(stage)).
		Str("category", string(record.Category)).
		Err(err).
		Msg("Export run failed")
}

// failureRecord extracts the classified fault from a stage error, preferring
// the record the retry layer already built.
func failureRecord(err error) faults.Record {
	if terminal, ok := retry.AsTerminal(err); ok {
		return terminal.Record
	}
	return faults.NewRecord("export", err)
}

func (o *Orchestrator) runUsers(ctx context.Context, run *Run, includeExtended bool, logger zerolog.Logger) error {
	env := publish.Envelope{
		SourceType:      publish.SourceUsers,
		ExportID:        run.ID,
		ExportTimestamp: run.StartedAt,
	}

	pages, err := o.walker.Each(ctx, "list_users", o.cfg.Endpoints.UsersURL(includeExtended), func(page *directory.Page) error {
		run.Users += len(page.Records)
		recordsTotal.WithLabelValues(string(StageUsers)).Add(float64(len(page.Records)))

		summary, err := o.publisher.Publish(ctx, env, page.Records)
		run.BatchesSent += summary.ChunksSent
		return err
	})
	run.APICalls += pages
	if err != nil {
		return err
	}

	logger.Info().Int("users", run.Users).Int("pages", pages).Msg("User stage finished")
	return nil
}

func (o *Orchestrator) runGroups(ctx context.Context, run *Run, logger zerolog.Logger) ([]string, error) {
	env := publish.Envelope{
		SourceType:      publish.SourceGroups,
		ExportID:        run.ID,
		ExportTimestamp: run.StartedAt,
	}

	var groupIDs []string

	pages, err := o.walker.Each(ctx, "list_groups", o.cfg.Endpoints.GroupsURL(), func(page *directory.Page) error {
		run.Groups += len(page.Records)
		recordsTotal.WithLabelValues(string(StageGroups)).Add(float64(len(page.Records)))

		for _, record := range page.Records {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(record, &ref); err != nil || ref.ID == "" {
				logger.Warn().Msg("Group record without id - skipping membership fan-out for it")
				continue
			}
			groupIDs = append(groupIDs, ref.ID)
		}

		summary, err := o.publisher.Publish(ctx, env, page.Records)
		run.BatchesSent += summary.ChunksSent
		return err
	})
	run.APICalls += pages
	if err != nil {
		return nil, err
	}

	logger.Info().Int("groups", run.Groups).Int("pages", pages).Msg("Group stage finished")
	return groupIDs, nil
}

// runMemberships fans out over the collected groups. A terminal fault on one
// group marks that group failed and moves on; only a rejected delivery
// credential or a broken directory credential aborts the stage.
func (o *Orchestrator) runMemberships(ctx context.Context, run *Run, groupIDs []string, logger zerolog.Logger) error {
	for i, groupID := range groupIDs {
		if i > 0 && o.cfg.InterCallDelay > 0 {
			o.sleep(ctx, o.cfg.InterCallDelay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		records, pages, err := o.collectMembers(ctx, groupID)
		run.APICalls += pages

		if err == nil {
			env := publish.Envelope{
				SourceType:      publish.SourceGroupMembers,
				ExportID:        run.ID,
				ExportTimestamp: run.StartedAt,
				GroupID:         groupID,
			}
			var summary publish.Summary
			summary, err = o.publisher.Publish(ctx, env, records)
			run.BatchesSent += summary.ChunksSent
		}

		if err != nil {
			if fatal := membershipFatal(err); fatal {
				return err
			}

			record := failureRecord(err)
			record.Operation = "list_group_members"
			run.GroupOutcomes = append(run.GroupOutcomes, GroupOutcome{
				GroupID: groupID,
				Fault:   &record,
			})
			groupFailuresTotal.Inc()

			o.observer.Publish(telemetry.Event{
				Name:  telemetry.EventGroupMembershipFailed,
				RunID: run.ID,
				Props: map[string]any{
					"group_id": groupID,
					"category": string(record.Category),
				},
			})
			logger.Warn().
				Str("group_id", groupID).
				Str("category", string(record.Category)).
				Err(err).
				Msg("Group membership export failed - continuing with remaining groups")
			continue
		}

		run.Memberships += len(records)
		recordsTotal.WithLabelValues(string(StageMemberships)).Add(float64(len(records)))
		run.GroupOutcomes = append(run.GroupOutcomes, GroupOutcome{
			GroupID: groupID,
			Success: true,
			Records: len(records),
		})
	}

	logger.Info().
		Int("groups", len(groupIDs)).
		Int("failed_groups", run.FailedGroups()).
		Int("memberships", run.Memberships).
		Msg("Membership stage finished")

	return nil
}

// collectMembers gathers the full membership listing of one group before
// publishing, so a mid-listing fault never ships a partial group.
func (o *Orchestrator) collectMembers(ctx context.Context, groupID string) ([]json.RawMessage, int, error) {
	var records []json.RawMessage
	pages, err := o.walker.Each(ctx, "list_group_members", o.cfg.Endpoints.GroupMembersURL(groupID), func(page *directory.Page) error {
		records = append(records, page.Records...)
		return nil
	})
	if err != nil {
		return nil, pages, err
	}
	return records, pages, nil
}

// membershipFatal decides whether a per-group error dooms the whole stage.
// A rejected delivery credential fails every later chunk, and a broken
// directory credential fails every later listing; a 401/403 from one group's
// endpoint does not.
func membershipFatal(err error) bool {
	if publish.IsAuthRejected(err) {
		return true
	}
	var authErr *faults.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	// Run cancellation, not a per-group timeout: the retry layer tags
	// interruption of its backoff distinctly from remote-call deadlines.
	if errors.Is(err, retry.ErrInterrupted) {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
