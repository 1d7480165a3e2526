package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/auth"
	"github.com/vexlio/directory-export/pkg/config"
	"github.com/vexlio/directory-export/pkg/directory"
	"github.com/vexlio/directory-export/pkg/export"
	"github.com/vexlio/directory-export/pkg/logging"
	"github.com/vexlio/directory-export/pkg/publish"
	"github.com/vexlio/directory-export/pkg/ratelimit"
	"github.com/vexlio/directory-export/pkg/retry"
	"github.com/vexlio/directory-export/pkg/runlog"
	"github.com/vexlio/directory-export/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	trigger := flag.String("trigger", "manual", "what started this run: manual or schedule")
	extended := flag.Bool("extended", false, "include extended user properties (overrides config)")
	listen := flag.String("listen", "", "serve HTTP on this address instead of running once")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
	})
	logger := logging.NewLogger("main")

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble exporter")
	}
	defer app.Close()

	if *listen != "" {
		if err := app.serve(*listen); err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	includeExtended := cfg.Directory.IncludeExtended || *extended
	os.Exit(app.runOnce(parseTrigger(*trigger), includeExtended))
}

// parseTrigger keeps whatever context the caller supplied; only an absent
// value defaults to manual.
func parseTrigger(raw string) export.Trigger {
	if raw == "" {
		return export.TriggerManual
	}
	return export.Trigger(raw)
}

// app bundles the wired exporter and its optional Redis-backed extras.
type app struct {
	orchestrator    *export.Orchestrator
	runs            *runlog.Store
	redis           *redis.Client
	includeExtended bool
	logger          zerolog.Logger
}

func buildApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	tokens, err := auth.NewClientCredentials(auth.Config{
		TokenURL:     cfg.Auth.TokenURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Timeout:      cfg.Auth.Timeout.Std(),
	}, logging.NewLogger("auth"))
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, includeExtended: cfg.Directory.IncludeExtended}

	// Redis is optional: without it there is no shared throttle state and no
	// run history, but exports still work.
	var throttle *ratelimit.Tracker
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		throttle = ratelimit.NewTracker(a.redis, ratelimit.DefaultConfig(), logging.NewLogger("ratelimit"))
		a.runs, err = runlog.NewStore(a.redis, runlog.Config{TTL: cfg.RunTTL.Std()}, logging.NewLogger("runlog"))
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	observer := telemetry.NewLogObserver(logging.NewLogger("telemetry"))
	executor := retry.NewExecutor(observer, logging.NewLogger("retry"))
	policy := cfg.RetryPolicy()

	client, err := directory.New(directory.Config{
		Resource: cfg.Directory.Resource,
		Timeout:  cfg.Directory.Timeout.Std(),
	}, tokens, throttle, logging.NewLogger("directory"))
	if err != nil {
		return nil, err
	}
	fetcher := directory.NewFetcher(client, executor, policy, logging.NewLogger("directory"))

	channel, err := publish.NewEventsChannel(publish.ChannelConfig{
		Namespace: cfg.Ingest.Namespace,
		Hub:       cfg.Ingest.Hub,
		Resource:  cfg.Ingest.Resource,
		Timeout:   cfg.Ingest.Timeout.Std(),
	}, tokens, logging.NewLogger("publish"))
	if err != nil {
		return nil, err
	}
	publisher, err := publish.NewPublisher(channel, executor, publish.Config{
		MaxChunkBytes: cfg.Publish.MaxChunkBytes,
		Oversize:      publish.OversizePolicy(cfg.Publish.OversizePolicy),
		Policy:        policy,
	}, logging.NewLogger("publish"))
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = export.NewOrchestrator(fetcher, publisher, observer, export.Config{
		Endpoints: directory.Endpoints{
			BaseURL:  cfg.Directory.BaseURL,
			PageSize: cfg.Directory.PageSize,
		},
		InterCallDelay: cfg.InterCallDelay.Std(),
	}, logging.NewLogger("export"))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Close releases shared resources.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
}

// runOnce executes one export and returns the process exit code.
func (a *app) runOnce(trigger export.Trigger, includeExtended bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := a.orchestrator.RunExport(ctx, trigger, includeExtended)
	if err != nil {
		a.logger.Error().Err(err).Msg("Export could not start")
		return 2
	}
	a.saveRun(ctx, run)

	if run.Outcome != export.OutcomeCompleted {
		return 1
	}
	return 0
}

func (a *app) saveRun(ctx context.Context, run *export.Run) {
	if a.runs == nil {
		return
	}
	// Persist with a detached timeout so a cancelled run still gets recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.runs.Save(saveCtx, run); err != nil {
		a.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to persist run record")
	}
}

// serve exposes the exporter over HTTP: trigger runs, inspect history, and
// scrape metrics.
func (a *app) serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/export", a.handleExport)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRun)

	a.logger.Info().Str("addr", addr).Msg("Starting export server")
	return http.ListenAndServe(addr, mux)
}

func (a *app) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	extended := a.includeExtended
	if v := r.URL.Query().Get("extended"); v != "" {
		extended, _ = strconv.ParseBool(v)
	}

	run, err := a.orchestrator.RunExport(r.Context(), parseTrigger(r.URL.Query().Get("trigger")), extended)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.saveRun(r.Context(), run)

	status := http.StatusOK
	if run.Outcome != export.OutcomeCompleted {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, run)
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		http.Error(w, "run history requires redis", http.StatusNotImplemented)
		return
	}
	runs, err := a.runs.Recent(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		http.Error(w, "run history requires redis", http.StatusNotImplemented)
		return
	}
	id := r.URL.Path[len("/runs/"):]
	run, err := a.runs.Get(r.Context(), id)
	if errors.Is(err, runlog.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
