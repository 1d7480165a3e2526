package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/faults"
	"github.com/vexlio/directory-export/pkg/retry"
)

// Prometheus metrics for batch publishing.
var (
	publishChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_chunks_total",
		Help: "Total chunks published by source type and result",
	}, []string{"source", "result"})

	publishChunkBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publish_chunk_bytes",
		Help:    "Serialized chunk size in bytes by source type",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	}, []string{"source"})
)

// Source types stamped onto every published envelope.
const (
	SourceUsers        = "users"
	SourceGroups       = "groups"
	SourceGroupMembers = "GroupMembers"
)

// Envelope is the wire frame around one chunk of records. ExportID groups
// all chunks of one run; GroupID is set only for membership chunks.
type Envelope struct {
	SourceType      string            `json:"sourceType"`
	ExportID        string            `json:"exportId"`
	ExportTimestamp time.Time         `json:"exportTimestamp"`
	GroupID         string            `json:"groupId,omitempty"`
	Data            []json.RawMessage `json:"data"`
}

// DeliveryChannel ships one serialized envelope. Implemented by EventsChannel;
// tests substitute fakes. Errors are classified by the retry layer.
type DeliveryChannel interface {
	Send(ctx context.Context, body []byte) error
}

// AuthRejectedError marks a publish-side credential failure. Unlike a
// per-group directory 401, a rejected delivery credential dooms every later
// chunk, so the orchestrator treats it as fatal in every stage.
type AuthRejectedError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("delivery credential rejected: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthRejectedError) Unwrap() error {
	return e.Err
}

// IsAuthRejected reports whether err carries an AuthRejectedError.
func IsAuthRejected(err error) bool {
	var rejected *AuthRejectedError
	return errors.As(err, &rejected)
}

// Summary reports the outcome of one Publish call. When an error is returned
// alongside it, ChunksSent counts the chunks delivered before the failure;
// those deliveries are not undone (at-least-once).
type Summary struct {
	ChunksSent  int
	ChunksTotal int
	Records     int
	Success     bool
}

// Config holds publisher configuration.
type Config struct {
	// MaxChunkBytes bounds the serialized size of each chunk. Zero means
	// DefaultMaxChunkBytes.
	MaxChunkBytes int

	// Oversize decides the fate of single records that cannot fit a chunk.
	// Empty means OversizeSend.
	Oversize OversizePolicy

	// Policy is the per-chunk retry policy.
	Policy retry.Policy
}

// Publisher splits record sets into chunks and delivers them in order
// through a channel, retrying each chunk independently.
type Publisher struct {
	channel  DeliveryChannel
	executor *retry.Executor
	cfg      Config
	logger   zerolog.Logger
}

// NewPublisher creates a publisher over the given delivery channel.
func NewPublisher(channel DeliveryChannel, executor *retry.Executor, cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if channel == nil {
		return nil, fmt.Errorf("delivery channel is required")
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.Oversize == "" {
		cfg.Oversize = OversizeSend
	}

	return &Publisher{
		channel:  channel,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// envelopeOverhead measures the bytes the envelope frame adds around the data
// array: the marshaled envelope with an empty array, minus the two brackets
// the chunker already accounts for.
func envelopeOverhead(env Envelope) int {
	env.Data = []json.RawMessage{}
	frame, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return len(frame) - 2
}

// Publish delivers records as a sequence of enveloped chunks. The first
// terminal chunk failure aborts the remainder; chunks already delivered stay
// delivered. Authentication and authorization failures come back wrapped in
// AuthRejectedError.
func (p *Publisher) Publish(ctx context.Context, env Envelope, records []json.RawMessage) (Summary, error) {
	summary := Summary{Records: len(records)}
	if len(records) == 0 {
		summary.Success = true
		return summary, nil
	}

	// The bound applies to the wire body, so the data array only gets what
	// the envelope frame leaves over.
	limit := p.cfg.MaxChunkBytes - envelopeOverhead(env)
	if limit <= 0 {
		return summary, fmt.Errorf("chunk bound of %d bytes leaves no room for records", p.cfg.MaxChunkBytes)
	}

	chunks, err := Split(records, limit, p.cfg.Oversize)
	if err != nil {
		return summary, err
	}
	summary.ChunksTotal = len(chunks)

	operation := "publish_" + env.SourceType

	for i, chunk := range chunks {
		if chunk.Bytes >= limit {
			p.logger.Warn().
				Str("source", env.SourceType).
				Int("bytes", chunk.Bytes).
				Int("limit", limit).
				Msg("Shipping oversized singleton chunk")
		}
		env.Data = chunk.Records

		body, err := json.Marshal(env)
		if err != nil {
			return summary, fmt.Errorf("marshal chunk %d/%d: %w", i+1, len(chunks), err)
		}
		publishChunkBytes.WithLabelValues(env.SourceType).Observe(float64(len(body)))

		err = p.executor.Execute(ctx, operation, p.cfg.Policy, func() error {
			return p.channel.Send(ctx, body)
		})
		if err != nil {
			publishChunksTotal.WithLabelValues(env.SourceType, "failed").Inc()
			p.logger.Warn().
				Str("source", env.SourceType).
				Int("chunk", i+1).
				Int("chunks_total", len(chunks)).
				Int("chunks_sent", summary.ChunksSent).
				Err(err).
				Msg("Chunk delivery failed - aborting remainder")

			if terminal, ok := retry.AsTerminal(err); ok && !faults.ShouldRetry(terminal.Record.Category) {
				return summary, &AuthRejectedError{Err: err}
			}
			return summary, err
		}

		summary.ChunksSent++
		publishChunksTotal.WithLabelValues(env.SourceType, "sent").Inc()
	}

	summary.Success = true
	p.logger.Info().
		Str("source", env.SourceType).
		Int("records", summary.Records).
		Int("chunks", summary.ChunksSent).
		Msg("Records published")

	return summary, nil
}
