// Package directory fetches identity records (users, groups, group members)
// from a paginated remote directory API.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/auth"
	"github.com/vexlio/directory-export/pkg/faults"
	"github.com/vexlio/directory-export/pkg/ratelimit"
)

// Prometheus metrics for directory requests.
var (
	directoryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "directory_requests_total",
		Help: "Total directory page requests by endpoint and status",
	}, []string{"endpoint", "status"})

	directoryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "directory_request_duration_seconds",
		Help:    "Directory page request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})
)

// Page is one paginated response unit: a batch of records and an optional
// continuation link. A page with zero records but a continuation link must
// still be followed.
type Page struct {
	Records  []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// PageSource fetches a single page. Implemented by Client; tests substitute
// fakes.
type PageSource interface {
	FetchPage(ctx context.Context, pageURL string) (*Page, error)
}

// Config holds the directory client configuration.
type Config struct {
	// Resource is the token audience for directory calls.
	Resource string

	// Timeout bounds each page request.
	Timeout time.Duration
}

// Client is the HTTP directory API client. Every page fetch acquires a
// fresh bearer token; tokens are not reused across pages.
type Client struct {
	httpClient *http.Client
	tokens     auth.TokenProvider
	throttle   *ratelimit.Tracker
	cfg        Config
	logger     zerolog.Logger
}

// New creates a directory client. The throttle tracker is optional; pass nil
// to rely on the retry path alone.
func New(cfg Config, tokens auth.TokenProvider, throttle *ratelimit.Tracker, logger zerolog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("directory resource is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		throttle:   throttle,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// FetchPage retrieves one page from the given URL. Non-2xx responses become
// *faults.HTTPError for classification by the retry layer.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	endpoint := endpointLabel(pageURL)

	start := time.Now()
	defer func() {
		directoryRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if c.throttle != nil {
		allowed, err := c.throttle.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Throttle check failed - proceeding without it")
		} else if !allowed {
			directoryRequestsTotal.WithLabelValues(endpoint, "throttled").Inc()
			return nil, &faults.HTTPError{
				StatusCode: http.StatusTooManyRequests,
				Status:     "blocked by shared throttle state",
			}
		}
	}

	token, err := c.tokens.GetToken(ctx, c.cfg.Resource)
	if err != nil {
		return nil, fmt.Errorf("get directory token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Msg("Fetching directory page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		directoryRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	directoryRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if c.throttle != nil {
		if err := c.throttle.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record throttle state")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &faults.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("records", len(page.Records)).
		Bool("has_next", page.NextLink != "").
		Msg("Directory page fetched")

	return &page, nil
}

// endpointLabel strips query parameters so metric labels stay low-cardinality.
func endpointLabel(pageURL string) string {
	if i := strings.IndexByte(pageURL, '?'); i >= 0 {
		return pageURL[:i]
	}
	return pageURL
}
