package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/auth"
	"github.com/vexlio/directory-export/pkg/faults"
)

// ChannelConfig holds the ingestion endpoint configuration.
type ChannelConfig struct {
	// Namespace is the ingestion namespace host, e.g.
	// "exports.servicebus.example.net".
	Namespace string

	// Hub is the event stream name within the namespace.
	Hub string

	// Resource is the token audience for delivery calls.
	Resource string

	// Timeout bounds each delivery request.
	Timeout time.Duration
}

// EventsChannel posts envelopes to an HTTP message-ingestion endpoint.
// Every Send acquires a fresh token; tokens are never reused across chunks.
type EventsChannel struct {
	httpClient *http.Client
	tokens     auth.TokenProvider
	endpoint   string
	resource   string
	logger     zerolog.Logger
}

// NewEventsChannel creates a delivery channel for the configured hub.
func NewEventsChannel(cfg ChannelConfig, tokens auth.TokenProvider, logger zerolog.Logger) (*EventsChannel, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.Namespace == "" || cfg.Hub == "" {
		return nil, fmt.Errorf("ingestion namespace and hub are required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("ingestion resource is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	namespace := strings.TrimRight(cfg.Namespace, "/")
	if !strings.Contains(namespace, "://") {
		namespace = "https://" + namespace
	}

	return &EventsChannel{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		endpoint:   fmt.Sprintf("%s/%s/messages", namespace, cfg.Hub),
		resource:   cfg.Resource,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *EventsChannel) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetEndpoint overrides the delivery URL (for testing).
func (c *EventsChannel) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

// Send posts one serialized envelope. Non-2xx responses become
// *faults.HTTPError for classification by the retry layer.
func (c *EventsChannel) Send(ctx context.Context, body []byte) error {
	token, err := c.tokens.GetToken(ctx, c.resource)
	if err != nil {
		return fmt.Errorf("get delivery token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delivery request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver chunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &faults.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	c.logger.Debug().
		Int("bytes", len(body)).
		Msg("Chunk delivered")

	return nil
}
