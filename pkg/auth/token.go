// Package auth supplies bearer tokens for named resources. Tokens are
// treated as short-lived: callers acquire a fresh one per logical operation
// (per page fetch, per chunk send) rather than caching across operations.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/faults"
)

// TokenProvider supplies a bearer token for a named resource. Invalid or
// expired credential state surfaces as a *faults.AuthError.
type TokenProvider interface {
	GetToken(ctx context.Context, resource string) (string, error)
}

// Config holds client-credentials settings.
type Config struct {
	// TokenURL is the token endpoint of the identity provider.
	TokenURL string

	// ClientID and ClientSecret identify the export application.
	ClientID     string
	ClientSecret string

	// Timeout bounds each token request.
	Timeout time.Duration
}

// ClientCredentials acquires tokens via the OAuth2 client-credentials grant.
type ClientCredentials struct {
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger
}

// NewClientCredentials creates a token provider from the given configuration.
func NewClientCredentials(cfg Config, logger zerolog.Logger) (*ClientCredentials, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &ClientCredentials{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetToken requests a fresh bearer token scoped to the given resource.
func (p *ClientCredentials) GetToken(ctx context.Context, resource string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("resource", resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		p.logger.Warn().
			Int("status", resp.StatusCode).
			Str("resource", resource).
			Msg("Token request failed")

		// Only credential-state rejections are authentication faults. The
		// identity provider itself can be throttled or briefly down; those
		// responses go through the regular fault taxonomy and get retried.
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return "", &faults.AuthError{
				StatusCode: resp.StatusCode,
				Message:    message,
			}
		}
		return "", &faults.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       message,
		}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", &faults.AuthError{
			StatusCode: resp.StatusCode,
			Message:    "token response contained no access_token",
		}
	}

	p.logger.Debug().
		Str("resource", resource).
		Int("expires_in", token.ExpiresIn).
		Msg("Acquired bearer token")

	return token.AccessToken, nil
}

// Static is a TokenProvider returning a fixed token. Intended for tests and
// local development against emulators.
type Static struct {
	Token string
}

// GetToken implements TokenProvider.
func (s Static) GetToken(context.Context, string) (string, error) {
	if s.Token == "" {
		return "", &faults.AuthError{Message: "no static token configured"}
	}
	return s.Token, nil
}
