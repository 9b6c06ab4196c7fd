// Package httpclient holds the HTTP plumbing shared by the market-data provider clients:
// bounded timeouts and classification of failures into transient and definitive.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every provider call
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of a response body is read
const maxBodyBytes = 32 << 20

// Client performs GET requests against one provider
type Client struct {
	provider  string
	http      *http.Client
	userAgent string
	log       zerolog.Logger
}

// New creates a provider HTTP client with the given timeout (DefaultTimeout when zero).
func New(provider string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		provider:  provider,
		http:      &http.Client{Timeout: timeout},
		userAgent: "Mozilla/5.0 (compatible; riskdesk/1.0)",
		log:       log.With().Str("client", provider).Logger(),
	}
}

// Provider returns the provider name used in errors
func (c *Client) Provider() string {
	return c.provider
}

// GetJSON fetches url and decodes a 200 response into out.
// Failures are classified:
//   - 404, 400, 401, 402, 403 and 410 wrap domain.ErrUnsupported (definitive)
//   - timeouts, network errors, 429 and 5xx return *domain.ProviderUnavailableError (transient)
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.GetBytes(ctx, url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		// A malformed 200 is not going to improve on retry against the same symbol
		return fmt.Errorf("%s: failed to parse response: %v: %w", c.provider, err, domain.ErrUnsupported)
	}

	return nil
}

// GetBytes fetches url and returns the body of a 200 response, classifying failures like GetJSON.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.Transient(err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("path", req.URL.Path).
		Msg("Provider response")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if err := c.classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return c.Transient(fmt.Errorf("HTTP %d", status))
	case status == http.StatusNotFound, status == http.StatusBadRequest, status == http.StatusUnauthorized,
		status == http.StatusPaymentRequired, status == http.StatusForbidden, status == http.StatusGone:
		return c.Unsupported(fmt.Sprintf("HTTP %d: %s", status, snippet(body)))
	default:
		return c.Transient(fmt.Errorf("unexpected HTTP %d", status))
	}
}

// Transient wraps err as a retryable provider failure
func (c *Client) Transient(err error) error {
	return &domain.ProviderUnavailableError{Provider: c.provider, Err: err}
}

// Unsupported returns a definitive "not covered" error carrying reason
func (c *Client) Unsupported(reason string) error {
	return fmt.Errorf("%s: %s: %w", c.provider, reason, domain.ErrUnsupported)
}

// IsTimeout reports whether err is a network timeout
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
