// Package remote is the HTTP plumbing shared by the hosted payment providers.
package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Config describes one provider endpoint.
type Config struct {
	BaseURL string        `usage:"Provider API base URL"`
	APIKey  string        `usage:"Provider API secret"`
	Timeout time.Duration `default:"10s" usage:"Per-request timeout"`
	// RateLimit is in requests per second; zero disables throttling.
	RateLimit float64 `default:"20" usage:"Outbound requests per second"`
	Burst     int     `default:"10" usage:"Outbound request burst"`
}

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

// Client sends authenticated JSON requests to a provider.
type Client struct {
	name    string
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client for the named provider.
func New(name string, cfg Config, transport http.RoundTripper) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Errorf("%s: base url is required", name)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: parse base url", name)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		name:   name,
		base:   base,
		apiKey: cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
	}, nil
}

// Name returns the provider name used in errors.
func (c *Client) Name() string { return c.name }

// Do sends body to path and returns the response body. Any non-2xx answer
// becomes a *payment.ProviderError carrying the status code.
func (c *Client) Do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.fail(op, 0, "", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, c.fail(op, 0, "", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(op, 0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(op, resp.StatusCode, "", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, c.fail(op, resp.StatusCode, msg, nil)
	}
	return data, nil
}

func (c *Client) fail(op string, code int, msg string, err error) error {
	return &payment.ProviderError{Provider: c.name, Op: op, StatusCode: code, Message: msg, Err: err}
}

// IsStatus reports whether err is a provider answer with the given code.
func IsStatus(err error, code int) bool {
	var pe *payment.ProviderError
	return errors.As(err, &pe) && pe.StatusCode == code
}

// Malformed reports an undecodable provider response.
func (c *Client) Malformed(op string, err error) error {
	return c.fail(op, 0, "malformed response", err)
}
