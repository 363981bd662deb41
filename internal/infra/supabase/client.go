// Package supabase provides the Supabase backend: a PostgREST remote
// store for expenses, income and categories, and a GoTrue identity
// collaborator for sessions.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

// TokenSource supplies the bearer token of the signed-in user so that
// row-level security applies. An empty token falls back to the anon key.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client wraps HTTP calls to the Supabase REST and Auth APIs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     TokenSource
	cb         *gobreaker.CircuitBreaker
	guard      *resilience.Guard
	cfg        resilience.Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewClient creates a Supabase client. tokens may be nil and set later
// with SetTokenSource.
func NewClient(httpClient *http.Client, baseURL, apiKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		cb:         cb,
		guard:      resilience.NewGuard(cfg),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// SetTokenSource installs the source of user bearer tokens.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// statusError is a non-2xx answer.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// request is one call to Supabase.
type request struct {
	method string
	api    string // "rest" or "auth"
	path   string
	body   []byte
	prefer string
	bearer string // overrides the token source
}

// do executes req through the bulkhead and rate limiter. Non-2xx answers
// become *statusError; 4xx ones are marked permanent.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var out []byte
	err := c.guard.Do(ctx, func() error {
		body, err := c.send(ctx, req)
		out = body
		return err
	})
	return out, err
}

func (c *Client) send(ctx context.Context, r request) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/v1/%s", c.baseURL, r.api, r.path)
	var reader io.Reader
	if r.body != nil {
		reader = strings.NewReader(string(r.body))
	}
	req, err := http.NewRequestWithContext(ctx, r.method, url, reader)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}

	bearer := r.bearer
	if bearer == "" && c.tokens != nil && r.api == "rest" {
		if bearer, err = c.tokens.AccessToken(ctx); err != nil {
			return nil, resilience.Permanent(err)
		}
	}
	if bearer == "" {
		bearer = c.apiKey
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrExternalError("supabase")
		c.logger.Error("supabase: request failed",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		serr := &statusError{Method: r.method, Path: r.path, Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(serr)
		}
		c.metrics.IncrExternalError("supabase")
		return nil, serr
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return body, nil
}

// read runs an idempotent call under the breaker with retries.
func (c *Client) read(ctx context.Context, req request) ([]byte, error) {
	var body []byte
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			var err error
			body, err = c.do(ctx, req)
			return err
		})
	})
	return body, err
}

// write runs a call under the breaker exactly once.
func (c *Client) write(ctx context.Context, req request) ([]byte, error) {
	var body []byte
	_, err := c.cb.Execute(func() (any, error) {
		var err error
		body, err = c.do(ctx, req)
		return nil, err
	})
	return body, err
}

// translate maps transport and status errors onto domain errors.
func (c *Client) translate(service string, err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsOpen(err) {
		return &domain.ErrCircuitOpen{Service: service}
	}

	var serr *statusError
	if errors.As(err, &serr) {
		switch {
		case serr.Status == http.StatusUnauthorized || serr.Status == http.StatusForbidden:
			return &domain.ErrUnauthorized{Message: apiMessage(serr.Body, "not allowed")}
		case serr.Status == http.StatusConflict || strings.Contains(serr.Body, `"23505"`):
			return &domain.ErrConflict{Message: apiMessage(serr.Body, "already exists")}
		case serr.Status == http.StatusBadRequest || serr.Status == http.StatusUnprocessableEntity:
			return &domain.ErrValidation{Field: "body", Message: apiMessage(serr.Body, "rejected by the backend")}
		}
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}
