// Package providerclient is the resilient HTTP client to the external GPU
// cloud Provider: correlation IDs, token-bucket rate limiting, a
// three-state circuit breaker, and bounded exponential-backoff retry.
// Grounded on the teacher's internal/auth/ratelimit.go (budget shape) and
// pkg/integration/callout.go (outbound HTTP-with-retry shape), generalized
// from a single webhook callout to a full Provider API surface.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/ratelimit"
)

// Config configures the Client's resilience parameters, all with the
// spec's defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int

	RateLimitCapacity int
	RateLimitWindow   time.Duration

	BreakerFailureThreshold  uint32
	BreakerOpenTimeout       time.Duration
	BreakerHalfOpensuccesses uint32

	RetryBase time.Duration
	RetryCap  time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                  15 * time.Second,
		MaxRetries:               5,
		RateLimitCapacity:        100,
		RateLimitWindow:          60 * time.Second,
		BreakerFailureThreshold:  5,
		BreakerOpenTimeout:       60 * time.Second,
		BreakerHalfOpensuccesses: 3,
		RetryBase:                time.Second,
		RetryCap:                 30 * time.Second,
	}
}

// Client is the resilient Provider HTTP pipeline.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.TokenBucket
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client. cfg zero-values are filled from DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RateLimitCapacity == 0 {
		cfg.RateLimitCapacity = def.RateLimitCapacity
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if cfg.BreakerOpenTimeout == 0 {
		cfg.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if cfg.BreakerHalfOpensuccesses == 0 {
		cfg.BreakerHalfOpensuccesses = def.BreakerHalfOpensuccesses
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = def.RetryCap
	}

	breakerSettings := gobreaker.Settings{
		Name:        "provider-client",
		MaxRequests: cfg.BreakerHalfOpensuccesses,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.ProviderCircuitState.Set(float64(to))
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitWindow),
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
	}
}

type requestSpec struct {
	method string
	path   string
	body   any
}

// do executes one resilient request: waits for rate-limit capacity, then
// runs the call through the circuit breaker, retrying eligible failures
// with exponential backoff inside the breaker call.
func (c *Client) do(ctx context.Context, spec requestSpec, out any) error {
	ctx = context.WithValue(ctx, correlationIDKey{}, uuid.NewString())
	if err := c.limiter.Wait(ctx); err != nil {
		return &ctrlerr.RateLimitedError{}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.retryingRoundTrip(ctx, spec)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &ctrlerr.CircuitOpenError{}
		}
		return err
	}

	if out == nil {
		return nil
	}
	raw, _ := result.([]byte)
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ctrlerr.InternalError{CorrelationID: ctx.Value(correlationIDKey{}).(string), Cause: fmt.Errorf("decoding provider response: %w", err)}
	}
	return nil
}

type correlationIDKey struct{}

// retryingRoundTrip performs the HTTP call with exponential-backoff retry
// on network errors, 5xx, and 429 (honoring Retry-After). Other 4xx
// responses are surfaced immediately as typed errors without retry.
func (c *Client) retryingRoundTrip(ctx context.Context, spec requestSpec) ([]byte, error) {
	correlationID, _ := ctx.Value(correlationIDKey{}).(string)

	op := func() ([]byte, error) {
		raw, retryAfter, err := c.roundTripOnce(ctx, spec, correlationID)
		if err == nil {
			return raw, nil
		}
		// roundTripOnce already wraps non-retryable outcomes (404/401/409,
		// and any other 4xx) in backoff.Permanent; retryable outcomes
		// (network errors, 5xx, 429) pass through unwrapped here.
		if retryAfter > 0 {
			return nil, backoff.RetryAfter(int(retryAfter.Seconds()))
		}
		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.cfg.RetryBase),
			backoff.WithMaxInterval(c.cfg.RetryCap),
			backoff.WithMultiplier(2),
		)),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
	)
}

func (c *Client) roundTripOnce(ctx context.Context, spec requestSpec, correlationID string) ([]byte, time.Duration, error) {
	var bodyReader io.Reader
	if spec.body != nil {
		raw, err := json.Marshal(spec.body)
		if err != nil {
			return nil, 0, backoff.Permanent(fmt.Errorf("encoding request body: %w", err))
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, spec.method, c.cfg.BaseURL+spec.path, bodyReader)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("X-Correlation-Id", correlationID)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err // network error: retryable, no ProviderError wrapping
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, 0, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, backoff.Permanent(&ctrlerr.NotFoundError{Kind: "provider-resource", ID: spec.path})
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, 0, backoff.Permanent(&ctrlerr.ProviderError{Status: resp.StatusCode, Code: "UNAUTHORIZED", Message: string(raw)})
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, 0, backoff.Permanent(&ctrlerr.ProviderError{Status: resp.StatusCode, Code: "CONFLICT", Message: string(raw)})
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	provErr := &ctrlerr.ProviderError{Status: resp.StatusCode, Code: providerErrorCode(resp.StatusCode), Message: string(raw)}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retryAfter, provErr
	}
	return nil, 0, backoff.Permanent(provErr)
}

func providerErrorCode(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= 500 {
			return "PROVIDER_UNAVAILABLE"
		}
		return "PROVIDER_ERROR"
	}
}

// GetInstance fetches a single instance by Provider ID.
func (c *Client) GetInstance(ctx context.Context, providerID string) (*ctrltypes.Instance, error) {
	var inst ctrltypes.Instance
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/instances/" + providerID}, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// InstancePage is one page of a paginated list response.
type InstancePage struct {
	Instances  []ctrltypes.Instance `json:"instances"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// ListInstances fetches one page of the Provider's full instance list.
func (c *Client) ListInstances(ctx context.Context, pageCursor string) (*InstancePage, error) {
	path := "/instances"
	if pageCursor != "" {
		path += "?cursor=" + pageCursor
	}
	var page InstancePage
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: path}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Product describes a Provider GPU SKU.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GPUCount int    `json:"gpuCount"`
	Region   string `json:"region"`
}

// ListProducts fetches Provider products, optionally filtered.
func (c *Client) ListProducts(ctx context.Context, filter map[string]string) ([]Product, error) {
	path := "/products"
	for k, v := range filter {
		sep := "?"
		if len(path) > len("/products") {
			sep = "&"
		}
		path += sep + k + "=" + v
	}
	var products []Product
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: path}, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// Template describes a Provider instance image template.
type Template struct {
	ID       string `json:"id"`
	ImageRef string `json:"imageRef"`
}

// GetTemplate fetches a Provider template by ID.
func (c *Client) GetTemplate(ctx context.Context, templateID string) (*Template, error) {
	var tmpl Template
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/templates/" + templateID}, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// CreateInstanceRequest is the Provider-facing creation payload.
type CreateInstanceRequest struct {
	ProductID  string                  `json:"productId"`
	TemplateID string                  `json:"templateId"`
	Name       string                  `json:"name"`
	Config     ctrltypes.InstanceConfig `json:"config"`
}

// CreateInstance asks the Provider to create a new instance.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*ctrltypes.Instance, error) {
	var inst ctrltypes.Instance
	if err := c.do(ctx, requestSpec{method: http.MethodPost, path: "/instances", body: req}, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// StartInstance asks the Provider to start an existing instance.
func (c *Client) StartInstance(ctx context.Context, providerID string) error {
	return c.do(ctx, requestSpec{method: http.MethodPost, path: "/instances/" + providerID + "/start"}, nil)
}

// StopInstance asks the Provider to stop a running instance.
func (c *Client) StopInstance(ctx context.Context, providerID string) error {
	return c.do(ctx, requestSpec{method: http.MethodPost, path: "/instances/" + providerID + "/stop"}, nil)
}

// DeleteInstance asks the Provider to delete (terminate) an instance.
func (c *Client) DeleteInstance(ctx context.Context, providerID string) error {
	return c.do(ctx, requestSpec{method: http.MethodDelete, path: "/instances/" + providerID}, nil)
}

// MigrateInstance asks the Provider to migrate a spot-reclaimed instance
// onto new capacity.
func (c *Client) MigrateInstance(ctx context.Context, providerID string) (*ctrltypes.Instance, error) {
	var inst ctrltypes.Instance
	if err := c.do(ctx, requestSpec{method: http.MethodPost, path: "/instances/" + providerID + "/migrate"}, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}
