// Package webhook implements the Webhook Dispatcher: signed, at-least-once
// HTTP POST delivery with bounded exponential retry. Grounded on the
// teacher's pkg/slack/verify.go (HMAC verification, run in reverse here to
// sign instead of verify) and pkg/integration/callout.go (outbound-POST
// retry shape).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wisbric/gpuctl/pkg/ctrltypes"
)

// Config configures delivery attempts, per-attempt timeout, and the HMAC
// signing secret. The backoff schedule is fixed (see Deliver).
type Config struct {
	Secret      string
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultConfig returns the spec's documented defaults (3 attempts, 1s
// base backoff).
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Timeout: 10 * time.Second}
}

// Dispatcher delivers webhook payloads. Delivery is best-effort: a failure
// after all attempts is logged and returned to the caller for its own
// bookkeeping, but must never be treated as a fatal error by the job that
// triggered it.
type Dispatcher struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Deliver POSTs payload to url, signing the body if a secret is configured,
// retrying on network errors and 5xx up to MaxAttempts times with backoff
// 1s/2s/4s. Returns the last error encountered, if delivery never
// succeeded; callers must not propagate this as an upstream job failure.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload ctrltypes.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	var lastErr error
	backoffDelay := time.Second
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.deliverOnce(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoffDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoffDelay *= 2
	}

	d.logger.Warn("webhook delivery failed after all attempts",
		"url", url, "instance_id", payload.InstanceID, "status", payload.Status, "error", lastErr)
	return lastErr
}

type permanentDeliveryError struct{ error }

func retryable(err error) bool {
	_, permanent := err.(permanentDeliveryError)
	return !permanent
}

func (d *Dispatcher) deliverOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanentDeliveryError{fmt.Errorf("building webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	if d.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Webhook-Signature", "sha256="+sig)
		req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err // network error: retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	// 4xx: permanent, do not retry.
	return permanentDeliveryError{fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)}
}

// Sign computes the HMAC-SHA256 signature gpuctl attaches to outbound
// webhook requests, exported so receivers' test doubles (and this
// package's own tests) can verify against the exact transmitted bytes.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the HMAC-SHA256 of body under
// secret, using a constant-time comparison.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
