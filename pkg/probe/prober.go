// Package probe implements the Health Prober: parallel HTTP probes over a
// set of endpoints with per-endpoint retry and an aggregate verdict.
// Grounded on spec.md §4.7 directly; concurrency shape modeled on the
// teacher's pkg/escalation/engine.go fan-out-then-collect pattern (read
// before Step-0 deletion).
package probe

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
)

// Prober runs HTTP health probes.
type Prober struct {
	http *http.Client
}

// New builds a Prober. Its HTTP client has no timeout of its own; each
// probe's round trip is bounded by HealthCheckConfig.TimeoutMs.
func New() *Prober {
	return &Prober{http: &http.Client{}}
}

// Run probes endpoints per cfg and returns the aggregate verdict. If
// cfg.TargetPort is set, only the matching endpoint is probed; otherwise
// all endpoints are probed in parallel.
func (p *Prober) Run(ctx context.Context, endpoints []ctrltypes.Endpoint, cfg ctrltypes.HealthCheckConfig, elapsedSoFar time.Duration) ctrltypes.ProbeVerdict {
	targets := endpoints
	if cfg.TargetPort != 0 {
		targets = nil
		for _, e := range endpoints {
			if e.Port == cfg.TargetPort {
				targets = append(targets, e)
				break
			}
		}
	}

	results := make([]ctrltypes.EndpointResult, len(targets))
	var wg sync.WaitGroup
	for i, ep := range targets {
		wg.Add(1)
		go func(i int, ep ctrltypes.Endpoint) {
			defer wg.Done()
			results[i] = p.probeWithRetry(ctx, ep, cfg)
		}(i, ep)
	}
	wg.Wait()

	verdict := aggregate(results, cfg, elapsedSoFar)
	for _, r := range results {
		telemetry.ProbeLatencySeconds.WithLabelValues(string(verdict)).Observe(r.ResponseTime.Seconds())
	}

	return ctrltypes.ProbeVerdict{
		Verdict:   verdict,
		Results:   results,
		CheckedAt: time.Now(),
	}
}

func aggregate(results []ctrltypes.EndpointResult, cfg ctrltypes.HealthCheckConfig, elapsedSoFar time.Duration) ctrltypes.Verdict {
	if len(results) == 0 {
		return ctrltypes.VerdictUnhealthy
	}
	allHealthy := true
	anyHealthy := false
	for _, r := range results {
		if r.Healthy {
			anyHealthy = true
		} else {
			allHealthy = false
		}
	}
	if allHealthy {
		return ctrltypes.VerdictHealthy
	}

	deadline := time.Duration(cfg.MaxWaitTimeMs) * time.Millisecond
	if anyHealthy && (deadline == 0 || elapsedSoFar < deadline) {
		return ctrltypes.VerdictPartial
	}
	return ctrltypes.VerdictUnhealthy
}

func (p *Prober) probeWithRetry(ctx context.Context, ep ctrltypes.Endpoint, cfg ctrltypes.HealthCheckConfig) ctrltypes.EndpointResult {
	retries := cfg.RetryAttempts
	var last ctrltypes.EndpointResult
	for attempt := 0; attempt <= retries; attempt++ {
		last = p.probeOnce(ctx, ep, cfg)
		if last.Healthy {
			return last
		}
		if attempt == retries {
			break
		}
		delay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(delay/4 + 1)))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return last
		}
	}
	return last
}

func (p *Prober) probeOnce(ctx context.Context, ep ctrltypes.Endpoint, cfg ctrltypes.HealthCheckConfig) ctrltypes.EndpointResult {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.EndpointURL, nil)
	if err != nil {
		return ctrltypes.EndpointResult{Endpoint: ep, Healthy: false, ErrorClass: ctrltypes.ProbeErrUnknown, ResponseTime: time.Since(start)}
	}

	resp, err := p.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ctrltypes.EndpointResult{Endpoint: ep, Healthy: false, ErrorClass: classifyError(err), ResponseTime: elapsed}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	result := ctrltypes.EndpointResult{
		Endpoint:     ep,
		Healthy:      healthy,
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
	if !healthy {
		result.ErrorClass = classifyStatus(resp.StatusCode)
	}
	return result
}

func classifyError(err error) ctrltypes.ProbeErrorClass {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ctrltypes.ProbeErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ctrltypes.ProbeErrTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ctrltypes.ProbeErrConnectionRefused
	}
	return ctrltypes.ProbeErrUnknown
}

func classifyStatus(status int) ctrltypes.ProbeErrorClass {
	switch {
	case status == http.StatusBadGateway:
		return ctrltypes.ProbeErrBadGateway
	case status >= 500:
		return ctrltypes.ProbeErrServerError
	default:
		return ctrltypes.ProbeErrUnknown
	}
}
