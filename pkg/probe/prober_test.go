package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/ctrltypes"
)

func TestRunAllHealthyYieldsHealthyVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	endpoints := []ctrltypes.Endpoint{{Port: 8080, EndpointURL: srv.URL, Type: "http"}}
	cfg := ctrltypes.HealthCheckConfig{TimeoutMs: 1000, RetryAttempts: 0, MaxWaitTimeMs: 60000}

	verdict := p.Run(context.Background(), endpoints, cfg, 0)
	if verdict.Verdict != ctrltypes.VerdictHealthy {
		t.Fatalf("expected healthy verdict, got %s", verdict.Verdict)
	}
}

func TestRunMixedYieldsPartialWithinDeadline(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	p := New()
	endpoints := []ctrltypes.Endpoint{
		{Port: 1, EndpointURL: healthy.URL, Type: "http"},
		{Port: 2, EndpointURL: unhealthy.URL, Type: "http"},
	}
	cfg := ctrltypes.HealthCheckConfig{TimeoutMs: 1000, RetryAttempts: 0, MaxWaitTimeMs: 60000}

	verdict := p.Run(context.Background(), endpoints, cfg, 0)
	if verdict.Verdict != ctrltypes.VerdictPartial {
		t.Fatalf("expected partial verdict within deadline, got %s", verdict.Verdict)
	}
}

func TestRunMixedPastDeadlineYieldsUnhealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	p := New()
	endpoints := []ctrltypes.Endpoint{
		{Port: 1, EndpointURL: healthy.URL, Type: "http"},
		{Port: 2, EndpointURL: unhealthy.URL, Type: "http"},
	}
	cfg := ctrltypes.HealthCheckConfig{TimeoutMs: 1000, RetryAttempts: 0, MaxWaitTimeMs: 1000}

	verdict := p.Run(context.Background(), endpoints, cfg, 2*time.Second)
	if verdict.Verdict != ctrltypes.VerdictUnhealthy {
		t.Fatalf("expected unhealthy verdict past deadline, got %s", verdict.Verdict)
	}
}

func TestRunTargetPortOnlyProbesThatEndpoint(t *testing.T) {
	var calledA, calledB bool
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledA = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledB = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	p := New()
	endpoints := []ctrltypes.Endpoint{
		{Port: 100, EndpointURL: srvA.URL, Type: "http"},
		{Port: 200, EndpointURL: srvB.URL, Type: "http"},
	}
	cfg := ctrltypes.HealthCheckConfig{TimeoutMs: 1000, TargetPort: 200}

	p.Run(context.Background(), endpoints, cfg, 0)
	if calledA {
		t.Fatal("expected endpoint A not to be probed when TargetPort selects B")
	}
	if !calledB {
		t.Fatal("expected endpoint B to be probed")
	}
}

func TestRunRetriesBeforeGivingUp(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New()
	endpoints := []ctrltypes.Endpoint{{Port: 1, EndpointURL: srv.URL, Type: "http"}}
	cfg := ctrltypes.HealthCheckConfig{TimeoutMs: 1000, RetryAttempts: 2, RetryDelayMs: 1}

	verdict := p.Run(context.Background(), endpoints, cfg, 0)
	if verdict.Verdict != ctrltypes.VerdictUnhealthy {
		t.Fatalf("expected unhealthy, got %s", verdict.Verdict)
	}
	if calls != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", calls)
	}
}
