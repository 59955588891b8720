package providerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
)

func rebuildBreakerWithThreshold(c *Client, threshold uint32) {
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test-breaker",
		MaxRequests: 3,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 3
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.RateLimitCapacity = 1000
	cfg.RateLimitWindow = time.Second
	return New(cfg), srv
}

func TestGetInstanceSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("expected a correlation id header on every request")
		}
		_ = json.NewEncoder(w).Encode(ctrltypes.Instance{ID: "i-1", ProviderID: "p-1"})
	})

	inst, err := client.GetInstance(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.ID != "i-1" {
		t.Fatalf("got id %q, want i-1", inst.ID)
	}
}

func TestGetInstanceNotFoundNotRetried(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetInstance(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected NotFoundError")
	}
	var nf *ctrlerr.NotFoundError
	if !asNotFound(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call (no retry on 404), got %d", calls)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ctrltypes.Instance{ID: "i-2"})
	})

	inst, err := client.GetInstance(context.Background(), "p-2")
	if err != nil {
		t.Fatalf("expected eventual success after retries: %v", err)
	}
	if inst.ID != "i-2" {
		t.Fatalf("got id %q, want i-2", inst.ID)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", calls)
	}
}

func TestConflictNotRetried(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	})

	err := client.StartInstance(context.Background(), "p-3")
	if err == nil {
		t.Fatal("expected error")
	}
	var provErr *ctrlerr.ProviderError
	if pe, ok := err.(*ctrlerr.ProviderError); ok {
		provErr = pe
	}
	if provErr == nil || provErr.Status != http.StatusConflict {
		t.Fatalf("expected ProviderError with status 409, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call (no retry on 409), got %d", calls)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	client.cfg.MaxRetries = 1 // fail fast per attempt so the breaker trips quickly
	rebuildBreakerWithThreshold(client, 2)

	for i := 0; i < 2; i++ {
		if _, err := client.GetInstance(context.Background(), "p-4"); err == nil {
			t.Fatal("expected error from failing backend")
		}
	}

	_, err := client.GetInstance(context.Background(), "p-4")
	var circuitErr *ctrlerr.CircuitOpenError
	if !asCircuitOpen(err, &circuitErr) {
		t.Fatalf("expected CircuitOpenError once threshold is exceeded, got %T: %v", err, err)
	}
}

func asNotFound(err error, target **ctrlerr.NotFoundError) bool {
	nf, ok := err.(*ctrlerr.NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

func asCircuitOpen(err error, target **ctrlerr.CircuitOpenError) bool {
	ce, ok := err.(*ctrlerr.CircuitOpenError)
	if ok {
		*target = ce
	}
	return ok
}
