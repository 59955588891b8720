package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/providerclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(t *testing.T, providerURL string, store kv.Store, cfg Config) (*Reconciler, *cache.Cache[ctrltypes.Instance]) {
	t.Helper()
	logger := discardLogger()
	instances := cache.New[ctrltypes.Instance](store, cache.Config{Name: "instances"}, logger)
	pc := providerclient.New(providerclient.Config{BaseURL: providerURL, Timeout: time.Second, MaxRetries: 1})
	r := New(cfg, store, pc, instances, logger)
	return r, instances
}

func TestRunUpsertsProviderTruthAndMarksOrphans(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providerclient.InstancePage{Instances: []ctrltypes.Instance{
			{ID: "prov-1", ProviderID: "prov-1", Status: ctrltypes.StatusRunning},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := kv.NewFallbackStore()
	r, instances := newTestReconciler(t, srv.URL, store, Config{})
	ctx := context.Background()

	known := ctrltypes.Instance{ID: "local-known", ProviderID: "prov-1", Name: "keep-me", Status: ctrltypes.StatusReady, CreatedAt: time.Now()}
	if err := instances.Set(ctx, known.ID, known, 0); err != nil {
		t.Fatalf("seed known: %v", err)
	}
	orphan := ctrltypes.Instance{ID: "local-orphan", ProviderID: "prov-gone", Status: ctrltypes.StatusRunning, CreatedAt: time.Now()}
	if err := instances.Set(ctx, orphan.ID, orphan, 0); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped {
		t.Fatal("expected reconciliation to run, not skip")
	}
	if summary.Scanned != 2 {
		t.Fatalf("expected 2 scanned, got %+v", summary)
	}
	if summary.Upserted != 1 {
		t.Fatalf("expected 1 upsert, got %+v", summary)
	}
	if summary.OrphansMarked != 1 || summary.OrphansRemoved != 0 {
		t.Fatalf("expected 1 orphan marked (soft-delete default), got %+v", summary)
	}

	merged, ok, err := instances.Get(ctx, "local-known")
	if err != nil || !ok {
		t.Fatalf("expected known instance to remain under its local id: ok=%v err=%v", ok, err)
	}
	if merged.Name != "keep-me" {
		t.Fatalf("expected local-only fields preserved across merge, got name=%q", merged.Name)
	}
	if merged.Status != ctrltypes.StatusRunning {
		t.Fatalf("expected provider truth status to win, got %s", merged.Status)
	}

	marked, ok, err := instances.Get(ctx, "local-orphan")
	if err != nil || !ok {
		t.Fatalf("expected orphan to remain (soft-deleted), ok=%v err=%v", ok, err)
	}
	if marked.Status != ctrltypes.StatusTerminated {
		t.Fatalf("expected orphan marked terminated, got %s", marked.Status)
	}
	if marked.RetentionExpiresAt == nil {
		t.Fatal("expected orphan to carry a retention expiry")
	}
}

func TestRunDeletesOrphansWhenConfigured(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providerclient.InstancePage{Instances: []ctrltypes.Instance{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := kv.NewFallbackStore()
	r, instances := newTestReconciler(t, srv.URL, store, Config{DeleteOrphans: true})
	ctx := context.Background()

	orphan := ctrltypes.Instance{ID: "local-orphan", ProviderID: "prov-gone", Status: ctrltypes.StatusRunning, CreatedAt: time.Now()}
	if err := instances.Set(ctx, orphan.ID, orphan, 0); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.OrphansRemoved != 1 || summary.OrphansMarked != 0 {
		t.Fatalf("expected orphan hard-deleted, got %+v", summary)
	}
	if _, ok, _ := instances.Get(ctx, "local-orphan"); ok {
		t.Fatal("expected orphan record to be gone from cache")
	}
}

func TestRunSkipsGracefullyWhenLockAlreadyHeld(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not be contacted when the lock is already held")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := kv.NewFallbackStore()
	ctx := context.Background()
	acquired, err := store.AcquireLock(ctx, lockName, "someone-else", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("failed to pre-acquire lock: acquired=%v err=%v", acquired, err)
	}

	r, _ := newTestReconciler(t, srv.URL, store, Config{})
	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Skipped {
		t.Fatalf("expected reconciliation to skip gracefully, got %+v", summary)
	}
}

func TestRunPaginatesProviderList(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(providerclient.InstancePage{
				Instances:  []ctrltypes.Instance{{ID: "a", ProviderID: "a", Status: ctrltypes.StatusRunning}},
				NextCursor: "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(providerclient.InstancePage{
			Instances: []ctrltypes.Instance{{ID: "b", ProviderID: "b", Status: ctrltypes.StatusRunning}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := kv.NewFallbackStore()
	r, _ := newTestReconciler(t, srv.URL, store, Config{})
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Upserted != 2 {
		t.Fatalf("expected both pages' instances upserted, got %+v", summary)
	}
	if calls != 2 {
		t.Fatalf("expected 2 paginated requests, got %d", calls)
	}
}
