package autostop

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/instance"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/operation"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, cfg Config) (*Controller, *cache.Cache[ctrltypes.Instance]) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := kv.NewFallbackStore()
	logger := discardLogger()
	instances := cache.New[ctrltypes.Instance](store, cache.Config{Name: "instances"}, logger)
	ledger := operation.New(store)
	q := queue.New(store)
	pc := providerclient.New(providerclient.Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 1})
	svc := instance.New(instance.Config{}, instances, ledger, q, pc, logger)

	ctrl := New(cfg, instances, svc, q, logger)
	return ctrl, instances
}

func TestTriggerScanStopsIdleInstances(t *testing.T) {
	ctrl, instances := newTestController(t, Config{Threshold: time.Minute})
	ctx := context.Background()

	idleSince := time.Now().Add(-2 * time.Hour)
	inst := ctrltypes.Instance{
		ID: "i-idle", ProviderID: "prov-idle", Status: ctrltypes.StatusReady,
		CreatedAt: idleSince, LastUsedAt: &idleSince,
	}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats, err := ctrl.TriggerScan(ctx, false)
	if err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if stats.Idle != 1 || stats.Stopped != 1 {
		t.Fatalf("expected 1 idle and 1 stopped, got %+v", stats)
	}

	saved, _, _ := instances.Get(ctx, "i-idle")
	if saved.Status != ctrltypes.StatusStopped {
		t.Fatalf("expected stopped status, got %s", saved.Status)
	}
}

func TestTriggerScanDryRunDoesNotStop(t *testing.T) {
	ctrl, instances := newTestController(t, Config{Threshold: time.Minute})
	ctx := context.Background()

	idleSince := time.Now().Add(-2 * time.Hour)
	inst := ctrltypes.Instance{
		ID: "i-idle2", ProviderID: "prov-idle2", Status: ctrltypes.StatusRunning,
		CreatedAt: idleSince, LastUsedAt: &idleSince,
	}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats, err := ctrl.TriggerScan(ctx, true)
	if err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if stats.Idle != 1 || stats.Stopped != 0 {
		t.Fatalf("expected idle candidate enumerated but not stopped, got %+v", stats)
	}

	saved, _, _ := instances.Get(ctx, "i-idle2")
	if saved.Status != ctrltypes.StatusRunning {
		t.Fatalf("expected status unchanged under dry run, got %s", saved.Status)
	}
}

func TestTriggerScanSkipsRecentlyUsedInstances(t *testing.T) {
	ctrl, instances := newTestController(t, Config{Threshold: time.Hour})
	ctx := context.Background()

	recentlyUsed := time.Now().Add(-time.Minute)
	inst := ctrltypes.Instance{
		ID: "i-active", ProviderID: "prov-active", Status: ctrltypes.StatusReady,
		CreatedAt: time.Now(), LastUsedAt: &recentlyUsed,
	}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats, err := ctrl.TriggerScan(ctx, false)
	if err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if stats.Idle != 0 {
		t.Fatalf("expected no idle candidates, got %+v", stats)
	}
}

func TestTriggerScanRepairsFutureDatedTimestampWithoutAbortingScan(t *testing.T) {
	ctrl, instances := newTestController(t, Config{Threshold: time.Minute})
	ctx := context.Background()

	future := time.Now().Add(48 * time.Hour)
	created := time.Now().Add(-2 * time.Hour)
	bad := ctrltypes.Instance{
		ID: "i-bad", ProviderID: "prov-bad", Status: ctrltypes.StatusReady,
		CreatedAt: created, LastUsedAt: &future,
	}
	idleSince := time.Now().Add(-2 * time.Hour)
	good := ctrltypes.Instance{
		ID: "i-good", ProviderID: "prov-good", Status: ctrltypes.StatusReady,
		CreatedAt: idleSince, LastUsedAt: &idleSince,
	}
	if err := instances.Set(ctx, bad.ID, bad, 0); err != nil {
		t.Fatalf("seed bad: %v", err)
	}
	if err := instances.Set(ctx, good.ID, good, 0); err != nil {
		t.Fatalf("seed good: %v", err)
	}

	stats, err := ctrl.TriggerScan(ctx, false)
	if err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if stats.Scanned != 2 {
		t.Fatalf("expected scan to cover both instances despite one bad timestamp, got %+v", stats)
	}

	repaired, _, _ := instances.Get(ctx, "i-bad")
	if repaired.LastUsedAt.After(time.Now()) {
		t.Fatal("expected future-dated lastUsed to be repaired to created timestamp")
	}
}
