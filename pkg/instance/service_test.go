package instance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/operation"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, providerURL string) (*Service, *cache.Cache[ctrltypes.Instance], *queue.Queue) {
	t.Helper()
	store := kv.NewFallbackStore()
	logger := discardLogger()
	instances := cache.New[ctrltypes.Instance](store, cache.Config{Name: "instances"}, logger)
	ledger := operation.New(store)
	q := queue.New(store)
	pc := providerclient.New(providerclient.Config{BaseURL: providerURL, Timeout: 2 * time.Second, MaxRetries: 1})
	return New(Config{}, instances, ledger, q, pc, logger), instances, q
}

func TestCreateInstanceRejectsInvalidName(t *testing.T) {
	svc, _, _ := newTestService(t, "http://unused.invalid")
	_, err := svc.CreateInstance(context.Background(), CreateRequest{Name: "bad name!", ProductName: "a100", TemplateID: "tmpl-1"})
	var ve *ctrlerr.ValidationError
	if !asType(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateInstanceWritesRecordAndEnqueuesJob(t *testing.T) {
	svc, instances, q := newTestService(t, "http://unused.invalid")
	ctx := context.Background()

	resp, err := svc.CreateInstance(ctx, CreateRequest{Name: "my-instance", ProductName: "a100", TemplateID: "tmpl-1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if resp.InstanceID == "" || resp.OperationID == "" {
		t.Fatalf("expected instance and operation ids, got %+v", resp)
	}

	inst, ok, err := instances.Get(ctx, resp.InstanceID)
	if err != nil || !ok {
		t.Fatalf("expected instance record written: ok=%v err=%v", ok, err)
	}
	if inst.Status != ctrltypes.StatusCreating {
		t.Fatalf("expected creating status, got %s", inst.Status)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("expected a create job enqueued: %v %v", job, err)
	}
	if job.Type != ctrltypes.JobCreateInstance {
		t.Fatalf("expected create_instance job, got %s", job.Type)
	}
}

func TestStartInstanceRejectsWrongStatus(t *testing.T) {
	svc, instances, _ := newTestService(t, "http://unused.invalid")
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-1", Name: "x", Status: ctrltypes.StatusRunning, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := svc.StartInstance(ctx, "i-1", "")
	var nse *ctrlerr.NotStartableError
	if !asType(err, &nse) {
		t.Fatalf("expected NotStartableError, got %v", err)
	}
}

func TestStartInstanceDedupesAgainstInFlightOperation(t *testing.T) {
	var startCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			startCalls++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, instances, _ := newTestService(t, srv.URL)
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-2", ProviderID: "prov-2", Name: "x", Status: ctrltypes.StatusExited, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := svc.StartInstance(ctx, "i-2", "")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := svc.StartInstance(ctx, "i-2", "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.OperationID != first.OperationID {
		t.Fatalf("expected the second start to join the in-flight operation, got %s vs %s", second.OperationID, first.OperationID)
	}
	if startCalls != 1 {
		t.Fatalf("expected exactly 1 provider start call across both intents, got %d", startCalls)
	}
}

func TestStartInstanceCallsProviderBeforeEnqueueingMonitor(t *testing.T) {
	var startCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			startCalls++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, instances, q := newTestService(t, srv.URL)
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-6", ProviderID: "prov-6", Name: "x", Status: ctrltypes.StatusStopped, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := svc.StartInstance(ctx, "i-6", "")
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if resp.Status != string(ctrltypes.StatusStarting) {
		t.Fatalf("expected starting status, got %s", resp.Status)
	}
	if startCalls != 1 {
		t.Fatalf("expected exactly 1 provider start call, got %d", startCalls)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("expected a monitor_startup job enqueued: %v %v", job, err)
	}
	if job.Type != ctrltypes.JobMonitorStartup {
		t.Fatalf("expected monitor_startup job, got %s", job.Type)
	}
}

func TestStopInstanceCallsProviderAndAdvancesLedger(t *testing.T) {
	var stopCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			stopCalls++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, instances, _ := newTestService(t, srv.URL)
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-3", ProviderID: "prov-3", Name: "x", Status: ctrltypes.StatusRunning, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := svc.StopInstance(ctx, "i-3", "")
	if err != nil {
		t.Fatalf("StopInstance: %v", err)
	}
	if resp.Status != string(ctrltypes.StatusStopped) {
		t.Fatalf("expected stopped status, got %s", resp.Status)
	}
	if stopCalls != 1 {
		t.Fatalf("expected exactly 1 provider stop call, got %d", stopCalls)
	}

	saved, _, _ := instances.Get(ctx, "i-3")
	if saved.Status != ctrltypes.StatusStopped {
		t.Fatalf("expected saved status stopped, got %s", saved.Status)
	}
}

func TestDeleteInstanceWithoutProviderIDClearsLocalOnly(t *testing.T) {
	svc, instances, _ := newTestService(t, "http://unused.invalid")
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-4", Name: "x", Status: ctrltypes.StatusCreating, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := svc.DeleteInstance(ctx, "i-4", "")
	if err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if resp.Status != ctrltypes.WebhookDeleted {
		t.Fatalf("expected deleted status, got %s", resp.Status)
	}
	if _, ok, _ := instances.Get(ctx, "i-4"); ok {
		t.Fatal("expected local record to be cleared")
	}
}

func TestResolveByNameFallsBackFromID(t *testing.T) {
	svc, instances, _ := newTestService(t, "http://unused.invalid")
	ctx := context.Background()
	inst := ctrltypes.Instance{ID: "i-5", Name: "named-one", Status: ctrltypes.StatusRunning, CreatedAt: time.Now()}
	if err := instances.Set(ctx, inst.ID, inst, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	found, err := svc.GetInstance(ctx, "named-one")
	if err != nil {
		t.Fatalf("GetInstance by name: %v", err)
	}
	if found.ID != "i-5" {
		t.Fatalf("expected to resolve by name to i-5, got %s", found.ID)
	}
}

func asType[T error](err error, target *T) bool {
	t, ok := err.(T)
	if ok {
		*target = t
	}
	return ok
}
