package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
)

func TestEnqueueDequeueCompleteRoundTrip(t *testing.T) {
	q := New(kv.NewFallbackStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ctrltypes.JobCreateInstance, ctrltypes.CreateInstancePayload{Name: "a"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected to dequeue job %s, got %+v", id, job)
	}
	if job.State != ctrltypes.JobProcessing {
		t.Fatalf("expected state processing, got %s", job.State)
	}

	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.Pending != 0 || depth.Processing != 0 || depth.Completed != 1 {
		t.Fatalf("unexpected depth after complete: %+v", depth)
	}
}

func TestDequeueIsSingleWriterPerJob(t *testing.T) {
	q := New(kv.NewFallbackStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ctrltypes.JobMonitorInstance, ctrltypes.MonitorInstancePayload{InstanceID: "i-1"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil || first.ID != id {
		t.Fatalf("first Dequeue: job=%+v err=%v", first, err)
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second Dequeue to find nothing (job already claimed), got %+v", second)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(kv.NewFallbackStore())
	ctx := context.Background()

	lowID, err := q.Enqueue(ctx, ctrltypes.JobAutoStopCheck, ctrltypes.AutoStopCheckPayload{}, EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highID, err := q.Enqueue(ctx, ctrltypes.JobAutoStopCheck, ctrltypes.AutoStopCheckPayload{}, EnqueueOptions{Priority: 10})
	if err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.ID != highID {
		t.Fatalf("expected higher-priority job %s dequeued first, got %s (low=%s)", highID, first.ID, lowID)
	}
}

func TestRetryRequeuesUntilMaxAttemptsThenFails(t *testing.T) {
	q := New(kv.NewFallbackStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ctrltypes.JobSendWebhook, ctrltypes.SendWebhookPayload{URL: "http://example.invalid"}, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Retry(ctx, id, errors.New("boom"), 0); err != nil {
		t.Fatalf("Retry 1: %v", err)
	}

	job, err := q.readJob(ctx, id)
	if err != nil {
		t.Fatalf("readJob: %v", err)
	}
	if job.State != ctrltypes.JobPending || job.Attempts != 1 {
		t.Fatalf("expected pending with attempts=1 after first retry, got state=%s attempts=%d", job.State, job.Attempts)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if err := q.Retry(ctx, id, errors.New("boom again"), 0); err != nil {
		t.Fatalf("Retry 2: %v", err)
	}

	job, err = q.readJob(ctx, id)
	if err != nil {
		t.Fatalf("readJob: %v", err)
	}
	if job.State != ctrltypes.JobFailed {
		t.Fatalf("expected job to be failed once attempts >= maxAttempts, got state=%s attempts=%d", job.State, job.Attempts)
	}
}

func TestRecoverStuckRequeuesStaleProcessingJobs(t *testing.T) {
	q := New(kv.NewFallbackStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ctrltypes.JobMigrateSpot, ctrltypes.MigrateSpotPayload{InstanceID: "i-2"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Force the job's updatedAt into the past to simulate a stalled worker.
	job, err := q.readJob(ctx, id)
	if err != nil {
		t.Fatalf("readJob: %v", err)
	}
	job.UpdatedAt = time.Now().Add(-time.Hour)
	if err := q.writeJob(ctx, job); err != nil {
		t.Fatalf("writeJob: %v", err)
	}

	n, err := q.RecoverStuck(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job recovered, got %d", n)
	}

	recovered, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after recovery: %v", err)
	}
	if recovered == nil || recovered.ID != id {
		t.Fatalf("expected recovered job to be dequeueable again, got %+v", recovered)
	}
	if recovered.Attempts != 1 {
		t.Fatalf("expected attempts incremented by crash recovery, got %d", recovered.Attempts)
	}
}
