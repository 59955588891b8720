// Package queue implements the Job Queue: a durable priority queue over
// the KV Store Adapter with single-writer-per-job discipline achieved via
// atomic move rather than locks. Grounded on spec.md §4.5's queue
// keyspace and the vocabulary of
// _examples/other_examples' flyingrobots-go-redis-work-queue backend
// interface (enqueue/dequeue/ack/nack), generalized to this spec's
// complete/fail/retry verbs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
)

const (
	keyPending    = "queue:pending"
	keyProcessing = "queue:processing"
	keyCompleted  = "queue:completed"
	keyFailed     = "queue:failed"

	priorityScale = 1_000_000.0

	// retentionBound caps how many completed/failed records are kept.
	retentionBound = 1000
)

func jobKey(id string) string { return "job:" + id }

// EnqueueOptions customizes a single enqueue call.
type EnqueueOptions struct {
	Priority       int
	MaxAttempts    int
	NextEligibleAt time.Time
}

// Queue is the Job Queue over a shared kv.Store.
type Queue struct {
	store kv.Store
	now   func() time.Time
}

// New builds a Queue.
func New(store kv.Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

func score(priority int, createdAt time.Time) float64 {
	return -(float64(priority) * priorityScale) + float64(createdAt.UnixMilli())
}

// Enqueue writes the job record and adds it to the pending set, scored so
// higher priority sorts first and, within a priority, earlier-created
// jobs sort first (FIFO).
func (q *Queue) Enqueue(ctx context.Context, jobType ctrltypes.JobType, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	now := q.now()
	nextEligible := opts.NextEligibleAt
	if nextEligible.IsZero() {
		nextEligible = now
	}

	job := ctrltypes.Job{
		ID:             uuid.NewString(),
		Type:           jobType,
		Payload:        raw,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: nextEligible,
		State:          ctrltypes.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := q.writeJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.store.ZAdd(ctx, keyPending, kv.ZMember{Member: job.ID, Score: score(job.Priority, job.CreatedAt)}); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Queue) writeJob(ctx context.Context, job *ctrltypes.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}
	return q.store.Set(ctx, jobKey(job.ID), string(raw), 0)
}

func (q *Queue) readJob(ctx context.Context, id string) (*ctrltypes.Job, error) {
	raw, ok, err := q.store.Get(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var job ctrltypes.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// processingMarker is the fixed value stored for every entry in the
// processing set; it does not identify which worker holds the job.
const processingMarker = "1"

// Dequeue atomically pops the lowest-scoring eligible job (score encodes
// priority then creation time; a job whose nextEligibleAt is in the
// future is not eligible) and marks it processing. Returns nil, nil on an
// empty/ineligible queue.
func (q *Queue) Dequeue(ctx context.Context) (*ctrltypes.Job, error) {
	now := q.now()
	candidates, err := q.store.ZRange(ctx, keyPending, -1e18, 1e18)
	if err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		job, err := q.readJob(ctx, cand.Member)
		if err != nil {
			return nil, err
		}
		if job == nil {
			// Record vanished (e.g. HardReset race); drop the stale pointer.
			_ = q.store.ZRem(ctx, keyPending, cand.Member)
			continue
		}
		if job.NextEligibleAt.After(now) {
			continue
		}
		moved, err := q.store.MoveIfMember(ctx, keyPending, cand.Member, cand.Score, keyProcessing, cand.Member, processingMarker)
		if err != nil {
			return nil, err
		}
		if !moved {
			// Another worker won the race; try the next candidate.
			continue
		}
		job.State = ctrltypes.JobProcessing
		job.UpdatedAt = now
		if err := q.writeJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// Complete moves jobId from processing to the completed set, trimmed to
// the retention bound.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	now := q.now()
	job.State = ctrltypes.JobCompleted
	job.UpdatedAt = now
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.HDel(ctx, keyProcessing, jobID); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, keyCompleted, kv.ZMember{Member: jobID, Score: float64(now.UnixMilli())}); err != nil {
		return err
	}
	return q.trim(ctx, keyCompleted)
}

// Fail moves jobId from processing to the failed set (terminal).
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	now := q.now()
	job.State = ctrltypes.JobFailed
	job.UpdatedAt = now
	if cause != nil {
		job.LastError = cause.Error()
	}
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.HDel(ctx, keyProcessing, jobID); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, keyFailed, kv.ZMember{Member: jobID, Score: float64(now.UnixMilli())}); err != nil {
		return err
	}
	return q.trim(ctx, keyFailed)
}

// Retry increments attempts and returns the job to pending with an
// increased nextEligibleAt, unless attempts have been exhausted, in which
// case it fails the job instead.
func (q *Queue) Retry(ctx context.Context, jobID string, cause error, backoffDelay time.Duration) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		return q.Fail(ctx, jobID, cause)
	}

	now := q.now()
	job.State = ctrltypes.JobPending
	job.UpdatedAt = now
	job.NextEligibleAt = now.Add(backoffDelay)
	if cause != nil {
		job.LastError = cause.Error()
	}
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.HDel(ctx, keyProcessing, jobID); err != nil {
		return err
	}
	return q.store.ZAdd(ctx, keyPending, kv.ZMember{Member: jobID, Score: score(job.Priority, job.CreatedAt)})
}

func (q *Queue) trim(ctx context.Context, setKey string) error {
	members, err := q.store.ZRange(ctx, setKey, -1e18, 1e18)
	if err != nil {
		return err
	}
	if len(members) <= retentionBound {
		return nil
	}
	excess := len(members) - retentionBound
	for i := 0; i < excess; i++ {
		if err := q.store.ZRem(ctx, setKey, members[i].Member); err != nil {
			return err
		}
	}
	return nil
}

// RecoverStuck requeues jobs that have sat in processing longer than
// staleAfter, incrementing their attempts ("crash-recovered"). Intended to
// run once at boot before the Worker Pool starts dequeuing.
func (q *Queue) RecoverStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	processing, err := q.store.HGetAll(ctx, keyProcessing)
	if err != nil {
		return 0, err
	}
	recovered := 0
	now := q.now()
	for jobID := range processing {
		job, err := q.readJob(ctx, jobID)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			_ = q.store.HDel(ctx, keyProcessing, jobID)
			continue
		}
		if now.Sub(job.UpdatedAt) < staleAfter {
			continue
		}
		job.Attempts++
		job.State = ctrltypes.JobPending
		job.UpdatedAt = now
		job.NextEligibleAt = now
		if err := q.writeJob(ctx, job); err != nil {
			return recovered, err
		}
		if err := q.store.HDel(ctx, keyProcessing, jobID); err != nil {
			return recovered, err
		}
		if err := q.store.ZAdd(ctx, keyPending, kv.ZMember{Member: jobID, Score: score(job.Priority, job.CreatedAt)}); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Depth reports the current size of each logical set, used by
// GetHealth/GetMetrics.
type Depth struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}

// Depth returns the current queue depth.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pending, err := q.store.ZCard(ctx, keyPending)
	if err != nil {
		return Depth{}, err
	}
	processing, err := q.store.HGetAll(ctx, keyProcessing)
	if err != nil {
		return Depth{}, err
	}
	completed, err := q.store.ZCard(ctx, keyCompleted)
	if err != nil {
		return Depth{}, err
	}
	failed, err := q.store.ZCard(ctx, keyFailed)
	if err != nil {
		return Depth{}, err
	}
	depth := Depth{Pending: pending, Processing: int64(len(processing)), Completed: completed, Failed: failed}
	telemetry.QueueDepthGauge.WithLabelValues("pending").Set(float64(depth.Pending))
	telemetry.QueueDepthGauge.WithLabelValues("processing").Set(float64(depth.Processing))
	telemetry.QueueDepthGauge.WithLabelValues("completed").Set(float64(depth.Completed))
	telemetry.QueueDepthGauge.WithLabelValues("failed").Set(float64(depth.Failed))
	return depth, nil
}

// Reset drains every logical set (pending, processing, completed, failed)
// and deletes their job records. Destructive — backs the Intent API's
// HardReset operation; never called from normal job processing.
func (q *Queue) Reset(ctx context.Context) error {
	for _, setKey := range []string{keyPending, keyCompleted, keyFailed} {
		for {
			member, ok, err := q.store.ZPopMin(ctx, setKey)
			if err != nil {
				return fmt.Errorf("draining %s: %w", setKey, err)
			}
			if !ok {
				break
			}
			if err := q.store.Del(ctx, jobKey(member.Member)); err != nil {
				return fmt.Errorf("deleting job record %s: %w", member.Member, err)
			}
		}
	}
	processing, err := q.store.HGetAll(ctx, keyProcessing)
	if err != nil {
		return fmt.Errorf("reading processing set: %w", err)
	}
	for jobID := range processing {
		if err := q.store.HDel(ctx, keyProcessing, jobID); err != nil {
			return fmt.Errorf("clearing processing entry %s: %w", jobID, err)
		}
		if err := q.store.Del(ctx, jobKey(jobID)); err != nil {
			return fmt.Errorf("deleting job record %s: %w", jobID, err)
		}
	}
	return nil
}
