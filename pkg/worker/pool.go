// Package worker implements the Worker Pool: a fixed-concurrency
// dispatcher that pops jobs from the Job Queue, routes by type to a
// registered Handler, enforces a per-type deadline, and records the
// outcome. Grounded on the teacher's pkg/roster/worker.go
// RunScheduleTopUpLoop (tick-loop-over-a-shared-queue shape, read before
// Step-0 deletion), generalized from a single scheduled task to a
// multi-type dispatch table, and on golang.org/x/sync/errgroup for
// coordinated shutdown.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/queue"
)

// Handler processes one job's payload. A nil error completes the job; a
// RecoverableError causes a retry with backoff; any other error fails the
// job outright.
type Handler func(ctx context.Context, job *ctrltypes.Job) error

// RecoverableError marks an error as retry-eligible rather than terminal.
type RecoverableError struct {
	Cause      error
	BackoffDur time.Duration
}

func (e *RecoverableError) Error() string { return e.Cause.Error() }
func (e *RecoverableError) Unwrap() error { return e.Cause }

// Config configures the pool's concurrency and per-type deadlines.
type Config struct {
	Concurrency     int
	DefaultDeadline time.Duration
	TypeDeadlines   map[ctrltypes.JobType]time.Duration
	PollInterval    time.Duration
}

// Pool is the fixed-concurrency Worker Pool.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	logger   *slog.Logger
	handlers map[ctrltypes.JobType]Handler
}

// New builds a Pool. Register handlers with Register before calling Run.
func New(q *queue.Queue, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		logger:   logger,
		handlers: make(map[ctrltypes.JobType]Handler),
	}
}

// Register binds a Handler to a job type. Call before Run.
func (p *Pool) Register(jobType ctrltypes.JobType, h Handler) {
	p.handlers[jobType] = h
}

func (p *Pool) deadlineFor(jobType ctrltypes.JobType) time.Duration {
	if d, ok := p.cfg.TypeDeadlines[jobType]; ok {
		return d
	}
	return p.cfg.DefaultDeadline
}

// Run starts Concurrency worker loops and blocks until ctx is canceled,
// then lets in-flight handlers finish within gracePeriod before
// returning. Workers that are idle (queue empty) simply poll again after
// PollInterval.
func (p *Pool) Run(ctx context.Context, gracePeriod time.Duration) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		grp.Go(func() error {
			p.loop(grpCtx)
			return nil
		})
	}

	<-ctx.Done()
	// Workers observe ctx.Done() via grpCtx (derived from ctx) and will stop
	// admitting new jobs; give in-flight handlers gracePeriod to finish.
	done := make(chan error, 1)
	go func() { done <- grp.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(gracePeriod):
		p.logger.Warn("worker pool grace period elapsed with handlers still in flight")
		return nil
	}
}

func (p *Pool) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *ctrltypes.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.logger.Error("no handler registered for job type", "type", job.Type, "job_id", job.ID)
		if err := p.queue.Fail(ctx, job.ID, errUnregisteredType(job.Type)); err != nil {
			p.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, p.deadlineFor(job.Type))
	defer cancel()

	err := handler(handlerCtx, job)
	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			p.logger.Error("complete failed", "job_id", job.ID, "error", cerr)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), "completed").Inc()
	case isRecoverable(err):
		rec := err.(*RecoverableError)
		backoffDur := rec.BackoffDur
		if backoffDur == 0 {
			backoffDur = time.Second
		}
		if rerr := p.queue.Retry(ctx, job.ID, rec.Cause, backoffDur); rerr != nil {
			p.logger.Error("retry failed", "job_id", job.ID, "error", rerr)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), "retried").Inc()
	default:
		p.logger.Error("job failed permanently", "job_id", job.ID, "type", job.Type, "error", err)
		if ferr := p.queue.Fail(ctx, job.ID, err); ferr != nil {
			p.logger.Error("fail failed", "job_id", job.ID, "error", ferr)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(string(job.Type), "failed").Inc()
	}
}

func isRecoverable(err error) bool {
	_, ok := err.(*RecoverableError)
	return ok
}

type errUnregisteredType ctrltypes.JobType

func (e errUnregisteredType) Error() string {
	return "no handler registered for job type " + string(e)
}
