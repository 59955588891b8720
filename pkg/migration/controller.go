// Package migration implements the Migration Controller: a periodic scan
// that finds spot-reclaimed instances and migrates them, plus a slower
// second loop that retries recoverable migration failures. Grounded on
// spec.md §4.10 directly; the ticker-driven periodic-pass-with-per-item
// fault isolation shape is modeled on the teacher's
// pkg/roster.RunScheduleTopUpLoop (read before Step-0 deletion).
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/operation"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
	"github.com/wisbric/gpuctl/pkg/worker"
)

// ErrorCategory classifies why a single instance's migration attempt failed.
type ErrorCategory string

const (
	ErrorAPI         ErrorCategory = "api"
	ErrorEligibility ErrorCategory = "eligibility"
	ErrorMigration   ErrorCategory = "migration"
	ErrorConfig      ErrorCategory = "config"
)

// Attempt records a single instance's migration outcome within a scan.
type Attempt struct {
	InstanceID string        `json:"instanceId"`
	ProviderID string        `json:"providerId"`
	Category   ErrorCategory `json:"category,omitempty"`
	Error      string        `json:"error,omitempty"`
	Migrated   bool          `json:"migrated"`
}

// Result is a single scan's outcome, per spec.md §4.10.
type Result struct {
	Total    int       `json:"total"`
	Exited   int       `json:"exited"`
	Eligible int       `json:"eligible"`
	Migrated int       `json:"migrated"`
	Skipped  int       `json:"skipped"`
	Errors   int       `json:"errors"`
	Attempts []Attempt `json:"attempts"`
}

// Config configures the scan cadence, batch size, and enablement.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	RetryFactor int
}

// DefaultConfig returns spec.md's documented defaults (15 min, batches of
// 30, retry loop at 2x the main interval).
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Minute, BatchSize: 30, RetryFactor: 2}
}

// Controller periodically migrates spot-reclaimed instances.
type Controller struct {
	cfg      Config
	provider *providerclient.Client
	ledger   *operation.Ledger
	queue    *queue.Queue
	logger   *slog.Logger

	mu              sync.Mutex
	recoverableLast map[string]Attempt
}

// New builds a Controller.
func New(cfg Config, provider *providerclient.Client, ledger *operation.Ledger, q *queue.Queue, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryFactor == 0 {
		cfg.RetryFactor = def.RetryFactor
	}
	return &Controller{cfg: cfg, provider: provider, ledger: ledger, queue: q, logger: logger, recoverableLast: make(map[string]Attempt)}
}

// Register wires the migrate_spot handler into a Worker Pool. Scan only
// discovers eligible instances and enqueues one migrate_spot job per
// instance; the actual Provider.MigrateInstance call happens here, inside
// the Worker Pool, so a crash mid-migration leaves a recoverable queued
// job instead of a silently abandoned in-memory batch.
func (c *Controller) Register(pool *worker.Pool) {
	pool.Register(ctrltypes.JobMigrateSpot, c.handleMigrateSpot)
}

func (c *Controller) handleMigrateSpot(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.MigrateSpotPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ctrlerr.InternalError{Cause: fmt.Errorf("decoding migrate_spot payload: %w", err)}
	}
	return c.executeMigration(ctx, payload.InstanceID, payload.ProviderID)
}

// Run starts both the main scan loop and the slower-cadence retry loop.
// Returns immediately if migration is disabled.
func (c *Controller) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		c.logger.Info("migration controller disabled, not starting")
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLoop(ctx, c.cfg.Interval, func(ctx context.Context) {
			if _, err := c.Scan(ctx); err != nil {
				c.logger.Warn("migration scan failed", "error", err)
			}
		})
	}()
	go func() {
		defer wg.Done()
		c.runLoop(ctx, c.cfg.Interval*time.Duration(c.cfg.RetryFactor), func(ctx context.Context) {
			c.retryRecoverable(ctx)
		})
	}()
	wg.Wait()
}

func (c *Controller) runLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Scan pulls the full Provider instance list, then enqueues a migrate_spot
// job for every eligible spot-reclaimed instance not already mid-migration
// (batched per pass to bound how many jobs a single scan hands off), and
// returns the per-execution result. The actual Provider.MigrateInstance
// call happens later, inside the Worker Pool (see handleMigrateSpot) —
// Scan's own goroutine never talks to the Provider.
func (c *Controller) Scan(ctx context.Context) (Result, error) {
	if !c.cfg.Enabled {
		return Result{}, &ctrlerr.ValidationError{Field: "migration", Message: "migration controller is disabled"}
	}

	var result Result
	var eligible []ctrltypes.Instance

	cursor := ""
	for {
		page, err := c.provider.ListInstances(ctx, cursor)
		if err != nil {
			result.Errors++
			result.Attempts = append(result.Attempts, Attempt{Category: ErrorAPI, Error: err.Error()})
			return result, nil
		}
		for _, inst := range page.Instances {
			result.Total++
			if inst.Status == ctrltypes.StatusExited {
				result.Exited++
			}
			if isSpotReclaimed(inst) {
				eligible = append(eligible, inst)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	result.Eligible = len(eligible)

	batchEnd := len(eligible)
	if c.cfg.BatchSize > 0 && c.cfg.BatchSize < batchEnd {
		batchEnd = c.cfg.BatchSize
	}
	for _, inst := range eligible[:batchEnd] {
		result.Attempts = append(result.Attempts, c.enqueueMigration(ctx, inst.ID, inst.ProviderID, &result))
	}
	return result, nil
}

// enqueueMigration dedupes via the Operation Ledger (a pending/processing
// migration for this instance causes the scan to skip it) and hands the
// instance off to the Worker Pool exactly once per eligible instance.
func (c *Controller) enqueueMigration(ctx context.Context, instanceID, providerID string, result *Result) Attempt {
	_, created, err := c.ledger.StartOrJoin(ctx, instanceID, ctrltypes.OpMigrate)
	if err != nil {
		result.Errors++
		return Attempt{InstanceID: instanceID, ProviderID: providerID, Category: ErrorAPI, Error: err.Error()}
	}
	if !created {
		result.Skipped++
		telemetry.InstancesMigratedTotal.WithLabelValues("skipped").Inc()
		return Attempt{InstanceID: instanceID, ProviderID: providerID}
	}

	if _, err := c.queue.Enqueue(ctx, ctrltypes.JobMigrateSpot, ctrltypes.MigrateSpotPayload{
		InstanceID: instanceID, ProviderID: providerID,
	}, queue.EnqueueOptions{Priority: 3}); err != nil {
		_ = c.ledger.Advance(ctx, instanceID, ctrltypes.OpMigrate, ctrltypes.OpFailed, err)
		result.Errors++
		telemetry.InstancesMigratedTotal.WithLabelValues("error").Inc()
		return Attempt{InstanceID: instanceID, ProviderID: providerID, Category: ErrorAPI, Error: err.Error()}
	}

	result.Migrated++
	telemetry.InstancesMigratedTotal.WithLabelValues("enqueued").Inc()
	return Attempt{InstanceID: instanceID, ProviderID: providerID, Migrated: true}
}

// executeMigration calls Provider.MigrateInstance exactly once for the
// instance named in a migrate_spot job and advances the Operation Ledger
// to match the outcome. Runs inside the Worker Pool, never on a
// controller's own ticker goroutine.
func (c *Controller) executeMigration(ctx context.Context, instanceID, providerID string) error {
	if _, err := c.provider.MigrateInstance(ctx, providerID); err != nil {
		_ = c.ledger.Advance(ctx, instanceID, ctrltypes.OpMigrate, ctrltypes.OpFailed, err)
		telemetry.InstancesMigratedTotal.WithLabelValues("error").Inc()
		if isRecoverable(err) {
			c.mu.Lock()
			c.recoverableLast[instanceID] = Attempt{InstanceID: instanceID, ProviderID: providerID, Category: ErrorMigration, Error: err.Error()}
			c.mu.Unlock()
			return &worker.RecoverableError{Cause: err, BackoffDur: 5 * time.Second}
		}
		return err
	}

	if err := c.ledger.Advance(ctx, instanceID, ctrltypes.OpMigrate, ctrltypes.OpCompleted, nil); err != nil {
		c.logger.Warn("failed to advance migrate operation to completed", "instance_id", instanceID, "error", err)
	}
	c.mu.Lock()
	delete(c.recoverableLast, instanceID)
	c.mu.Unlock()
	telemetry.InstancesMigratedTotal.WithLabelValues("migrated").Inc()
	return nil
}

// retryRecoverable re-enqueues a migrate_spot job for instances whose last
// attempt failed with a recoverable error, at the slower RetryFactor
// cadence — the retry loop enqueues exactly like Scan does, it never calls
// the Provider itself.
func (c *Controller) retryRecoverable(ctx context.Context) {
	c.mu.Lock()
	pending := make([]Attempt, 0, len(c.recoverableLast))
	for _, a := range c.recoverableLast {
		pending = append(pending, a)
	}
	c.mu.Unlock()

	for _, last := range pending {
		op, err := c.ledger.Get(ctx, last.InstanceID, ctrltypes.OpMigrate)
		if err != nil || op == nil || !op.State.Terminal() {
			// Still in flight (perhaps picked up by the main scan since);
			// leave it for that scan rather than racing it.
			continue
		}
		_, created, err := c.ledger.StartOrJoin(ctx, last.InstanceID, ctrltypes.OpMigrate)
		if err != nil || !created {
			continue
		}
		if _, err := c.queue.Enqueue(ctx, ctrltypes.JobMigrateSpot, ctrltypes.MigrateSpotPayload{
			InstanceID: last.InstanceID, ProviderID: last.ProviderID,
		}, queue.EnqueueOptions{Priority: 3}); err != nil {
			c.logger.Warn("failed to enqueue migration retry", "instance_id", last.InstanceID, "error", err)
			continue
		}
		c.logger.Info("enqueued recoverable migration retry", "instance_id", last.InstanceID)
	}
}

func isSpotReclaimed(inst ctrltypes.Instance) bool {
	return inst.Status == ctrltypes.StatusExited && inst.SpotStatus == "reclaimed"
}

func isRecoverable(err error) bool {
	var providerErr *ctrlerr.ProviderError
	var rateLimited *ctrlerr.RateLimitedError
	var circuitOpen *ctrlerr.CircuitOpenError
	switch {
	case matchErr(err, &providerErr), matchErr(err, &rateLimited), matchErr(err, &circuitOpen):
		return true
	default:
		return false
	}
}

func matchErr[T error](err error, target *T) bool {
	t, ok := err.(T)
	if ok {
		*target = t
	}
	return ok
}
