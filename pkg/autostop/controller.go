// Package autostop implements the Auto-Stop Controller: a periodic scan
// that stops idle instances. Grounded on spec.md §4.9 directly; the
// periodic-scan-then-act shape, including tolerating a single bad record
// without aborting the whole pass, is modeled on the teacher's
// pkg/roster.RunScheduleTopUpLoop (read before Step-0 deletion).
package autostop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/instance"
	"github.com/wisbric/gpuctl/pkg/queue"
	"github.com/wisbric/gpuctl/pkg/worker"
)

// Config configures the scan interval and idle threshold.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	DryRun    bool
}

// DefaultConfig returns spec.md's documented defaults (5 min / 20 min).
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, Threshold: 20 * time.Minute}
}

// Controller periodically stops instances that have been idle past the
// configured threshold.
type Controller struct {
	cfg       Config
	instances *cache.Cache[ctrltypes.Instance]
	svc       *instance.Service
	queue     *queue.Queue
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastStats Stats
}

// New builds a Controller.
func New(cfg Config, instances *cache.Cache[ctrltypes.Instance], svc *instance.Service, q *queue.Queue, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	return &Controller{cfg: cfg, instances: instances, svc: svc, queue: q, logger: logger, now: time.Now}
}

// Register wires the auto_stop_check handler into a Worker Pool, so the
// periodic scan itself runs as a queued job rather than directly on the
// controller's own ticker goroutine.
func (c *Controller) Register(pool *worker.Pool) {
	pool.Register(ctrltypes.JobAutoStopCheck, c.handleAutoStopCheck)
}

func (c *Controller) handleAutoStopCheck(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.AutoStopCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &ctrlerr.InternalError{Cause: fmt.Errorf("decoding auto_stop_check payload: %w", err)}
	}
	_, err := c.TriggerScan(ctx, payload.DryRun)
	return err
}

// Stats summarizes a single scan's outcome, returned by TriggerScan and
// retained for GetStats.
type Stats struct {
	Scanned   int       `json:"scanned"`
	Idle      int       `json:"idle"`
	Stopped   int       `json:"stopped"`
	Errors    int       `json:"errors"`
	DryRun    bool      `json:"dryRun"`
	StoppedAt time.Time `json:"stoppedAt"`
}

// Run starts the periodic scan loop; it returns when ctx is canceled. Per
// tick it only enqueues an auto_stop_check job — the scan itself executes
// inside the Worker Pool (see handleAutoStopCheck), so a crash mid-scan
// leaves a recoverable job rather than silently dropping the tick.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.Enqueue(ctx, ctrltypes.JobAutoStopCheck, ctrltypes.AutoStopCheckPayload{DryRun: c.cfg.DryRun}, queue.EnqueueOptions{Priority: 2}); err != nil {
				c.logger.Warn("failed to enqueue auto-stop scan", "error", err)
			}
		}
	}
}

// TriggerScan runs a single scan immediately, honoring dryRun (enumerate
// candidates without stopping them).
func (c *Controller) TriggerScan(ctx context.Context, dryRun bool) (Stats, error) {
	keys, err := c.instances.Keys(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{DryRun: dryRun, StoppedAt: c.now()}
	for _, key := range keys {
		inst, ok, err := c.instances.Get(ctx, key)
		if err != nil {
			c.logger.Warn("skipping unreadable instance during auto-stop scan", "key", key, "error", err)
			stats.Errors++
			continue
		}
		if !ok {
			continue
		}
		stats.Scanned++

		if c.repairTimestamps(&inst) {
			if err := c.instances.Set(ctx, inst.ID, inst, 0); err != nil {
				c.logger.Warn("failed to persist repaired timestamp", "instance_id", inst.ID, "error", err)
			}
		}

		if inst.Status != ctrltypes.StatusReady && inst.Status != ctrltypes.StatusRunning {
			continue
		}
		if c.now().Sub(inst.EffectiveLastUsed()) < c.cfg.Threshold {
			continue
		}
		stats.Idle++

		if dryRun {
			continue
		}
		if _, err := c.svc.StopInstance(ctx, inst.ID, ""); err != nil {
			c.logger.Warn("auto-stop failed to stop idle instance", "instance_id", inst.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Stopped++
		telemetry.InstancesAutoStoppedTotal.Inc()
	}
	c.mu.Lock()
	c.lastStats = stats
	c.mu.Unlock()
	return stats, nil
}

// GetStats returns the most recently completed scan's stats.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// repairTimestamps implements the documented timestamp-hygiene rule: any
// instance whose LastUsedAt fails validation (not parseable, future-dated
// beyond skew tolerance, or the zero value) is repaired to the created
// timestamp in place before evaluation. Returns whether a repair was made.
func (c *Controller) repairTimestamps(inst *ctrltypes.Instance) bool {
	if inst.LastUsedAt == nil {
		return false
	}
	maxSkew := 5 * time.Minute
	if inst.LastUsedAt.IsZero() || inst.LastUsedAt.After(c.now().Add(maxSkew)) {
		repaired := inst.CreatedAt
		inst.LastUsedAt = &repaired
		return true
	}
	return false
}
