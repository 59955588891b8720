// Package reconcile implements the Startup Reconciler: a one-shot,
// lock-guarded pass that heals divergence between the cached instance
// view and Provider truth. Grounded on spec.md §4.11 directly; the
// acquire-lock-or-abort-gracefully shape is modeled on the teacher's
// pkg/alert.Deduplicator lock usage (read before Step-0 deletion),
// generalized from per-alert dedup locking to a single whole-process
// startup lock.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/providerclient"
)

const lockName = "lock:startup-sync"

// Config configures the reconciler's lock TTL and orphan-retention policy.
type Config struct {
	LockTTL         time.Duration
	DeleteOrphans   bool
	OrphanRetention time.Duration
}

// DefaultConfig returns a lock TTL generously longer than an expected
// full-catalog sync, and soft-delete orphans with a 7-day retention.
func DefaultConfig() Config {
	return Config{LockTTL: 5 * time.Minute, DeleteOrphans: false, OrphanRetention: 7 * 24 * time.Hour}
}

// Summary is the result of a completed reconciliation pass.
type Summary struct {
	Scanned        int  `json:"scanned"`
	Upserted       int  `json:"upserted"`
	OrphansRemoved int  `json:"orphansRemoved"`
	OrphansMarked  int  `json:"orphansMarked"`
	Skipped        bool `json:"skipped"`
}

// Reconciler runs the one-shot startup sync.
type Reconciler struct {
	cfg       Config
	store     kv.Store
	provider  *providerclient.Client
	instances *cache.Cache[ctrltypes.Instance]
	logger    *slog.Logger
	holderID  string
}

// New builds a Reconciler.
func New(cfg Config, store kv.Store, provider *providerclient.Client, instances *cache.Cache[ctrltypes.Instance], logger *slog.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.LockTTL == 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.OrphanRetention == 0 {
		cfg.OrphanRetention = def.OrphanRetention
	}
	return &Reconciler{cfg: cfg, store: store, provider: provider, instances: instances, logger: logger, holderID: uuid.NewString()}
}

// Run acquires the startup lock (aborting gracefully if another process
// already holds it), reconciles the cache against Provider truth, then
// releases the lock.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	acquired, err := r.store.AcquireLock(ctx, lockName, r.holderID, r.cfg.LockTTL)
	if err != nil {
		return Summary{}, fmt.Errorf("acquiring startup-sync lock: %w", err)
	}
	if !acquired {
		r.logger.Info("startup reconciliation already in progress elsewhere, skipping")
		return Summary{Skipped: true}, nil
	}
	defer func() {
		if err := r.store.ReleaseLock(ctx, lockName, r.holderID); err != nil {
			r.logger.Warn("failed to release startup-sync lock", "error", err)
		}
	}()

	providerTruth, err := r.fetchProviderTruth(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing provider instances: %w", err)
	}

	cached, err := r.snapshotCache(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("snapshotting cache: %w", err)
	}

	toUpsert, orphans := r.diff(providerTruth, cached)

	summary := Summary{Scanned: len(cached)}
	if err := r.applyUpserts(ctx, toUpsert, &summary); err != nil {
		return Summary{}, fmt.Errorf("applying upserts: %w", err)
	}
	if err := r.applyOrphans(ctx, orphans, &summary); err != nil {
		return Summary{}, fmt.Errorf("applying orphan handling: %w", err)
	}

	r.logger.Info("startup reconciliation complete",
		"scanned", summary.Scanned, "upserted", summary.Upserted,
		"orphans_removed", summary.OrphansRemoved, "orphans_marked", summary.OrphansMarked)
	return summary, nil
}

func (r *Reconciler) fetchProviderTruth(ctx context.Context) (map[string]ctrltypes.Instance, error) {
	truth := make(map[string]ctrltypes.Instance)
	cursor := ""
	for {
		page, err := r.provider.ListInstances(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, inst := range page.Instances {
			truth[inst.ProviderID] = inst
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return truth, nil
}

func (r *Reconciler) snapshotCache(ctx context.Context) (map[string]ctrltypes.Instance, error) {
	keys, err := r.instances.Keys(ctx, "")
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]ctrltypes.Instance, len(keys))
	for _, k := range keys {
		inst, ok, err := r.instances.Get(ctx, k)
		if err != nil {
			r.logger.Warn("skipping unreadable cached instance during reconciliation", "key", k, "error", err)
			continue
		}
		if ok {
			snapshot[k] = inst
		}
	}
	return snapshot, nil
}

// diff computes toUpsert (Provider truth, keyed by local instance id when
// known, else a synthesized one) and orphans (cached instances with a
// Provider id absent from Provider truth).
func (r *Reconciler) diff(providerTruth, cached map[string]ctrltypes.Instance) (toUpsert []ctrltypes.Instance, orphans []ctrltypes.Instance) {
	localByProviderID := make(map[string]string, len(cached))
	for localID, inst := range cached {
		if inst.ProviderID != "" {
			localByProviderID[inst.ProviderID] = localID
		}
	}

	for providerID, providerInst := range providerTruth {
		localID, known := localByProviderID[providerID]
		merged := providerInst
		if known {
			merged.ID = localID
			if existing, ok := cached[localID]; ok {
				merged.Name = existing.Name
				merged.WebhookURL = existing.WebhookURL
				merged.LastUsedAt = existing.LastUsedAt
				merged.CreatedAt = existing.CreatedAt
			}
		} else {
			merged.ID = providerID
		}
		toUpsert = append(toUpsert, merged)
	}

	for localID, inst := range cached {
		if inst.ProviderID == "" {
			continue
		}
		if _, stillExists := providerTruth[inst.ProviderID]; !stillExists {
			inst.ID = localID
			orphans = append(orphans, inst)
		}
	}
	return toUpsert, orphans
}

func (r *Reconciler) applyUpserts(ctx context.Context, toUpsert []ctrltypes.Instance, summary *Summary) error {
	if len(toUpsert) == 0 {
		return nil
	}
	updates := make(map[string]ctrltypes.Instance, len(toUpsert))
	for _, inst := range toUpsert {
		updates[inst.ID] = inst
	}
	if err := r.instances.BulkSyncCache(ctx, updates, nil, 0); err != nil {
		return err
	}
	summary.Upserted = len(toUpsert)
	return nil
}

func (r *Reconciler) applyOrphans(ctx context.Context, orphans []ctrltypes.Instance, summary *Summary) error {
	if len(orphans) == 0 {
		return nil
	}
	if r.cfg.DeleteOrphans {
		var toDelete []string
		for _, inst := range orphans {
			toDelete = append(toDelete, inst.ID)
		}
		if err := r.instances.BulkSyncCache(ctx, nil, toDelete, 0); err != nil {
			return err
		}
		summary.OrphansRemoved = len(toDelete)
		return nil
	}

	now := time.Now()
	expiry := now.Add(r.cfg.OrphanRetention)
	updates := make(map[string]ctrltypes.Instance, len(orphans))
	for _, inst := range orphans {
		inst.Status = ctrltypes.StatusTerminated
		inst.TerminatedAt = &now
		inst.RetentionExpiresAt = &expiry
		updates[inst.ID] = inst
	}
	if err := r.instances.BulkSyncCache(ctx, updates, nil, 0); err != nil {
		return err
	}
	summary.OrphansMarked = len(orphans)
	return nil
}
