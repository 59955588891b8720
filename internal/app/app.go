// Package app wires the control plane together: it reads config, connects
// to infrastructure, and starts the appropriate mode (api or worker).
// Grounded on the teacher's internal/app.Run (top-level wiring shape,
// mode dispatch, and runAPI/runWorker shutdown pattern).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/gpuctl/internal/config"
	"github.com/wisbric/gpuctl/internal/httpapi"
	"github.com/wisbric/gpuctl/internal/telemetry"
	"github.com/wisbric/gpuctl/pkg/autostop"
	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/instance"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/lifecycle"
	"github.com/wisbric/gpuctl/pkg/migration"
	"github.com/wisbric/gpuctl/pkg/operation"
	"github.com/wisbric/gpuctl/pkg/probe"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
	"github.com/wisbric/gpuctl/pkg/reconcile"
	"github.com/wisbric/gpuctl/pkg/webhook"
	"github.com/wisbric/gpuctl/pkg/worker"
)

// infra bundles every shared collaborator built once at boot and handed
// to whichever mode runs.
type infra struct {
	logger     *slog.Logger
	store      kv.Store
	provider   *providerclient.Client
	instances  *cache.Cache[ctrltypes.Instance]
	products   *cache.Cache[providerclient.Product]
	templates  *cache.Cache[providerclient.Template]
	ledger     *operation.Ledger
	q          *queue.Queue
	dispatcher *webhook.Dispatcher
	svc        *instance.Service
	lc         *lifecycle.Controller
	as         *autostop.Controller
	mig        *migration.Controller
	rec        *reconcile.Reconciler
	metricsReg *prometheus.Registry
}

// Run is the main application entry point.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gpuctl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	in, err := buildInfra(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring infrastructure: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, in)
	case "worker":
		return runWorker(ctx, cfg, in)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func buildInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*infra, error) {
	var remote kv.Store
	if cfg.KVURL != "" {
		rs, err := kv.NewRedisStore(ctx, cfg.KVURL, "gpuctl")
		if err != nil {
			if !cfg.KVAllowFallback {
				return nil, fmt.Errorf("connecting to kv store: %w", err)
			}
			logger.Warn("kv store unavailable at boot, starting in fallback mode", "error", err)
		} else {
			remote = rs
		}
	}
	store := kv.NewAdapter(remote, logger)

	provider := providerclient.New(providerclient.Config{
		BaseURL:    cfg.ProviderBaseURL,
		APIKey:     cfg.ProviderAPIKey,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderMaxRetries,

		RateLimitCapacity: cfg.RateLimitBurst,
		RateLimitWindow:   time.Second,

		BreakerFailureThreshold: cfg.CircuitFailureThresh,
		BreakerOpenTimeout:      cfg.CircuitOpenTimeout,
	})

	instances := cache.New[ctrltypes.Instance](store, cache.Config{Name: "instances"}, logger)
	products := cache.New[providerclient.Product](store, cache.Config{Name: "products", DefaultTTL: time.Hour}, logger)
	templates := cache.New[providerclient.Template](store, cache.Config{Name: "templates", DefaultTTL: time.Hour}, logger)

	ledger := operation.New(store)
	q := queue.New(store)
	dispatcher := webhook.New(webhook.Config{Secret: cfg.WebhookSecret, MaxAttempts: cfg.WebhookMaxRetries, Timeout: cfg.WebhookTimeout}, logger)

	svc := instance.New(instance.Config{DefaultRegion: cfg.DefaultRegion}, instances, ledger, q, provider, logger)

	lc := lifecycle.New(lifecycle.Config{PollInterval: cfg.PollInterval, DefaultMaxWait: cfg.StartupTimeout},
		provider, probe.New(), instances, products, templates, q, dispatcher, logger)

	as := autostop.New(autostop.Config{Interval: cfg.AutoStopInterval, Threshold: cfg.AutoStopThreshold, DryRun: cfg.AutoStopDryRun}, instances, svc, q, logger)

	mig := migration.New(migration.Config{
		Enabled: cfg.MigrationEnabled, Interval: cfg.MigrationInterval,
		BatchSize: cfg.MigrationBatchSize, RetryFactor: cfg.MigrationRetryFactor,
	}, provider, ledger, q, logger)

	rec := reconcile.New(reconcile.Config{
		LockTTL: cfg.ReconcileLockTTL, DeleteOrphans: cfg.ReconcileDeleteOrphans, OrphanRetention: cfg.ReconcileOrphanRetention,
	}, store, provider, instances, logger)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	return &infra{
		logger: logger, store: store, provider: provider,
		instances: instances, products: products, templates: templates,
		ledger: ledger, q: q, dispatcher: dispatcher, svc: svc,
		lc: lc, as: as, mig: mig, rec: rec, metricsReg: metricsReg,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, in *infra) error {
	srv := httpapi.NewServer(httpapi.Deps{
		Instances: in.svc, AutoStop: in.as, Migration: in.mig, Reconcile: in.rec,
		Cache: in.instances, Queue: in.q, KV: in.store, Provider: in.provider,
		Metrics: in.metricsReg, Logger: in.logger, CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		in.logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		in.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, in *infra) error {
	recovered, err := in.q.RecoverStuck(ctx, cfg.StartupTimeout)
	if err != nil {
		in.logger.Error("recovering stuck jobs failed", "error", err)
	} else if recovered > 0 {
		in.logger.Info("recovered stuck jobs at boot", "count", recovered)
	}

	summary, err := in.rec.Run(ctx)
	if err != nil {
		in.logger.Error("startup reconciliation failed", "error", err)
	} else {
		in.logger.Info("startup reconciliation complete", "scanned", summary.Scanned, "upserted", summary.Upserted,
			"orphans_marked", summary.OrphansMarked, "orphans_removed", summary.OrphansRemoved, "skipped", summary.Skipped)
	}

	pool := worker.New(in.q, worker.Config{Concurrency: cfg.WorkerConcurrency}, in.logger)
	in.lc.Register(pool)
	in.as.Register(pool)
	in.mig.Register(pool)

	go in.as.Run(ctx)
	go in.mig.Run(ctx)

	in.logger.Info("worker pool started", "concurrency", cfg.WorkerConcurrency)
	return pool.Run(ctx, cfg.ShutdownGracePeriod)
}
