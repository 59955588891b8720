// Package lifecycle implements the Lifecycle Controller: the create and
// monitor state machines that layer Provider status polling with
// application health checks. Grounded on spec.md §4.8 directly; the
// per-instance serialized state-machine shape is modeled on the teacher's
// pkg/escalation/engine.go tier-advancement loop (read before Step-0
// deletion), generalized from escalation-tier advancement to
// instance-lifecycle advancement.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/probe"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
	"github.com/wisbric/gpuctl/pkg/webhook"
	"github.com/wisbric/gpuctl/pkg/worker"
)

// Config configures the default poll cadence and startup timeout.
type Config struct {
	PollInterval      time.Duration
	DefaultMaxWait    time.Duration
	DefaultWebhookURL string
}

// DefaultConfig returns spec.md's documented defaults (30s poll).
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second, DefaultMaxWait: 10 * time.Minute}
}

// Controller owns the create_instance / monitor_instance / monitor_startup
// job handlers.
type Controller struct {
	cfg        Config
	provider   *providerclient.Client
	prober     *probe.Prober
	instances  *cache.Cache[ctrltypes.Instance]
	products   *cache.Cache[providerclient.Product]
	templates  *cache.Cache[providerclient.Template]
	queue      *queue.Queue
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger

	// endpointHostForPort maps a port to the host used to build that
	// endpoint's health-check URL. Overridable in tests; defaults to using
	// the instance's Provider ID verbatim (it is a routable hostname in
	// production, where every exposed port resolves against it).
	endpointHostForPort func(port int) string
}

// New builds a Controller.
func New(
	cfg Config,
	provider *providerclient.Client,
	prober *probe.Prober,
	instances *cache.Cache[ctrltypes.Instance],
	products *cache.Cache[providerclient.Product],
	templates *cache.Cache[providerclient.Template],
	q *queue.Queue,
	dispatcher *webhook.Dispatcher,
	logger *slog.Logger,
) *Controller {
	def := DefaultConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultMaxWait == 0 {
		cfg.DefaultMaxWait = def.DefaultMaxWait
	}
	return &Controller{
		cfg:        cfg,
		provider:   provider,
		prober:     prober,
		instances:  instances,
		products:   products,
		templates:  templates,
		queue:      q,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register wires this controller's handlers into a Worker Pool.
func (c *Controller) Register(pool *worker.Pool) {
	pool.Register(ctrltypes.JobCreateInstance, c.handleCreate)
	pool.Register(ctrltypes.JobMonitorInstance, c.handleMonitor)
	pool.Register(ctrltypes.JobMonitorStartup, c.handleMonitorStartup)
	pool.Register(ctrltypes.JobSendWebhook, c.handleSendWebhook)
}

// handleSendWebhook delivers a single webhook. Delivery is best-effort per
// spec: the Dispatcher already retries internally, so a failure here is
// logged and the job still completes rather than being retried by the
// Worker Pool on top of the Dispatcher's own backoff.
func (c *Controller) handleSendWebhook(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.SendWebhookPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if err := c.dispatcher.Deliver(ctx, payload.URL, payload.Payload); err != nil {
		c.logger.Warn("webhook delivery failed", "instance_id", payload.Payload.InstanceID, "status", payload.Payload.Status, "error", err)
	}
	return nil
}

func (c *Controller) saveInstance(ctx context.Context, inst *ctrltypes.Instance) error {
	return c.instances.Set(ctx, inst.ID, *inst, 0)
}

func (c *Controller) loadInstance(ctx context.Context, instanceID string) (*ctrltypes.Instance, error) {
	inst, ok, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ctrlerr.NotFoundError{Kind: "instance", ID: instanceID}
	}
	return &inst, nil
}

// handleCreate implements spec.md §4.8's create flow: resolve product,
// resolve template, createInstance, startInstance, enqueue monitor.
func (c *Controller) handleCreate(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.CreateInstancePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	inst, err := c.loadInstance(ctx, payload.InstanceID)
	if err != nil {
		return err
	}

	product, err := c.resolveProduct(ctx, payload.ProductName, payload.Region)
	if err != nil {
		return recoverableIfTransient(err)
	}

	template, err := c.resolveTemplate(ctx, payload.TemplateID)
	if err != nil {
		return recoverableIfTransient(err)
	}

	config := ctrltypes.InstanceConfig{
		GPUCount:   payload.GPUCount,
		RootDiskGB: payload.RootDiskGB,
		Region:     payload.Region,
		ImageRef:   template.ImageRef,
	}

	created, err := c.provider.CreateInstance(ctx, providerclient.CreateInstanceRequest{
		ProductID:  product.ID,
		TemplateID: payload.TemplateID,
		Name:       payload.Name,
		Config:     config,
	})
	if err != nil {
		return recoverableIfTransient(err)
	}

	inst.ProviderID = created.ProviderID
	inst.ProductID = product.ID
	inst.TemplateID = payload.TemplateID
	inst.Config = config
	inst.Status = ctrltypes.StatusCreated
	if err := c.saveInstance(ctx, inst); err != nil {
		return err
	}

	if err := c.provider.StartInstance(ctx, inst.ProviderID); err != nil {
		return recoverableIfTransient(err)
	}
	inst.Status = ctrltypes.StatusStarting
	startedAt := time.Now()
	inst.StartedAt = &startedAt
	if err := c.saveInstance(ctx, inst); err != nil {
		return err
	}

	maxWait := c.cfg.DefaultMaxWait
	_, err = c.queue.Enqueue(ctx, ctrltypes.JobMonitorInstance, ctrltypes.MonitorInstancePayload{
		InstanceID:     inst.ID,
		ProviderID:     inst.ProviderID,
		OperationID:    payload.InstanceID,
		StartTime:      startedAt,
		MaxWaitTimeMs:  int(maxWait.Milliseconds()),
		PollIntervalMs: int(c.cfg.PollInterval.Milliseconds()),
		WebhookURL:     payload.WebhookURL,
	}, queue.EnqueueOptions{Priority: 5})
	return err
}

func (c *Controller) resolveProduct(ctx context.Context, productName, region string) (*providerclient.Product, error) {
	cacheKey := productName + ":" + region
	if cached, ok, err := c.products.Get(ctx, cacheKey); err == nil && ok {
		return &cached, nil
	}
	candidates, err := c.provider.ListProducts(ctx, map[string]string{"name": productName, "region": region})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &ctrlerr.NotFoundError{Kind: "product", ID: productName}
	}
	best := candidates[0]
	if err := c.products.Set(ctx, cacheKey, best, 0); err != nil {
		c.logger.Warn("product cache write failed", "error", err)
	}
	return &best, nil
}

func (c *Controller) resolveTemplate(ctx context.Context, templateID string) (*providerclient.Template, error) {
	if cached, ok, err := c.templates.Get(ctx, templateID); err == nil && ok {
		return &cached, nil
	}
	tmpl, err := c.provider.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := c.templates.Set(ctx, templateID, *tmpl, 0); err != nil {
		c.logger.Warn("template cache write failed", "error", err)
	}
	return tmpl, nil
}

// handleMonitorStartup marks the instance's startup as initiated (and
// sends the synthetic startup_initiated webhook) before delegating to the
// same poll logic as handleMonitor.
func (c *Controller) handleMonitorStartup(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.MonitorInstancePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	c.sendWebhook(ctx, payload.WebhookURL, ctrltypes.WebhookPayload{
		InstanceID: payload.InstanceID,
		Status:     ctrltypes.WebhookStartupInitiated,
		Timestamp:  time.Now(),
	})
	return c.poll(ctx, job, payload)
}

func (c *Controller) handleMonitor(ctx context.Context, job *ctrltypes.Job) error {
	var payload ctrltypes.MonitorInstancePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	return c.poll(ctx, job, payload)
}

// poll implements spec.md §4.8's monitor transition table, including the
// ambiguous-status and partial-verdict tie-break rules.
func (c *Controller) poll(ctx context.Context, job *ctrltypes.Job, payload ctrltypes.MonitorInstancePayload) error {
	inst, err := c.loadInstance(ctx, payload.InstanceID)
	if err != nil {
		return err
	}

	elapsed := time.Since(payload.StartTime)
	maxWait := time.Duration(payload.MaxWaitTimeMs) * time.Millisecond
	if maxWait > 0 && elapsed > maxWait {
		return c.failInstance(ctx, inst, payload, "startup timed out", ctrltypes.WebhookTimeout)
	}

	providerInst, err := c.provider.GetInstance(ctx, payload.ProviderID)
	if err != nil {
		return recoverableIfTransient(err)
	}

	switch providerInst.Status {
	case ctrltypes.StatusFailed, ctrltypes.StatusExited, ctrltypes.StatusTerminated:
		return c.failInstance(ctx, inst, payload, fmt.Sprintf("provider reported status %s", providerInst.Status), string(providerInst.Status))

	case ctrltypes.StatusStarting, ctrltypes.StatusRunning:
		if providerInst.Status == ctrltypes.StatusRunning {
			if inst.Status != ctrltypes.StatusHealthChecking {
				inst.Status = ctrltypes.StatusHealthChecking
				if err := c.saveInstance(ctx, inst); err != nil {
					return err
				}
			}
			return c.runHealthCheck(ctx, inst, payload)
		}
		inst.Status = ctrltypes.StatusStarting
		if err := c.saveInstance(ctx, inst); err != nil {
			return err
		}
		return c.reenqueuePoll(ctx, payload)

	default:
		// Ambiguous status: re-poll once before declaring failure, tracked
		// via AmbiguousPolls so a second ambiguous reading in a row fails.
		if payload.AmbiguousPolls >= 1 {
			return c.failInstance(ctx, inst, payload, fmt.Sprintf("ambiguous provider status %s after re-poll", providerInst.Status), "failed")
		}
		payload.AmbiguousPolls++
		return c.reenqueuePoll(ctx, payload)
	}
}

func (c *Controller) runHealthCheck(ctx context.Context, inst *ctrltypes.Instance, payload ctrltypes.MonitorInstancePayload) error {
	hcConfig := ctrltypes.HealthCheckConfig{TimeoutMs: 5000, RetryAttempts: 2, RetryDelayMs: 500, MaxWaitTimeMs: payload.MaxWaitTimeMs}
	if payload.HealthCheckConfig != nil {
		hcConfig = *payload.HealthCheckConfig
	}

	hostFor := c.endpointHostForPort
	if hostFor == nil {
		hostFor = func(int) string { return inst.ProviderID }
	}

	var endpoints []ctrltypes.Endpoint
	for _, port := range inst.Config.Ports {
		endpoints = append(endpoints, ctrltypes.Endpoint{Port: port, EndpointURL: fmt.Sprintf("http://%s:%d/healthz", hostFor(port), port), Type: "http"})
	}
	if len(endpoints) == 0 {
		endpoints = []ctrltypes.Endpoint{{Port: 8080, EndpointURL: fmt.Sprintf("http://%s:8080/healthz", hostFor(8080)), Type: "http"}}
	}

	elapsed := time.Since(payload.StartTime)
	verdict := c.prober.Run(ctx, endpoints, hcConfig, elapsed)

	if inst.HealthCheck == nil {
		inst.HealthCheck = &ctrltypes.HealthCheckState{Status: ctrltypes.HealthInProgress, Config: hcConfig}
		now := time.Now()
		inst.HealthCheck.StartedAt = &now
	}
	inst.HealthCheck.LastResult = &verdict

	switch verdict.Verdict {
	case ctrltypes.VerdictHealthy:
		// Tie-break: require at least one additional poll cycle after a
		// partial verdict before promoting to ready, to avoid single-sample
		// flapping. PartialSeen is cleared only once we've confirmed
		// healthy on the poll immediately following a partial reading.
		if payload.PartialSeen {
			payload.PartialSeen = false
			if err := c.saveInstance(ctx, inst); err != nil {
				return err
			}
			return c.reenqueuePoll(ctx, payload)
		}
		return c.promoteToReady(ctx, inst, payload)

	case ctrltypes.VerdictPartial:
		payload.PartialSeen = true
		inst.HealthCheck.Status = ctrltypes.HealthInProgress
		if err := c.saveInstance(ctx, inst); err != nil {
			return err
		}
		return c.reenqueuePoll(ctx, payload)

	default: // unhealthy
		inst.HealthCheck.Status = ctrltypes.HealthFailed
		completedAt := time.Now()
		inst.HealthCheck.CompletedAt = &completedAt
		return c.failInstance(ctx, inst, payload, "health check failed", "failed")
	}
}

func (c *Controller) promoteToReady(ctx context.Context, inst *ctrltypes.Instance, payload ctrltypes.MonitorInstancePayload) error {
	now := time.Now()
	inst.Status = ctrltypes.StatusReady
	inst.ReadyAt = &now
	inst.LastUsedAt = &now
	if inst.HealthCheck != nil {
		inst.HealthCheck.Status = ctrltypes.HealthCompleted
		inst.HealthCheck.CompletedAt = &now
	}
	if err := c.saveInstance(ctx, inst); err != nil {
		return err
	}

	c.sendWebhook(ctx, payload.WebhookURL, ctrltypes.WebhookPayload{
		InstanceID:       inst.ID,
		Status:           string(ctrltypes.StatusReady),
		Timestamp:        now,
		NovitaInstanceID: inst.ProviderID,
		ElapsedTimeMs:    time.Since(payload.StartTime).Milliseconds(),
		StartupOperation: ctrltypes.WebhookStartupCompleted,
	})
	return nil
}

func (c *Controller) failInstance(ctx context.Context, inst *ctrltypes.Instance, payload ctrltypes.MonitorInstancePayload, reason, webhookStatus string) error {
	now := time.Now()
	inst.Status = ctrltypes.StatusFailed
	inst.FailedAt = &now
	inst.LastError = reason
	if err := c.saveInstance(ctx, inst); err != nil {
		return err
	}
	c.sendWebhook(ctx, payload.WebhookURL, ctrltypes.WebhookPayload{
		InstanceID:    inst.ID,
		Status:        webhookStatus,
		Timestamp:     now,
		Reason:        reason,
		ElapsedTimeMs: time.Since(payload.StartTime).Milliseconds(),
	})
	return nil
}

func (c *Controller) reenqueuePoll(ctx context.Context, payload ctrltypes.MonitorInstancePayload) error {
	pollInterval := time.Duration(payload.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = c.cfg.PollInterval
	}
	_, err := c.queue.Enqueue(ctx, ctrltypes.JobMonitorInstance, payload, queue.EnqueueOptions{
		Priority:       5,
		NextEligibleAt: time.Now().Add(pollInterval),
	})
	return err
}

// sendWebhook hands a notification off to the Worker Pool rather than
// delivering it inline from whichever job handler reached a notifiable
// transition, so a crash between the transition and delivery still leaves a
// recoverable send_webhook job instead of a silently dropped notification.
func (c *Controller) sendWebhook(ctx context.Context, url string, payload ctrltypes.WebhookPayload) {
	if url == "" {
		return
	}
	if _, err := c.queue.Enqueue(ctx, ctrltypes.JobSendWebhook, ctrltypes.SendWebhookPayload{
		URL: url, Payload: payload,
	}, queue.EnqueueOptions{Priority: 5}); err != nil {
		c.logger.Warn("failed to enqueue webhook delivery", "instance_id", payload.InstanceID, "status", payload.Status, "error", err)
	}
}

// recoverableIfTransient wraps a Provider/KV error as a worker.RecoverableError
// so the Worker Pool retries the job instead of failing it outright. Rate
// limiting and an open circuit breaker back off longer than a plain
// Provider error, which is usually a single bad poll.
func recoverableIfTransient(err error) error {
	backoffDur := time.Second
	var rateLimited *ctrlerr.RateLimitedError
	var circuitOpen *ctrlerr.CircuitOpenError
	if asErr(err, &rateLimited) || asErr(err, &circuitOpen) {
		backoffDur = 5 * time.Second
	}
	return &worker.RecoverableError{Cause: err, BackoffDur: backoffDur}
}

func asErr[T error](err error, target *T) bool {
	t, ok := err.(T)
	if ok {
		*target = t
	}
	return ok
}

func decodePayload(job *ctrltypes.Job, out any) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return &ctrlerr.InternalError{Cause: fmt.Errorf("decoding job %s payload: %w", job.ID, err)}
	}
	return nil
}
