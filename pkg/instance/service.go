// Package instance implements the Instance Service: the intent façade
// that validates client requests, deduplicates against the Operation
// Ledger, writes the initial cache record, and enqueues the job that
// carries the intent out. Grounded on spec.md §4.12 directly; the
// struct-of-dependencies Service shape with request validation up front
// and a response-struct return is modeled on the teacher's
// pkg/incident.Service (read before Step-0 deletion).
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/operation"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
)

var nameFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Config carries the defaults the Intent API applies when a request omits
// optional fields.
type Config struct {
	DefaultGPUCount   int
	DefaultRootDiskGB int
	DefaultRegion     string
}

// DefaultConfig returns spec.md §6's documented CreateInstance defaults.
func DefaultConfig() Config {
	return Config{DefaultGPUCount: 1, DefaultRootDiskGB: 60, DefaultRegion: "CN-HK-01"}
}

// Service is the Intent API's façade over the cache, queue, and Operation
// Ledger.
type Service struct {
	cfg       Config
	instances *cache.Cache[ctrltypes.Instance]
	ledger    *operation.Ledger
	queue     *queue.Queue
	provider  *providerclient.Client
	logger    *slog.Logger
}

// New builds a Service.
func New(cfg Config, instances *cache.Cache[ctrltypes.Instance], ledger *operation.Ledger, q *queue.Queue, provider *providerclient.Client, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.DefaultGPUCount == 0 {
		cfg.DefaultGPUCount = def.DefaultGPUCount
	}
	if cfg.DefaultRootDiskGB == 0 {
		cfg.DefaultRootDiskGB = def.DefaultRootDiskGB
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = def.DefaultRegion
	}
	return &Service{cfg: cfg, instances: instances, ledger: ledger, queue: q, provider: provider, logger: logger}
}

// CreateRequest is the CreateInstance intent payload.
type CreateRequest struct {
	Name        string
	ProductName string
	TemplateID  string
	GPUCount    int
	RootDiskGB  int
	Region      string
	WebhookURL  string
}

// IntentResponse is the common shape returned by every mutating intent.
type IntentResponse struct {
	InstanceID         string     `json:"instanceId"`
	ProviderID         string     `json:"providerId,omitempty"`
	OperationID        string     `json:"operationId"`
	Status             string     `json:"status"`
	Message            string     `json:"message"`
	EstimatedReadyTime *time.Time `json:"estimatedReadyTime,omitempty"`
}

func validateName(name string) error {
	if !nameFormat.MatchString(name) {
		return &ctrlerr.ValidationError{Field: "name", Message: "must match [A-Za-z0-9_-]{1,100}"}
	}
	return nil
}

// CreateInstance validates the request, allocates a local instance record,
// dedupes against the Operation Ledger, and enqueues the create job.
func (s *Service) CreateInstance(ctx context.Context, req CreateRequest) (IntentResponse, error) {
	if err := validateName(req.Name); err != nil {
		return IntentResponse{}, err
	}
	if req.ProductName == "" {
		return IntentResponse{}, &ctrlerr.ValidationError{Field: "productName", Message: "required"}
	}
	if req.TemplateID == "" {
		return IntentResponse{}, &ctrlerr.ValidationError{Field: "templateId", Message: "required"}
	}
	if req.GPUCount == 0 {
		req.GPUCount = s.cfg.DefaultGPUCount
	}
	if req.RootDiskGB == 0 {
		req.RootDiskGB = s.cfg.DefaultRootDiskGB
	}
	if req.Region == "" {
		req.Region = s.cfg.DefaultRegion
	}

	instanceID := uuid.NewString()
	op, created, err := s.ledger.StartOrJoin(ctx, instanceID, ctrltypes.OpStart)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("starting operation: %w", err)
	}
	if !created {
		return IntentResponse{}, fmt.Errorf("unexpected in-flight operation for a brand new instance id")
	}

	now := time.Now()
	rec := ctrltypes.Instance{
		ID: instanceID, Name: req.Name, Status: ctrltypes.StatusCreating,
		TemplateID: req.TemplateID, CreatedAt: now, WebhookURL: req.WebhookURL,
	}
	if err := s.instances.Set(ctx, instanceID, rec, 0); err != nil {
		return IntentResponse{}, fmt.Errorf("writing instance record: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, ctrltypes.JobCreateInstance, ctrltypes.CreateInstancePayload{
		InstanceID: instanceID, Name: req.Name, ProductName: req.ProductName, TemplateID: req.TemplateID,
		GPUCount: req.GPUCount, RootDiskGB: req.RootDiskGB, Region: req.Region, WebhookURL: req.WebhookURL,
	}, queue.EnqueueOptions{Priority: 5}); err != nil {
		return IntentResponse{}, fmt.Errorf("enqueueing create job: %w", err)
	}

	return IntentResponse{
		InstanceID: instanceID, OperationID: op.OperationID,
		Status: string(ctrltypes.StatusCreating), Message: "instance creation initiated",
	}, nil
}

// GetInstance returns the local projection of an instance by id, or by
// name when no instance has that id.
func (s *Service) GetInstance(ctx context.Context, idOrName string) (*ctrltypes.Instance, error) {
	return s.resolve(ctx, idOrName)
}

// ListSource selects which sources ListInstances consults.
type ListSource string

const (
	SourceAll      ListSource = "all"
	SourceLocal    ListSource = "local"
	SourceProvider ListSource = "provider"
)

// ListInstances returns locally-cached instances, optionally merged with
// the Provider's own listing.
func (s *Service) ListInstances(ctx context.Context, source ListSource, includeProviderOnly bool) ([]ctrltypes.Instance, error) {
	if source == "" {
		source = SourceAll
	}
	keys, err := s.instances.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing cached instances: %w", err)
	}
	local := make([]ctrltypes.Instance, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		inst, ok, err := s.instances.Get(ctx, k)
		if err != nil {
			s.logger.Warn("skipping unreadable cached instance", "key", k, "error", err)
			continue
		}
		if !ok {
			continue
		}
		local = append(local, inst)
		seen[inst.ProviderID] = true
	}
	if source == SourceLocal || !includeProviderOnly {
		return local, nil
	}

	page, err := s.provider.ListInstances(ctx, "")
	if err != nil {
		return local, fmt.Errorf("listing provider instances: %w", err)
	}
	for _, pi := range page.Instances {
		if pi.ProviderID != "" && !seen[pi.ProviderID] {
			local = append(local, pi)
		}
	}
	return local, nil
}

// StartInstance joins any in-flight start operation, otherwise validates
// startability, calls the Provider's start endpoint, and enqueues a
// monitor_startup job.
func (s *Service) StartInstance(ctx context.Context, idOrName string, webhookURL string) (IntentResponse, error) {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return IntentResponse{}, err
	}
	if existing, err := s.ledger.Get(ctx, inst.ID, ctrltypes.OpStart); err != nil {
		return IntentResponse{}, fmt.Errorf("looking up start operation: %w", err)
	} else if existing != nil && !existing.State.Terminal() {
		return IntentResponse{
			InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: existing.OperationID,
			Status: string(inst.Status), Message: "a start operation is already in flight for this instance",
		}, nil
	}
	if inst.Status != ctrltypes.StatusExited && inst.Status != ctrltypes.StatusStopped {
		return IntentResponse{}, &ctrlerr.NotStartableError{CurrentStatus: string(inst.Status), Reason: "instance must be exited or stopped to start"}
	}

	op, created, err := s.ledger.StartOrJoin(ctx, inst.ID, ctrltypes.OpStart)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("starting operation: %w", err)
	}
	if !created {
		return IntentResponse{
			InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID,
			Status: string(inst.Status), Message: "a start operation is already in flight for this instance",
		}, nil
	}

	if err := s.provider.StartInstance(ctx, inst.ProviderID); err != nil {
		_ = s.ledger.Advance(ctx, inst.ID, ctrltypes.OpStart, ctrltypes.OpFailed, err)
		return IntentResponse{}, fmt.Errorf("starting provider instance: %w", err)
	}

	if webhookURL != "" {
		inst.WebhookURL = webhookURL
	}
	inst.Status = ctrltypes.StatusStarting
	if err := s.instances.Set(ctx, inst.ID, *inst, 0); err != nil {
		return IntentResponse{}, fmt.Errorf("writing instance record: %w", err)
	}

	startedAt := time.Now()
	if _, err := s.queue.Enqueue(ctx, ctrltypes.JobMonitorStartup, ctrltypes.MonitorInstancePayload{
		InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID,
		StartTime: startedAt, MaxWaitTimeMs: int((10 * time.Minute).Milliseconds()), WebhookURL: inst.WebhookURL,
	}, queue.EnqueueOptions{Priority: 5}); err != nil {
		return IntentResponse{}, fmt.Errorf("enqueueing monitor job: %w", err)
	}

	return IntentResponse{
		InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID,
		Status: string(ctrltypes.StatusStarting), Message: "instance start initiated",
	}, nil
}

// StopInstance requires a Provider id, deduplicates against any in-flight
// stop operation, and calls the Provider's stop endpoint directly, marking
// the record stopped once that call succeeds. Used both by the Intent API
// and by the Auto-Stop Controller.
func (s *Service) StopInstance(ctx context.Context, idOrName string, webhookURL string) (IntentResponse, error) {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return IntentResponse{}, err
	}
	if inst.ProviderID == "" {
		return IntentResponse{}, &ctrlerr.NotDeletableError{Reason: "instance has no provider id; nothing to stop remotely"}
	}

	op, created, err := s.ledger.StartOrJoin(ctx, inst.ID, ctrltypes.OpStop)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("starting operation: %w", err)
	}
	if !created {
		return IntentResponse{
			InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID,
			Status: string(inst.Status), Message: "a stop operation is already in flight for this instance",
		}, nil
	}

	if webhookURL != "" {
		inst.WebhookURL = webhookURL
	}
	inst.Status = ctrltypes.StatusStopping
	if err := s.instances.Set(ctx, inst.ID, *inst, 0); err != nil {
		return IntentResponse{}, fmt.Errorf("writing instance record: %w", err)
	}

	if err := s.provider.StopInstance(ctx, inst.ProviderID); err != nil {
		_ = s.ledger.Advance(ctx, inst.ID, ctrltypes.OpStop, ctrltypes.OpFailed, err)
		return IntentResponse{}, fmt.Errorf("stopping provider instance: %w", err)
	}

	inst.Status = ctrltypes.StatusStopped
	if err := s.instances.Set(ctx, inst.ID, *inst, 0); err != nil {
		return IntentResponse{}, fmt.Errorf("writing instance record: %w", err)
	}
	if err := s.ledger.Advance(ctx, inst.ID, ctrltypes.OpStop, ctrltypes.OpCompleted, nil); err != nil {
		s.logger.Warn("failed to advance stop operation to completed", "instance_id", inst.ID, "error", err)
	}

	return IntentResponse{
		InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID,
		Status: string(ctrltypes.StatusStopped), Message: "instance stopped",
	}, nil
}

// DeleteInstance requires a Provider id (an instance never created at the
// Provider cannot be "deleted" there; only its local record is cleared),
// then calls the Provider's delete endpoint directly and removes the
// cached record.
func (s *Service) DeleteInstance(ctx context.Context, idOrName string, webhookURL string) (IntentResponse, error) {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return IntentResponse{}, err
	}
	if inst.ProviderID == "" {
		if err := s.instances.Delete(ctx, inst.ID); err != nil {
			return IntentResponse{}, fmt.Errorf("clearing local-only instance record: %w", err)
		}
		return IntentResponse{InstanceID: inst.ID, Status: ctrltypes.WebhookDeleted, Message: "instance was never created at the provider; local record cleared"}, nil
	}

	op, created, err := s.ledger.StartOrJoin(ctx, inst.ID, ctrltypes.OpDelete)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("starting operation: %w", err)
	}
	if !created {
		return IntentResponse{InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID, Status: string(inst.Status), Message: "a delete operation is already in flight for this instance"}, nil
	}

	if err := s.provider.DeleteInstance(ctx, inst.ProviderID); err != nil {
		_ = s.ledger.Advance(ctx, inst.ID, ctrltypes.OpDelete, ctrltypes.OpFailed, err)
		return IntentResponse{}, fmt.Errorf("deleting provider instance: %w", err)
	}
	if err := s.instances.Delete(ctx, inst.ID); err != nil {
		s.logger.Warn("provider delete succeeded but cache delete failed", "instance_id", inst.ID, "error", err)
	}
	if err := s.ledger.Advance(ctx, inst.ID, ctrltypes.OpDelete, ctrltypes.OpCompleted, nil); err != nil {
		s.logger.Warn("failed to advance delete operation to completed", "instance_id", inst.ID, "error", err)
	}

	return IntentResponse{InstanceID: inst.ID, ProviderID: inst.ProviderID, OperationID: op.OperationID, Status: ctrltypes.WebhookDeleted, Message: "instance deleted"}, nil
}

// UpdateLastUsed stamps the instance's idle-eviction clock.
func (s *Service) UpdateLastUsed(ctx context.Context, idOrName string, at time.Time) error {
	inst, err := s.resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	inst.LastUsedAt = &at
	return s.instances.Set(ctx, inst.ID, *inst, 0)
}

// resolve looks an instance up by id first, then by name among the cached
// instances. The Provider is not searched: an instance absent from the
// cache is reported as not found.
func (s *Service) resolve(ctx context.Context, idOrName string) (*ctrltypes.Instance, error) {
	if inst, ok, err := s.instances.Get(ctx, idOrName); err != nil {
		return nil, fmt.Errorf("looking up instance by id: %w", err)
	} else if ok {
		return &inst, nil
	}

	keys, err := s.instances.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("scanning instances by name: %w", err)
	}
	for _, k := range keys {
		inst, ok, err := s.instances.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if inst.Name == idOrName {
			return &inst, nil
		}
	}
	return nil, &ctrlerr.NotFoundError{Kind: "instance", ID: idOrName}
}
