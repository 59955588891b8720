// Package ctrltypes holds the plain data types shared across the control
// plane. Components take these as constructor/method arguments rather than
// reaching into a shared singleton — each package owns its own behavior
// over shared data.
package ctrltypes

import "time"

// InstanceStatus is the lifecycle status of a GPU instance.
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "creating"
	StatusCreated        InstanceStatus = "created"
	StatusStarting       InstanceStatus = "starting"
	StatusRunning        InstanceStatus = "running"
	StatusHealthChecking InstanceStatus = "health_checking"
	StatusReady          InstanceStatus = "ready"
	StatusStopping       InstanceStatus = "stopping"
	StatusStopped        InstanceStatus = "stopped"
	StatusExited         InstanceStatus = "exited"
	StatusFailed         InstanceStatus = "failed"
	StatusTerminated     InstanceStatus = "terminated"
)

// Terminal reports whether the status is an absorbing state for further
// lifecycle transitions (terminated never leaves; failed/exited may still
// be migrated or deleted but never restarted in place).
func (s InstanceStatus) Terminal() bool {
	return s == StatusTerminated
}

// HealthCheckStatus is the status of an in-flight or completed health check.
type HealthCheckStatus string

const (
	HealthPending    HealthCheckStatus = "pending"
	HealthInProgress HealthCheckStatus = "in_progress"
	HealthCompleted  HealthCheckStatus = "completed"
	HealthFailed     HealthCheckStatus = "failed"
)

// InstanceConfig is the Provider-facing configuration for an instance.
type InstanceConfig struct {
	GPUCount    int               `json:"gpuCount"`
	RootDiskGB  int               `json:"rootDiskGB"`
	Region      string            `json:"region"`
	ImageRef    string            `json:"imageRef"`
	ImageAuth   *ImageAuth        `json:"imageAuth,omitempty"`
	Ports       []int             `json:"ports,omitempty"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
	KeyPairName string            `json:"keyPairName,omitempty"`
}

// ImageAuth holds credentials for a private container image registry.
type ImageAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HealthCheckConfig configures the Health Prober for a single instance.
type HealthCheckConfig struct {
	TimeoutMs     int `json:"timeoutMs"`
	RetryAttempts int `json:"retryAttempts"`
	RetryDelayMs  int `json:"retryDelayMs"`
	MaxWaitTimeMs int `json:"maxWaitTimeMs"`
	TargetPort    int `json:"targetPort,omitempty"`
}

// HealthCheckState is the last known health-check state recorded on an
// instance record.
type HealthCheckState struct {
	Status      HealthCheckStatus  `json:"status"`
	Config      HealthCheckConfig  `json:"config"`
	LastResult  *ProbeVerdict      `json:"lastResult,omitempty"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

// Instance is the full internal record for a GPU instance.
type Instance struct {
	ID         string         `json:"id"`
	ProviderID string         `json:"providerId,omitempty"`
	Name       string         `json:"name"`
	TenantID   string         `json:"tenantId,omitempty"`
	Status     InstanceStatus `json:"status"`
	ProductID  string         `json:"productId,omitempty"`
	TemplateID string         `json:"templateId"`
	Config     InstanceConfig `json:"config"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	ReadyAt    *time.Time `json:"readyAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	LastSynced *time.Time `json:"lastSynced,omitempty"`

	HealthCheck *HealthCheckState `json:"healthCheck,omitempty"`

	WebhookURL string `json:"webhookUrl,omitempty"`
	LastError  string `json:"lastError,omitempty"`

	SpotStatus string `json:"spotStatus,omitempty"`
	ClusterID  string `json:"clusterId,omitempty"`

	// TerminatedAt and RetentionExpiresAt are set by the Startup Reconciler
	// when an orphan is soft-deleted rather than purged outright.
	TerminatedAt      *time.Time `json:"terminatedAt,omitempty"`
	RetentionExpiresAt *time.Time `json:"retentionExpiresAt,omitempty"`
}

// IsReady reports whether the invariant for "ready" holds: a Provider ID is
// assigned, the readiness timestamp is set, and the last probe verdict was
// healthy.
func (i *Instance) IsReady() bool {
	return i.Status == StatusReady &&
		i.ProviderID != "" &&
		i.ReadyAt != nil &&
		i.HealthCheck != nil &&
		i.HealthCheck.LastResult != nil &&
		i.HealthCheck.LastResult.Verdict == VerdictHealthy
}

// EffectiveLastUsed returns LastUsedAt, falling back to CreatedAt when unset
// — per spec, "absent lastUsed is treated as created timestamp."
func (i *Instance) EffectiveLastUsed() time.Time {
	if i.LastUsedAt != nil {
		return *i.LastUsedAt
	}
	return i.CreatedAt
}
