package ctrltypes

import "time"

// JobType identifies a job payload variant. The queue stores a discriminator
// plus a raw value; the worker dispatches by matching on this type rather
// than unmarshaling into a single dynamic struct.
type JobType string

const (
	JobCreateInstance  JobType = "create_instance"
	JobMonitorInstance JobType = "monitor_instance"
	JobMonitorStartup  JobType = "monitor_startup"
	JobAutoStopCheck   JobType = "auto_stop_check"
	JobMigrateSpot     JobType = "migrate_spot"
	JobSendWebhook     JobType = "send_webhook"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Job is the durable queue record. Payload is the type-specific, already
// JSON-encoded body; handlers unmarshal it into the concrete struct that
// matches Type.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        []byte          `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextEligibleAt time.Time       `json:"nextEligibleAt"`
	State          JobState        `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastError      string          `json:"lastError,omitempty"`
}

// CreateInstancePayload is the payload for a create_instance job.
type CreateInstancePayload struct {
	InstanceID  string            `json:"instanceId"`
	Name        string            `json:"name"`
	ProductName string            `json:"productName"`
	TemplateID  string            `json:"templateId"`
	GPUCount    int               `json:"gpuCount"`
	RootDiskGB  int               `json:"rootDiskGB"`
	Region      string            `json:"region"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
}

// MonitorInstancePayload is the payload for monitor_instance / monitor_startup jobs.
type MonitorInstancePayload struct {
	InstanceID        string             `json:"instanceId"`
	ProviderID        string             `json:"providerId"`
	OperationID       string             `json:"operationId"`
	StartTime         time.Time          `json:"startTime"`
	MaxWaitTimeMs     int                `json:"maxWaitTime"`
	PollIntervalMs    int                `json:"pollInterval"`
	HealthCheckConfig *HealthCheckConfig `json:"healthCheckConfig,omitempty"`
	WebhookURL        string             `json:"webhookUrl,omitempty"`
	PartialSeen       bool               `json:"partialSeen"`
	AmbiguousPolls    int                `json:"ambiguousPolls"`
}

// AutoStopCheckPayload is the payload for an auto_stop_check job; DryRun
// selects a scan that reports candidates without stopping them.
type AutoStopCheckPayload struct {
	DryRun bool `json:"dryRun"`
}

// MigrateSpotPayload is the payload for a migrate_spot job.
type MigrateSpotPayload struct {
	InstanceID string `json:"instanceId"`
	ProviderID string `json:"providerId"`
}

// SendWebhookPayload is the payload for a send_webhook job.
type SendWebhookPayload struct {
	URL     string          `json:"url"`
	Payload WebhookPayload  `json:"payload"`
}

// WebhookPayload is the JSON body posted to a caller's webhook URL.
type WebhookPayload struct {
	InstanceID        string    `json:"instanceId"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	NovitaInstanceID  string    `json:"novitaInstanceId,omitempty"`
	ElapsedTimeMs     int64     `json:"elapsedTime,omitempty"`
	Error             string    `json:"error,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	StartupOperation  string    `json:"startupOperation,omitempty"`
	HealthCheck       any       `json:"healthCheck,omitempty"`
	Data              any       `json:"data,omitempty"`
}

// Synthetic webhook status values layered on top of instance statuses.
const (
	WebhookStartupInitiated = "startup_initiated"
	WebhookStartupCompleted = "startup_completed"
	WebhookStartupFailed    = "startup_failed"
	WebhookDeleted          = "deleted"
	WebhookTimeout          = "timeout"
)
