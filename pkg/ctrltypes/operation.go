package ctrltypes

import "time"

// OperationKind identifies the intent an Operation tracks.
type OperationKind string

const (
	OpStart    OperationKind = "start"
	OpStop     OperationKind = "stop"
	OpDelete   OperationKind = "delete"
	OpMigrate  OperationKind = "migrate"
)

// OperationState is the lifecycle state of a tracked operation.
type OperationState string

const (
	OpInitiated      OperationState = "initiated"
	OpMonitoring     OperationState = "monitoring"
	OpHealthChecking OperationState = "health_checking"
	OpCompleted      OperationState = "completed"
	OpFailed         OperationState = "failed"
)

// Terminal reports whether the state is non-retryable and dedup no longer
// applies — a subsequent intent of the same kind may start a new operation.
func (s OperationState) Terminal() bool {
	return s == OpCompleted || s == OpFailed
}

// Operation is a tracked intent (start/stop/delete/migrate) against a
// single instance. Per spec, at most one non-terminal Operation exists per
// (instanceId, kind) pair.
type Operation struct {
	OperationID string         `json:"operationId"`
	InstanceID  string         `json:"instanceId"`
	Kind        OperationKind  `json:"kind"`
	State       OperationState `json:"state"`
	InitiatedAt time.Time      `json:"initiatedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}
