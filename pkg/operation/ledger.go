// Package operation implements the Operation Ledger: a per-instance
// record of in-flight start/stop/delete/migrate operations used to
// deduplicate client intents. Grounded on the teacher's
// pkg/alert.Deduplicator (read before Step-0 deletion), whose
// Redis-hot-path dedup-by-key shape generalizes directly from
// "deduplicate alert notifications" to "deduplicate lifecycle intents."
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/kv"
)

func ledgerKey(instanceID string, kind ctrltypes.OperationKind) string {
	return fmt.Sprintf("op:%s:%s", instanceID, kind)
}

func lockKey(instanceID string, kind ctrltypes.OperationKind) string {
	return fmt.Sprintf("lock:op:%s:%s", instanceID, kind)
}

// Lock acquisition for StartOrJoin's read-then-write critical section. The
// critical section is a single KV get plus a single KV set, so a short TTL
// and a handful of short retries are enough to ride out a concurrent
// holder without the caller ever waiting long.
const (
	startOrJoinLockTTL        = 5 * time.Second
	startOrJoinLockAttempts   = 25
	startOrJoinLockRetryDelay = 20 * time.Millisecond
)

// Ledger tracks at most one non-terminal Operation per (instanceId, kind).
type Ledger struct {
	store kv.Store
	now   func() time.Time
}

// New builds a Ledger.
func New(store kv.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// StartOrJoin returns the existing non-terminal operation for
// (instanceId, kind) if one exists, or creates and persists a new one.
// The second return reports whether a new operation was created (false
// means the caller joined an in-flight operation and must not re-enqueue
// a duplicate job). The read-then-write is serialized behind a per-
// (instanceId, kind) lock so two callers racing the same key can't both
// observe "no existing operation" and both create one — the same
// atomicity the Job Queue gets from MoveIfMember, applied here via
// AcquireLock since the critical section spans a get and a put rather
// than a single sorted-set move.
func (l *Ledger) StartOrJoin(ctx context.Context, instanceID string, kind ctrltypes.OperationKind) (*ctrltypes.Operation, bool, error) {
	holder := uuid.NewString()
	name := lockKey(instanceID, kind)

	acquired := false
	for attempt := 0; attempt < startOrJoinLockAttempts; attempt++ {
		ok, err := l.store.AcquireLock(ctx, name, holder, startOrJoinLockTTL)
		if err != nil {
			return nil, false, err
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(startOrJoinLockRetryDelay):
		}
	}
	if !acquired {
		return nil, false, &ctrlerr.InternalError{Cause: fmt.Errorf("timed out acquiring operation lock for %s/%s", instanceID, kind)}
	}
	defer func() { _ = l.store.ReleaseLock(ctx, name, holder) }()

	existing, err := l.get(ctx, instanceID, kind)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && !existing.State.Terminal() {
		return existing, false, nil
	}

	now := l.now()
	op := &ctrltypes.Operation{
		OperationID: uuid.NewString(),
		InstanceID:  instanceID,
		Kind:        kind,
		State:       ctrltypes.OpInitiated,
		InitiatedAt: now,
		UpdatedAt:   now,
	}
	if err := l.put(ctx, op); err != nil {
		return nil, false, err
	}
	return op, true, nil
}

// Get returns the current operation for (instanceId, kind), or nil if
// none has ever been recorded.
func (l *Ledger) Get(ctx context.Context, instanceID string, kind ctrltypes.OperationKind) (*ctrltypes.Operation, error) {
	return l.get(ctx, instanceID, kind)
}

func (l *Ledger) get(ctx context.Context, instanceID string, kind ctrltypes.OperationKind) (*ctrltypes.Operation, error) {
	raw, ok, err := l.store.Get(ctx, ledgerKey(instanceID, kind))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var op ctrltypes.Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, fmt.Errorf("decoding operation %s/%s: %w", instanceID, kind, err)
	}
	return &op, nil
}

func (l *Ledger) put(ctx context.Context, op *ctrltypes.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation: %w", err)
	}
	return l.store.Set(ctx, ledgerKey(op.InstanceID, op.Kind), string(raw), 0)
}

// Advance transitions an existing operation to a new state, recording the
// update timestamp (and completion timestamp for terminal states).
func (l *Ledger) Advance(ctx context.Context, instanceID string, kind ctrltypes.OperationKind, state ctrltypes.OperationState, opErr error) error {
	op, err := l.get(ctx, instanceID, kind)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("no operation recorded for instance %s kind %s", instanceID, kind)
	}
	now := l.now()
	op.State = state
	op.UpdatedAt = now
	if opErr != nil {
		op.Error = opErr.Error()
	}
	if state.Terminal() {
		op.CompletedAt = &now
	}
	return l.put(ctx, op)
}
