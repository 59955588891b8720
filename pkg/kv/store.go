// Package kv implements the KV Store Adapter: key/value, sorted-set, and
// hash operations over a remote keyspace, with an in-process fallback when
// the remote is unavailable. Grounded on the teacher's
// internal/platform.NewRedisClient (connection shape) and
// pkg/alert.Deduplicator (Redis-hot-path-with-fallback shape), generalized
// from "Redis or database" to "Redis or in-process."
package kv

import (
	"context"
	"time"
)

// Mode reports which leg of the adapter is currently serving traffic.
type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeFallback Mode = "fallback"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the KV Store Adapter's operation surface. Implementations are
// the Redis-backed remote leg and the in-process fallback leg; Adapter
// (in adapter.go) composes the two behind this same interface.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error)
	ZPopMin(ctx context.Context, key string) (ZMember, bool, error)
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// MoveIfMember atomically moves member from src sorted set to dst hash
	// (field=member, value=value) iff member is still present in src with
	// score <= maxScore. It backs the Job Queue's "pop + mark processing"
	// primitive (spec.md's "small atomic routine"). Returns false if the
	// member was not eligible (already popped by another worker, or score
	// too high).
	MoveIfMember(ctx context.Context, src string, member string, maxScore float64, dst, dstField, dstValue string) (bool, error)

	AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holderID string) error

	Mode() Mode
	Close() error
}
