package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
)

// Adapter composes a remote Store and a fallback Store behind the Store
// interface. It serves from remote while healthy and transparently
// downgrades to fallback on transient failure, the way the teacher's
// pkg/alert.Deduplicator falls back to a database when Redis errors.
// Recovery is probed on an interval rather than on every call, so a flaky
// remote does not thrash mode on every request.
type Adapter struct {
	remote   Store
	fallback Store
	logger   *slog.Logger

	mode        atomic.Int32 // Mode, encoded as 0=remote 1=fallback
	probeEvery  time.Duration
	lastProbeAt atomic.Int64 // unix nano
}

const (
	modeRemoteCode   int32 = 0
	modeFallbackCode int32 = 1
)

// NewAdapter builds an Adapter starting in remote mode. remote may be nil,
// in which case the Adapter serves from fallback exclusively (e.g. no
// KV_URL configured).
func NewAdapter(remote Store, logger *slog.Logger) *Adapter {
	a := &Adapter{
		remote:     remote,
		fallback:   NewFallbackStore(),
		logger:     logger,
		probeEvery: 10 * time.Second,
	}
	if remote == nil {
		a.mode.Store(modeFallbackCode)
	}
	return a
}

func (a *Adapter) Mode() Mode {
	if a.mode.Load() == modeFallbackCode {
		return ModeFallback
	}
	return ModeRemote
}

func (a *Adapter) active() Store {
	if a.mode.Load() == modeFallbackCode {
		return a.fallback
	}
	return a.remote
}

// downgrade switches to fallback mode and logs the transition once.
func (a *Adapter) downgrade(err error) {
	if a.mode.Swap(modeFallbackCode) == modeRemoteCode {
		a.logger.Warn("kv adapter downgrading to fallback mode", "error", err)
	}
}

// maybeRecover pings the remote leg no more than once per probeEvery while
// in fallback mode, and switches back to remote on success.
func (a *Adapter) maybeRecover(ctx context.Context) {
	if a.remote == nil || a.mode.Load() != modeFallbackCode {
		return
	}
	now := time.Now().UnixNano()
	last := a.lastProbeAt.Load()
	if time.Duration(now-last) < a.probeEvery.Nanoseconds() {
		return
	}
	if !a.lastProbeAt.CompareAndSwap(last, now) {
		return
	}
	if _, _, err := a.remote.Get(ctx, "__kv_adapter_probe__"); err == nil {
		if a.mode.Swap(modeRemoteCode) == modeFallbackCode {
			a.logger.Info("kv adapter recovered, switching back to remote mode")
		}
	}
}

func (a *Adapter) withRemote(ctx context.Context, fn func(Store) error) error {
	a.maybeRecover(ctx)
	store := a.active()
	err := fn(store)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return fn(a.fallback)
	}
	return err
}

func isTransient(err error) bool {
	var transientErr *ctrlerr.TransientKVError
	return errors.As(err, &transientErr)
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, ok, err := store.Get(ctx, key)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.Get(ctx, key)
	}
	return v, ok, err
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.withRemote(ctx, func(s Store) error { return s.Set(ctx, key, value, ttl) })
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	return a.withRemote(ctx, func(s Store) error { return s.Del(ctx, key) })
}

func (a *Adapter) Scan(ctx context.Context, prefix string) ([]string, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, err := store.Scan(ctx, prefix)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.Scan(ctx, prefix)
	}
	return v, err
}

func (a *Adapter) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	return a.withRemote(ctx, func(s Store) error { return s.ZAdd(ctx, key, members...) })
}

func (a *Adapter) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, err := store.ZRange(ctx, key, min, max)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.ZRange(ctx, key, min, max)
	}
	return v, err
}

func (a *Adapter) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, ok, err := store.ZPopMin(ctx, key)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.ZPopMin(ctx, key)
	}
	return v, ok, err
}

func (a *Adapter) ZRem(ctx context.Context, key, member string) error {
	return a.withRemote(ctx, func(s Store) error { return s.ZRem(ctx, key, member) })
}

func (a *Adapter) ZCard(ctx context.Context, key string) (int64, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, err := store.ZCard(ctx, key)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.ZCard(ctx, key)
	}
	return v, err
}

func (a *Adapter) HSet(ctx context.Context, key, field, value string) error {
	return a.withRemote(ctx, func(s Store) error { return s.HSet(ctx, key, field, value) })
}

func (a *Adapter) HGet(ctx context.Context, key, field string) (string, bool, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, ok, err := store.HGet(ctx, key, field)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.HGet(ctx, key, field)
	}
	return v, ok, err
}

func (a *Adapter) HDel(ctx context.Context, key, field string) error {
	return a.withRemote(ctx, func(s Store) error { return s.HDel(ctx, key, field) })
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	a.maybeRecover(ctx)
	store := a.active()
	v, err := store.HGetAll(ctx, key)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.HGetAll(ctx, key)
	}
	return v, err
}

func (a *Adapter) MoveIfMember(ctx context.Context, src string, member string, maxScore float64, dst, dstField, dstValue string) (bool, error) {
	a.maybeRecover(ctx)
	store := a.active()
	ok, err := store.MoveIfMember(ctx, src, member, maxScore, dst, dstField, dstValue)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.MoveIfMember(ctx, src, member, maxScore, dst, dstField, dstValue)
	}
	return ok, err
}

func (a *Adapter) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	a.maybeRecover(ctx)
	store := a.active()
	ok, err := store.AcquireLock(ctx, name, holderID, ttl)
	if err != nil && store == a.remote && isTransient(err) {
		a.downgrade(err)
		return a.fallback.AcquireLock(ctx, name, holderID, ttl)
	}
	return ok, err
}

func (a *Adapter) ReleaseLock(ctx context.Context, name, holderID string) error {
	return a.withRemote(ctx, func(s Store) error { return s.ReleaseLock(ctx, name, holderID) })
}

func (a *Adapter) Close() error {
	var errs []error
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.fallback.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
