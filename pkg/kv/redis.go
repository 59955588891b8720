package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
)

// redisStore is the remote leg of the KV Store Adapter, grounded on the
// teacher's internal/platform.NewRedisClient connection shape.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore dials Redis and verifies connectivity, exactly as the
// teacher's platform.NewRedisClient does.
func NewRedisStore(ctx context.Context, redisURL, keyPrefix string) (Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &redisStore{client: client, prefix: keyPrefix}, nil
}

func (s *redisStore) k(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + key
}

func classify(key string, err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return &ctrlerr.TransientKVError{Cause: err}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.k(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(key, err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

func (s *redisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

// Scan walks keys by prefix, defensively skipping any key whose type does
// not match what the caller expects is impossible to know generically here
// — type mismatches are instead surfaced to callers that read the value,
// per spec.md's "skip the offending key and continue" contract.
func (s *redisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.k(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if s.prefix != "" {
			key = key[len(s.prefix):]
		}
		out = append(out, key)
	}
	if err := iter.Err(); err != nil {
		return out, classify(prefix, err)
	}
	return out, nil
}

func (s *redisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: m.Score, Member: m.Member})
	}
	if err := s.client.ZAdd(ctx, s.k(key), zs...).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

func (s *redisStore) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, s.k(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, classify(key, err)
	}
	out := make([]ZMember, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *redisStore) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	res, err := s.client.ZPopMin(ctx, s.k(key), 1).Result()
	if err != nil {
		return ZMember{}, false, classify(key, err)
	}
	if len(res) == 0 {
		return ZMember{}, false, nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return ZMember{}, false, &ctrlerr.ProtocolKVError{Key: key, Cause: fmt.Errorf("non-string member")}
	}
	return ZMember{Member: member, Score: res[0].Score}, true, nil
}

func (s *redisStore) ZRem(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, s.k(key), member).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.k(key)).Result()
	if err != nil {
		return 0, classify(key, err)
	}
	return n, nil
}

func (s *redisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, s.k(key), field, value).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

func (s *redisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.k(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(key, err)
	}
	return v, true, nil
}

func (s *redisStore) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, s.k(key), field).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.k(key)).Result()
	if err != nil {
		return nil, classify(key, err)
	}
	return m, nil
}

// moveIfMemberScript atomically checks that member is present in the src
// sorted set with score <= maxScore, and if so removes it and writes it
// into the dst hash. This is the "small atomic routine" spec.md calls for
// to make the Job Queue's pop-and-mark-processing step indivisible.
var moveIfMemberScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

func (s *redisStore) MoveIfMember(ctx context.Context, src string, member string, maxScore float64, dst, dstField, dstValue string) (bool, error) {
	res, err := moveIfMemberScript.Run(ctx, s.client, []string{s.k(src), s.k(dst)}, member, maxScore, dstField, dstValue).Int()
	if err != nil {
		return false, classify(src, err)
	}
	return res == 1, nil
}

// acquireLockScript sets the lock key only if absent (or already held by
// holderID, to make re-acquisition by the same holder idempotent).
var acquireLockScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false or v == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

var releaseLockScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)

func (s *redisStore) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	res, err := acquireLockScript.Run(ctx, s.client, []string{s.k("lock:" + name)}, holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, classify(name, err)
	}
	return res == 1, nil
}

func (s *redisStore) ReleaseLock(ctx context.Context, name, holderID string) error {
	if err := releaseLockScript.Run(ctx, s.client, []string{s.k("lock:" + name)}, holderID).Err(); err != nil {
		return classify(name, err)
	}
	return nil
}

func (s *redisStore) Mode() Mode { return ModeRemote }

func (s *redisStore) Close() error {
	return s.client.Close()
}
