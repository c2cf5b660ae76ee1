package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements the sliding-window hit counting that Limiter does
// in-process, but backed by Redis sorted sets so counts are shared across
// gateway replicas. Concurrency slots stay process-local: cross-instance
// concurrency accounting would need a separate lease protocol the spec does
// not call for.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter wraps an existing client. prefix namespaces keys so the
// gateway can share a Redis instance with other consumers.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "runestone:ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// CountAndAdd records a hit for key at now and returns the number of hits
// within (now-window, now], including the one just recorded. It relies on a
// sorted set keyed by member=unique-id, score=unix-nano timestamp, pruning
// expired members on every call.
func (r *RedisCounter) CountAndAdd(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	zkey := r.prefix + key
	cutoff := now.Add(-window).UnixNano()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, zkey, window+time.Minute)
	card := pipe.ZCard(ctx, zkey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: redis pipeline: %w", err)
	}
	return int(card.Val()), nil
}

// Count returns the current hit count within the window without recording
// a new one, used to render X-RateLimit-Remaining-* without double-counting.
func (r *RedisCounter) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	zkey := r.prefix + key
	cutoff := now.Add(-window).UnixNano()
	n, err := r.client.ZCount(ctx, zkey, fmt.Sprintf("(%d", cutoff), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis zcount: %w", err)
	}
	return int(n), nil
}
