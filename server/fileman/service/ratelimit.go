package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"attach_server/server/fileman/domain"
)

const (
	DefaultUploadLimit  = 10
	DefaultUploadWindow = 15 * time.Minute
)

type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a per-key sliding window counter. Allow records the attempt when it is admitted.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// RateLimitError carries the retry hint alongside the rate_limited outcome.
type RateLimitError struct {
	Err        *domain.Error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// MemoryRateLimiter keeps a timestamp log per key. It is only correct for a
// single process; RedisRateLimiter shares the window across replicas.
type MemoryRateLimiter struct {
	mu            sync.Mutex
	limit         int
	window        time.Duration
	now           func() time.Time
	entries       map[string][]time.Time
	opCount       int
	cleanupEveryN int
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	if limit <= 0 {
		limit = DefaultUploadLimit
	}
	if window <= 0 {
		window = DefaultUploadWindow
	}
	return &MemoryRateLimiter{
		limit:         limit,
		window:        window,
		now:           time.Now,
		entries:       map[string][]time.Time{},
		cleanupEveryN: 64,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := pruneBefore(l.entries[key], now.Add(-l.window))
	l.maybeCleanupLocked(now)

	if len(hits) >= l.limit {
		l.entries[key] = hits
		return RateDecision{RetryAfter: hits[0].Add(l.window).Sub(now)}, nil
	}
	hits = append(hits, now)
	l.entries[key] = hits
	return RateDecision{Allowed: true, Remaining: l.limit - len(hits)}, nil
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (l *MemoryRateLimiter) maybeCleanupLocked(now time.Time) {
	l.opCount++
	if l.opCount%l.cleanupEveryN != 0 {
		return
	}
	cutoff := now.Add(-l.window)
	for key, hits := range l.entries {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

// slidingWindowScript trims the window, then admits and records the hit only if
// there is room. Running it as one script keeps concurrent requests from the same
// origin from overshooting the ceiling.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultUploadLimit
	}
	if window <= 0 {
		window = DefaultUploadWindow
	}
	if prefix == "" {
		prefix = "fileman:upload-rate"
	}
	return &RedisRateLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		now, l.window.Milliseconds(), l.limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(res) != 3 {
		return RateDecision{}, errors.New("unexpected sliding window reply")
	}
	return RateDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
