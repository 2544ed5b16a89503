package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 10
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
	keyPrefix                = "sms:ratelimit"
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var spacingScript = goredis.NewScript(`
local last = redis.call("GET", KEYS[1])
if last and tonumber(ARGV[1]) - tonumber(last) < tonumber(ARGV[2]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is shared by every worker and keyed by provider config.
// Providers with a spacing allow one call per spacing; the rest get a
// fixed-window per-second budget.
type RedisRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	script       *goredis.Script

	mu       sync.RWMutex
	spacings map[string]time.Duration
}

func NewRedisRateLimiter(client *goredis.Client, defaultLimitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(defaultLimitPerSec),
		time.Now,
		ratelimit.SleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = ratelimit.SleepWithContext
	}

	return &RedisRateLimiter{
		client:       client,
		defaultLimit: limitPerSec,
		now:          nowFn,
		sleep:        sleepFn,
		script:       allowScript,
		spacings:     make(map[string]time.Duration),
	}, nil
}

// SetSpacing makes provider wait at least spacing between two calls, across
// all workers. A non-positive spacing keeps the per-second budget.
func (r *RedisRateLimiter) SetSpacing(provider string, spacing time.Duration) {
	if r == nil || spacing <= 0 {
		return
	}
	r.mu.Lock()
	r.spacings[normalizeProvider(provider)] = max(spacing, time.Millisecond)
	r.mu.Unlock()
}

func (r *RedisRateLimiter) spacingFor(provider string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spacing, ok := r.spacings[provider]
	return spacing, ok
}

func (r *RedisRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := normalizeProvider(provider)
	if normalized == "" {
		return false, fmt.Errorf("provider is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var (
		result int
		err    error
	)
	if spacing, ok := r.spacingFor(normalized); ok {
		key := fmt.Sprintf("%s:%s:last", keyPrefix, normalized)
		result, err = spacingScript.Run(ctx, r.client, []string{key}, r.now().UnixMilli(), spacing.Milliseconds()).Int()
	} else {
		key := fmt.Sprintf("%s:%s:%d", keyPrefix, normalized, r.now().UTC().Unix())
		result, err = r.script.Run(ctx, r.client, []string{key}, r.defaultLimit, windowSeconds).Int()
	}
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Wait(ctx context.Context, provider string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
