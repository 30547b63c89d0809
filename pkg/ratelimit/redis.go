package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyWindow is the sorted set holding admission timestamps shared by all replicas.
const RedisKeyWindow = "openfda:rate_limit:window"

var rateLimitFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openfda_rate_limit_fallback_total",
	Help: "Total number of admissions decided by the local window because Redis was unavailable",
})

// admitScript prunes, counts and admits atomically.
// Returns 0 when admitted, otherwise the milliseconds until the oldest member leaves the window.
//
// KEYS[1] window key; ARGV: now (ms), window (ms), limit, member.
var admitScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return 0
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
	wait = 1
end
return wait
`)

// RedisWindow enforces one sliding window across every gateway replica sharing a Redis.
// When Redis cannot be reached it degrades to a local Window with the same limit,
// so a Redis outage delays nothing beyond the per-process quota.
type RedisWindow struct {
	redis    *redis.Client
	key      string
	limit    int
	window   time.Duration
	now      func() time.Time
	sleep    SleepFunc
	logger   zerolog.Logger
	fallback *Window
}

// NewRedisWindow creates a Redis-backed limiter.
func NewRedisWindow(redisClient *redis.Client, requestsPerMinute int, opts ...Option) *RedisWindow {
	o := buildOptions(opts)
	return &RedisWindow{
		redis:    redisClient,
		key:      RedisKeyWindow,
		limit:    requestsPerMinute,
		window:   o.window,
		now:      o.now,
		sleep:    o.sleep,
		logger:   o.logger,
		fallback: NewWindow(requestsPerMinute, opts...),
	}
}

// Wait blocks until the shared window has room, then records the admission.
func (w *RedisWindow) Wait(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}

	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, err := w.tryAdmit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("Rate limit state unavailable in Redis, using local window")
			rateLimitFallbackTotal.Inc()
			return w.fallback.Wait(ctx)
		}

		if wait == 0 {
			rateLimitAdmittedTotal.WithLabelValues("redis").Inc()
			if waited > 0 {
				rateLimitWaitsTotal.WithLabelValues("redis").Inc()
				rateLimitWaitSeconds.WithLabelValues("redis").Observe(waited.Seconds())
			}
			return nil
		}

		w.logger.Info().
			Dur("wait", wait).
			Int("limit", w.limit).
			Msg("Shared rate limit reached, waiting for a slot")

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// InWindow returns the number of admissions currently inside the shared window.
func (w *RedisWindow) InWindow(ctx context.Context) (int64, error) {
	from := w.now().Add(-w.window).UnixMilli()
	return w.redis.ZCount(ctx, w.key, "("+strconv.FormatInt(from, 10), "+inf").Result()
}

func (w *RedisWindow) tryAdmit(ctx context.Context) (time.Duration, error) {
	ms, err := admitScript.Run(ctx, w.redis, []string{w.key},
		w.now().UnixMilli(),
		w.window.Milliseconds(),
		w.limit,
		uuid.NewString(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
