package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore implements RateLimitStore backed by Redis, giving a
// shared fixed-window counter across API instances.
type RedisRateLimitStore struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
// Metrics may be nil.
func NewRedisRateLimitStore(client *redis.Client, logger *slog.Logger, metrics *Metrics) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{client: client, logger: logger, metrics: metrics}
}

// Allow implements the RateLimitStore interface. On Redis errors the
// store fails open: ingestion availability is worth more than strict
// limiting during a cache outage.
//
// ExpireNX arms the key's TTL only on the window's first request, so the
// fixed window never slides under sustained traffic; the TTL read in the
// same pipeline is the window's actual remaining lifetime.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, config.WindowDuration)
	ttlCmd := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("rate limit store unavailable, allowing request",
			"key", key,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.IncRateLimitRedisErrors()
		}
		return true, config.RequestsPerWindow, int(config.WindowDuration.Seconds())
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		ttl = config.WindowDuration
	}
	resetIn := int(ttl.Seconds())
	if resetIn <= 0 {
		resetIn = 1
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, resetIn
	}
	return false, 0, resetIn
}
