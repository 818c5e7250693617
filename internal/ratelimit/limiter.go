package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
)

const rateLimitPrefix = "rate_limit:"

// Result carries everything a caller needs to surface standard
// rate-limit response headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter is a fixed-window request counter keyed by (subject, resource).
// Decisions fail open: a store outage must not become a denial of
// service against legitimate users.
type Limiter struct {
	client *client.RedisClient
	cfg    config.RateLimitConfig
	logger *zap.Logger
}

func NewLimiter(redisClient *client.RedisClient, cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: redisClient,
		cfg:    cfg,
		logger: logger,
	}
}

// Allow atomically counts a request for (subject, resource) against the
// configured window. The window TTL starts on the first increment.
func (l *Limiter) Allow(ctx context.Context, subject, resource string) Result {
	key := fmt.Sprintf("%s%s:%s", rateLimitPrefix, subject, resource)

	count, ttl, err := l.client.IncrWithTTL(ctx, key, l.cfg.Window)
	if err != nil {
		l.logger.Warn("Rate limit check failed, allowing request",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return Result{
			Allowed:   true,
			Limit:     l.cfg.Limit,
			Remaining: l.cfg.Limit,
			ResetAt:   time.Now().Add(l.cfg.Window),
		}
	}

	remaining := l.cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   int(count) <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		l.logger.Debug("Request rate limited",
			zap.String("resource", resource),
			zap.Int64("count", count),
			zap.Duration("retry_after", ttl),
		)
	}
	return result
}

// Reset clears the window for (subject, resource).
func (l *Limiter) Reset(ctx context.Context, subject, resource string) error {
	key := fmt.Sprintf("%s%s:%s", rateLimitPrefix, subject, resource)
	if err := l.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
