package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/careledger/internal/config"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookClient = "careledger:webhook:%s:%s"

// NewRedisClient returns nil when no address is configured. Every consumer
// treats a nil client as "feature off".
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

type WebhookParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Client  *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// WebhookLimiter throttles inbound payment webhooks per provider and client.
type WebhookLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewWebhookLimiter(p WebhookParams) *WebhookLimiter {
	cfg := p.Config.RateLimit
	limiter := &WebhookLimiter{
		rate:    cfg.WebhookRate,
		burst:   cfg.WebhookBurst,
		log:     p.Log.Named("ratelimit.webhook"),
		metrics: p.Metrics,
	}
	if !cfg.Enabled || p.Client == nil {
		return limiter
	}
	if cfg.WebhookRate <= 0 || cfg.WebhookBurst <= 0 {
		limiter.log.Warn("webhook rate limit disabled", zap.Error(ErrInvalidRate))
		return limiter
	}
	limiter.enabled = true
	limiter.bucket = NewTokenBucket(p.Client)
	return limiter
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow fails open: a Redis outage must not drop payment confirmations, which
// are idempotent on the provider's transaction id.
func (l *WebhookLimiter) Allow(ctx context.Context, provider, client string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}
	endpoint := "webhook:" + provider
	key := fmt.Sprintf(keyWebhookClient, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(client))
	decision, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("webhook rate limit check failed", zap.String("provider", provider), zap.Error(err))
		l.metrics.RecordRateLimitDenied(ctx, endpoint, "backend_error")
		return Decision{Allowed: true, Limit: l.burst}
	}
	if decision.Allowed {
		l.metrics.RecordRateLimitAllowed(ctx, endpoint)
	} else {
		l.metrics.RecordRateLimitDenied(ctx, endpoint, "exhausted")
	}
	return decision
}
