package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/careledger/internal/observability/context"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	"go.uber.org/zap"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminAuthRequired accepts the operator token as a Bearer credential or in
// X-Admin-Token. Without a configured token every admin route is refused.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.admin.Configured() {
			AbortWithError(c, ErrForbidden)
			return
		}
		if !s.admin.Match(adminToken(c)) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		ctx := obscontext.WithActor(c.Request.Context(), "admin", "operator")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func adminToken(c *gin.Context) string {
	if raw := strings.TrimSpace(c.GetHeader("Authorization")); raw != "" {
		scheme, token, ok := strings.Cut(raw, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader(HeaderAdminToken))
}

// WebhookRateLimit applies the per-provider, per-client token bucket.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		decision := s.webhookLimiter.Allow(ctx, provider, c.ClientIP())
		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if decision.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("payment webhook rate limit exceeded",
			zap.String("provider", provider),
			zap.String("client_ip", c.ClientIP()),
		)
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}
