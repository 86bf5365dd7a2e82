package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/speechgate/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.uber.org/zap"
)

const (
	rateLimitEndpointSync   = "sync"
	rateLimitReasonUserRate = "user-rate"
)

// SyncRateLimit throttles forced syncs per user. A limiter failure lets the
// request through.
func (s *Server) SyncRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		userID, err := subscriptiondomain.NormalizeUserID(c.Param("user_id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("sync rate limit check failed", zap.Error(err))
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		}
		if !res.Allowed {
			s.obsMetrics.RecordRateLimitDenied(ctx, rateLimitEndpointSync, rateLimitReasonUserRate)
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}

		s.obsMetrics.RecordRateLimitAllowed(ctx, rateLimitEndpointSync)
		c.Next()
	}
}
