package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type RateLimitMiddleware struct {
	limiter RateLimiter
	logger  *slog.Logger
}

func NewRateLimitMiddleware(limiter RateLimiter, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// WebSocketRateLimit caps upgrade attempts per client IP. Limiter errors let the
// request through: a Redis outage must not lock every client out.
func (rm *RateLimitMiddleware) WebSocketRateLimit(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rm.limiter == nil || requests <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("rate_limit:websocket:%s", c.ClientIP())
		allowed, err := rm.limiter.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			rm.logger.Warn("Rate limit check failed", "clientIP", c.ClientIP(), "error", err)
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "WebSocket connection rate limit exceeded",
				"message": fmt.Sprintf("Too many connection attempts. Limit: %d per %v", requests, window),
			})
			return
		}

		c.Next()
	}
}
