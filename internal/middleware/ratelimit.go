package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockfall/blockfall/internal/ratelimit"
	"github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/metrics"
	"github.com/blockfall/blockfall/pkg/response"
)

// RateLimit enforces a fixed-window limit per client IP for the named route.
// Counters live in the limiter's shared store, so limits hold across
// instances. A broken store fails open rather than blocking traffic.
func RateLimit(limiter *ratelimit.Limiter, route string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limit <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := route + ":" + c.ClientIP()
		result, err := limiter.IsRateLimited(c.Request.Context(), key, limit, window)
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if result.Limited {
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(int(time.Until(result.Reset).Seconds())+1))
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
