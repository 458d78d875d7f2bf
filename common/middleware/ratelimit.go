package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/common/ratelimit"
)

// ClientRateLimitMiddleware applies a per-client token bucket keyed by the
// caller's address
func ClientRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result := rateLimiter.Check(c.RealIP())
			if !result.Allowed {
				retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit_per_second":    result.Limit,
						"burst":               result.Burst,
						"retry_after_seconds": retryAfter,
					},
				})
			}
			return next(c)
		}
	}
}
