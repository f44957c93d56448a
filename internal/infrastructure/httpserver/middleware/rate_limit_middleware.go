package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/httpserver/helpers"
)

// RateLimitMiddleware applies one limiter instance to the routes it is
// mounted on. The same type serves the api, auth and chat instances; they
// differ only in the limiter they wrap.
type RateLimitMiddleware struct {
	limiter   ports.RateLimiter
	decisions *prometheus.CounterVec
	logger    *logrus.Logger
}

func NewRateLimitMiddleware(limiter ports.RateLimiter, decisions *prometheus.CounterVec, logger *logrus.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, decisions: decisions, logger: logger}
}

func (r *RateLimitMiddleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := helpers.ClientKey(c.Request())

			decision := r.limiter.Allow(c.Request().Context(), key)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.UnixMilli()))

			if !decision.Allowed {
				if r.decisions != nil {
					r.decisions.WithLabelValues(r.limiter.Name(), "denied").Inc()
				}
				if r.logger != nil {
					r.logger.WithFields(logrus.Fields{"limiter": r.limiter.Name(), "key": key, "path": c.Request().URL.Path}).Debug("request rate limited")
				}
				h.Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":      "Too many requests",
					"retryAfter": decision.RetryAfter,
				})
			}

			if r.decisions != nil {
				r.decisions.WithLabelValues(r.limiter.Name(), "allowed").Inc()
			}
			return next(c)
		}
	}
}
