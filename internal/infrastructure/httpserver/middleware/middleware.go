package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/ports"
)

// MiddlewareCollection holds all middleware instances
type MiddlewareCollection struct {
	JWT       *JWTMiddleware
	Logging   *LoggingMiddleware
	Metrics   *MetricsMiddleware
	APILimit  *RateLimitMiddleware
	AuthLimit *RateLimitMiddleware
	ChatLimit *RateLimitMiddleware
}

// NewMiddlewareCollection creates a new collection of all middleware
func NewMiddlewareCollection(
	apiLimiter ports.RateLimiter,
	authLimiter ports.RateLimiter,
	chatLimiter ports.RateLimiter,
	logger *logrus.Logger,
	jwtSecret string,
	requestsTotal *prometheus.CounterVec,
	requestDuration *prometheus.HistogramVec,
	rateLimitDecisions *prometheus.CounterVec,
) *MiddlewareCollection {
	return &MiddlewareCollection{
		JWT:       NewJWTMiddleware(jwtSecret, logger),
		Logging:   NewLoggingMiddleware(logger),
		Metrics:   NewMetricsMiddleware(requestsTotal, requestDuration),
		APILimit:  NewRateLimitMiddleware(apiLimiter, rateLimitDecisions, logger),
		AuthLimit: NewRateLimitMiddleware(authLimiter, rateLimitDecisions, logger),
		ChatLimit: NewRateLimitMiddleware(chatLimiter, rateLimitDecisions, logger),
	}
}
