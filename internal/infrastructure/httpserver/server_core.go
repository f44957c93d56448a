package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/ports"
	customMiddleware "github.com/meterline/usage-plane/internal/infrastructure/httpserver/middleware"
)

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
}

type ServerDeps struct {
	QuotaService   ports.QuotaService
	WebhookService ports.WebhookService
	APILimiter     ports.RateLimiter
	AuthLimiter    ports.RateLimiter
	ChatLimiter    ports.RateLimiter
	HealthCheckers []ports.HealthChecker
}

type Server struct {
	echo           *echo.Echo
	config         *ServerConfig
	logger         *logrus.Logger
	quotaSvc       ports.QuotaService
	webhookSvc     ports.WebhookService
	middleware     *customMiddleware.MiddlewareCollection
	healthCheckers []ports.HealthChecker
}

func NewServer(serverConfig *ServerConfig, jwtSecret string, logger *logrus.Logger, deps ServerDeps) *Server {
	e := echo.New()

	server := &Server{
		echo:           e,
		config:         serverConfig,
		logger:         logger,
		quotaSvc:       deps.QuotaService,
		webhookSvc:     deps.WebhookService,
		healthCheckers: deps.HealthCheckers,
		middleware: customMiddleware.NewMiddlewareCollection(
			deps.APILimiter,
			deps.AuthLimiter,
			deps.ChatLimiter,
			logger,
			jwtSecret,
			GetRequestsTotal(),
			GetRequestDuration(),
			GetRateLimitDecisions(),
		),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}
