package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	config "github.com/meterline/usage-plane/configs"
	"github.com/meterline/usage-plane/internal/application/services"
	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/db"
	"github.com/meterline/usage-plane/internal/infrastructure/email"
	"github.com/meterline/usage-plane/internal/infrastructure/health"
	"github.com/meterline/usage-plane/internal/infrastructure/httpserver"
	"github.com/meterline/usage-plane/internal/infrastructure/memstore"
	"github.com/meterline/usage-plane/internal/infrastructure/redis"
	"github.com/meterline/usage-plane/internal/infrastructure/repositories"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Setup logger
	logger := logrus.New()
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(level)
	}

	logger.Info("Starting usage plane...")

	// Initialize database (apply pool settings from config)
	database, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	logger.Info("Connected to database successfully")

	// Initialize Redis client
	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis:", err)
	}
	defer redisClient.Close()

	logger.Info("Connected to Redis successfully")

	// Run migrations
	if err := database.Migrate("./migrations"); err != nil {
		logger.Warn("Failed to run migrations:", err)
	}

	// Window counter stores back the limiter instances. The memory backend is
	// per process; the redis backend shares one limit across instances.
	apiStore := newCounterStore(cfg, "api", cfg.RateLimit.API.Window, redisClient, logger)
	authStore := newCounterStore(cfg, "auth", cfg.RateLimit.Auth.Window, redisClient, logger)
	chatStore := newCounterStore(cfg, "chat", cfg.RateLimit.Chat.Window, redisClient, logger)
	defer apiStore.Close()
	defer authStore.Close()
	defer chatStore.Close()

	apiLimiter := services.NewRateLimiterService(apiStore, &services.RateLimiterConfig{
		Name:        "api",
		Window:      cfg.RateLimit.API.Window,
		MaxRequests: cfg.RateLimit.API.MaxRequests,
	}, logger)
	authLimiter := services.NewRateLimiterService(authStore, &services.RateLimiterConfig{
		Name:        "auth",
		Window:      cfg.RateLimit.Auth.Window,
		MaxRequests: cfg.RateLimit.Auth.MaxRequests,
	}, logger)
	chatLimiter := services.NewRateLimiterService(chatStore, &services.RateLimiterConfig{
		Name:        "chat",
		Window:      cfg.RateLimit.Chat.Window,
		MaxRequests: cfg.RateLimit.Chat.MaxRequests,
	}, logger)

	// Initialize generic Redis cache for read-heavy entities
	redisCache := redis.NewRedisCache(redisClient, "usagecache")

	// Initialize all db repository implementations
	quotaRepo := repositories.NewQuotaRepository(database, logger)
	usageLogRepo := repositories.NewUsageLogRepository(database, logger)
	webhookRepo := repositories.NewWebhookEventRepository(database, logger)
	baseSubscriptionRepo := repositories.NewSubscriptionRepository(database, logger)

	// Decorate plan lookups with caching; they sit on every metered request.
	subscriptionRepo := repositories.NewCachingSubscriptionRepository(baseSubscriptionRepo, redisCache, cfg.Quota.PlanCacheTTL)

	catalog := plan.NewCatalog()

	notifierConfig := &email.NotifierConfig{
		SendGridAPIKey: cfg.Email.SendGridAPIKey,
		FromEmail:      cfg.Email.FromEmail,
		FromName:       cfg.Email.FromName,
		CompanyName:    cfg.Email.CompanyName,
		DashboardURL:   cfg.Email.DashboardURL,
	}
	notifier, err := email.NewQuotaNotifier(notifierConfig, subscriptionRepo, logger)
	if err != nil {
		logger.Fatal("Failed to initialize quota notifier:", err)
	}

	quotaService := services.NewQuotaService(quotaRepo, usageLogRepo, subscriptionRepo, catalog, notifier, nil, logger)

	webhookService := services.NewWebhookService(webhookRepo, &services.WebhookServiceConfig{
		MaxRetries: cfg.Webhook.MaxRetries,
		BaseDelay:  cfg.Webhook.BaseDelay,
		MaxDelay:   cfg.Webhook.MaxDelay,
	}, logger)
	defer webhookService.Stop()

	// Billing handlers keep the subscriptions table in sync with the provider.
	billingHandlers := services.NewBillingEventHandlers(subscriptionRepo, logger)
	billingHandlers.Register(webhookService)

	webhookService.StartReconciliation(cfg.Webhook.ReconcileInterval, cfg.Webhook.ReconcileStaleGap)

	hcSlice := []ports.HealthChecker{health.NewDBHealthChecker(database), health.NewRedisHealthChecker(redisClient)}

	// Create server configuration
	serverConfig := &httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
	}

	// Initialize HTTP server using ServerDeps for clearer wiring
	deps := httpserver.ServerDeps{
		QuotaService:   quotaService,
		WebhookService: webhookService,
		APILimiter:     apiLimiter,
		AuthLimiter:    authLimiter,
		ChatLimiter:    chatLimiter,
		HealthCheckers: hcSlice,
	}

	server := httpserver.NewServer(serverConfig, cfg.JWT.Secret, logger, deps)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	logger.Infof("Server started on %s:%s", cfg.Server.Host, cfg.Server.Port)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}

// newCounterStore selects the window counter backend for one limiter instance.
// Each instance gets its own store because the window length is a store
// property.
func newCounterStore(cfg *config.Config, name string, window time.Duration, redisClient *goredis.Client, logger *logrus.Logger) ports.WindowCounterStore {
	if cfg.RateLimit.Backend == "redis" {
		prefix := fmt.Sprintf("%s:%s", cfg.RateLimit.KeyPrefix, name)
		return repositories.NewWindowCounterRedisRepository(redisClient, window, prefix)
	}
	return memstore.NewWindowCounterStore(&memstore.WindowCounterStoreConfig{
		Window:        window,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, logger)
}
