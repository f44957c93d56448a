package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Email     EmailConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Webhook   WebhookConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	DSN      string
	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// Pool and timeout settings
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration
}

// JWTConfig covers token verification only. Tokens are issued by the auth
// service; this plane just checks the signature.
type JWTConfig struct {
	Secret string
}

type EmailConfig struct {
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	CompanyName    string
	DashboardURL   string
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

// LimiterConfig is one fixed-window limiter instance.
type LimiterConfig struct {
	Window      time.Duration
	MaxRequests int
}

type RateLimitConfig struct {
	// Backend selects the window counter store: "memory" or "redis".
	Backend       string
	KeyPrefix     string
	SweepInterval time.Duration
	API           LimiterConfig
	Auth          LimiterConfig
	Chat          LimiterConfig
}

type QuotaConfig struct {
	PlanCacheTTL time.Duration
}

type WebhookConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ReconcileInterval time.Duration
	ReconcileStaleGap time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			TLSCertFile:  getEnv("TLS_CERT_FILE", ""),
			TLSKeyFile:   getEnv("TLS_KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "usage_plane"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:  getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:  getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret: getEnvRequired("JWT_SECRET"),
		},
		Email: EmailConfig{
			SendGridAPIKey: getEnvRequired("SENDGRID_API_KEY"),
			FromEmail:      getEnv("FROM_EMAIL", "noreply@example.com"),
			FromName:       getEnv("FROM_NAME", "Usage Plane"),
			CompanyName:    getEnv("COMPANY_NAME", "Meterline"),
			DashboardURL:   getEnvRequired("DASHBOARD_URL"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Backend:       getEnv("RATE_LIMIT_BACKEND", "memory"),
			KeyPrefix:     getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
			SweepInterval: getDurationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			API: LimiterConfig{
				Window:      getDurationEnv("RATE_LIMIT_API_WINDOW", time.Minute),
				MaxRequests: getIntEnv("RATE_LIMIT_API_MAX", 100),
			},
			Auth: LimiterConfig{
				Window:      getDurationEnv("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
				MaxRequests: getIntEnv("RATE_LIMIT_AUTH_MAX", 5),
			},
			Chat: LimiterConfig{
				Window:      getDurationEnv("RATE_LIMIT_CHAT_WINDOW", time.Minute),
				MaxRequests: getIntEnv("RATE_LIMIT_CHAT_MAX", 20),
			},
		},
		Quota: QuotaConfig{
			PlanCacheTTL: getDurationEnv("QUOTA_PLAN_CACHE_TTL", 5*time.Minute),
		},
		Webhook: WebhookConfig{
			MaxRetries:        getIntEnv("WEBHOOK_MAX_RETRIES", 3),
			BaseDelay:         getDurationEnv("WEBHOOK_BASE_DELAY", time.Second),
			MaxDelay:          getDurationEnv("WEBHOOK_MAX_DELAY", time.Minute),
			ReconcileInterval: getDurationEnv("WEBHOOK_RECONCILE_INTERVAL", 5*time.Minute),
			ReconcileStaleGap: getDurationEnv("WEBHOOK_RECONCILE_STALE_GAP", 10*time.Minute),
		},
	}

	// Build database DSN
	cfg.Database.DSN = fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
