// Package config validates environment configuration for the broker
// process, following the teacher's internal/v1/config package shape.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"go.uber.org/zap"
)

// Config holds validated broker environment configuration (spec.md §6).
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Auth / CORS
	Auth0Domain    string
	Auth0Audience  string
	SkipAuth       bool
	DevelopmentMode bool
	AllowedOrigins []string
	TrustProxy     bool

	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	// Storage / bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	StorageDriver string // settings/revocation persistence backend
	DSN           string

	// Uploads
	MaxFileSize    int64
	StorageProvider string

	// WebSocket limits (spec.md §4.1, §6)
	MaxConnectionsPerUser   int
	MaxTotalConnections     int
	MaxGatewaysPerUser      int
	MaxClientMessageSize    int64
	MaxGatewayMessageSize   int64

	// Rate limits (spec.md §6)
	ClientRateLimitWindow time.Duration
	ClientRateLimitMax    int
	AgentRateLimitWindow  time.Duration
	AgentRateLimitMax     int

	// Routing Engine
	MaxAgentChainDepth int

	// AI Router (sub-routing collaborator, spec.md §4.2)
	RouterLLMBaseURL   string
	RouterLLMAPIKey    string
	RouterLLMModel     string
	RouterLLMTimeoutMs int

	// Permission protocol
	PermissionTimeout time.Duration

	LogLevel string
	GoEnv    string
}

// ValidateEnv validates required environment variables and fills in
// defaults for optional ones, returning an aggregated error if any
// required variable is missing or malformed.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.TrustProxy = os.Getenv("TRUST_PROXY") == "true"

	originsStr := getEnvOrDefault("CORS_ORIGIN", "http://localhost:3000")
	cfg.AllowedOrigins = strings.Split(originsStr, ",")
	for _, o := range cfg.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			errs = append(errs, "CORS_ORIGIN may not contain the wildcard '*'")
		}
	}

	var err error
	cfg.JWTAccessExpiry, err = parseDuration(getEnvOrDefault("JWT_ACCESS_EXPIRY", "15m"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("JWT_ACCESS_EXPIRY invalid: %v", err))
	}
	cfg.JWTRefreshExpiry, err = parseDuration(getEnvOrDefault("JWT_REFRESH_EXPIRY", "7d"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("JWT_REFRESH_EXPIRY invalid: %v", err))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.StorageDriver = getEnvOrDefault("STORAGE_DRIVER", "sqlite")
	cfg.DSN = getEnvOrDefault("DATABASE_DSN", "file:agentim.db?cache=shared")

	cfg.MaxFileSize = getEnvInt64OrDefault("MAX_FILE_SIZE", 25*1024*1024)
	cfg.StorageProvider = getEnvOrDefault("STORAGE_PROVIDER", "local")

	cfg.MaxConnectionsPerUser = int(getEnvInt64OrDefault("MAX_WS_CONNECTIONS_PER_USER", 10))
	cfg.MaxTotalConnections = int(getEnvInt64OrDefault("MAX_TOTAL_WS_CONNECTIONS", 5000))
	cfg.MaxGatewaysPerUser = int(getEnvInt64OrDefault("MAX_GATEWAYS_PER_USER", 20))
	cfg.MaxClientMessageSize = getEnvInt64OrDefault("MAX_CLIENT_MESSAGE_SIZE", 64*1024)
	cfg.MaxGatewayMessageSize = getEnvInt64OrDefault("MAX_GATEWAY_MESSAGE_SIZE", 256*1024)

	cfg.ClientRateLimitWindow, err = parseDuration(getEnvOrDefault("CLIENT_RATE_LIMIT_WINDOW", "60s"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("CLIENT_RATE_LIMIT_WINDOW invalid: %v", err))
	}
	cfg.ClientRateLimitMax = int(getEnvInt64OrDefault("CLIENT_RATE_LIMIT_MAX", 60))

	cfg.AgentRateLimitWindow, err = parseDuration(getEnvOrDefault("AGENT_RATE_LIMIT_WINDOW", "60s"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("AGENT_RATE_LIMIT_WINDOW invalid: %v", err))
	}
	cfg.AgentRateLimitMax = int(getEnvInt64OrDefault("AGENT_RATE_LIMIT_MAX", 5))

	cfg.MaxAgentChainDepth = int(getEnvInt64OrDefault("MAX_AGENT_CHAIN_DEPTH", 5))

	cfg.RouterLLMBaseURL = os.Getenv("ROUTER_LLM_BASE_URL")
	cfg.RouterLLMAPIKey = os.Getenv("ROUTER_LLM_API_KEY")
	cfg.RouterLLMModel = getEnvOrDefault("ROUTER_LLM_MODEL", "")
	cfg.RouterLLMTimeoutMs = int(getEnvInt64OrDefault("ROUTER_LLM_TIMEOUT_MS", 10000))

	permTimeout, err := parseDuration(getEnvOrDefault("PERMISSION_TIMEOUT", "5m"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("PERMISSION_TIMEOUT invalid: %v", err))
	}
	cfg.PermissionTimeout = permTimeout

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// parseDuration extends time.ParseDuration with a trailing "d" (days) unit,
// since spec.md's example values (e.g. JWT_REFRESH_EXPIRY=7d) use it.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("jwt_secret", redactSecret(cfg.JWTSecret)),
		zap.String("port", cfg.Port),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("storage_driver", cfg.StorageDriver),
		zap.Int("max_agent_chain_depth", cfg.MaxAgentChainDepth),
		zap.Int("agent_rate_limit_max", cfg.AgentRateLimitMax),
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
