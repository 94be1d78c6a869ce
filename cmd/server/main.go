// Command server runs the AgentIM broker: the client- and
// gateway-facing WebSocket Hub, the Routing Engine, and their
// supporting collaborators (auth, revocation, rate limiting, settings,
// storage, tracing, health). Adapted from the teacher's
// cmd/v1/session/main.go shutdown/wiring shape, extended with the
// collaborators spec.md's broker side requires.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/NoPKT/agentim/internal/auth"
	"github.com/NoPKT/agentim/internal/bus"
	"github.com/NoPKT/agentim/internal/config"
	"github.com/NoPKT/agentim/internal/health"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/middleware"
	"github.com/NoPKT/agentim/internal/ratelimit"
	"github.com/NoPKT/agentim/internal/revocation"
	"github.com/NoPKT/agentim/internal/routing"
	"github.com/NoPKT/agentim/internal/settings"
	"github.com/NoPKT/agentim/internal/tracing"
	"github.com/NoPKT/agentim/internal/transport"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/NoPKT/agentim/pkg/airouter"
	"github.com/NoPKT/agentim/pkg/storage"
)

func main() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentim-server:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "agentim-server: failed to initialize logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
	}

	db, err := storage.Open(storageDSNPath(cfg.DSN))
	if err != nil {
		logging.Fatal(ctx, "failed to open storage", zap.Error(err))
	}
	defer db.Close()

	revocationStore := storage.NewRevocationStore(db)
	revocationRegistry := revocation.NewRegistry(cfg.JWTSecret, busService, revocationStore)
	if err := revocationRegistry.Start(ctx); err != nil {
		logging.Warn(ctx, "revocation registry failed to start pub/sub", zap.Error(err))
	}

	var clientValidator, gatewayValidator types.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "SKIP_AUTH=true: using HMAC dev validator, do not use in production")
		clientValidator = auth.NewHMACValidator(cfg.JWTSecret)
		gatewayValidator = auth.NewHMACValidator(cfg.JWTSecret)
	} else {
		jwksValidator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to build auth validator", zap.Error(err))
		}
		clientValidator = jwksValidator
		gatewayValidator = jwksValidator
	}

	connLimiter, err := ratelimit.NewConnectionLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to build connection limiter", zap.Error(err))
	}

	agentLimiter := ratelimit.NewAgentLimiter(cfg.AgentRateLimitWindow, cfg.AgentRateLimitMax)
	chains := routing.NewChainTracker(cfg.MaxAgentChainDepth, 30*time.Minute)

	var router routing.Router
	if cfg.RouterLLMBaseURL != "" {
		router = airouter.NewClient(cfg.RouterLLMBaseURL, cfg.RouterLLMAPIKey, cfg.RouterLLMTimeoutMs)
	}
	engine := routing.NewEngine(chains, agentLimiter, router)

	hub := transport.NewHub(clientValidator, gatewayValidator, revocationRegistry, connLimiter, engine, cfg.AllowedOrigins, cfg.DevelopmentMode)

	settingsStore, err := storage.NewSettingsStore(db, settingsEncryptionKey())
	if err != nil {
		logging.Fatal(ctx, "failed to build settings store", zap.Error(err))
	}
	settingsRegistry := settings.NewRegistry(settings.DefaultDefinitions(), settings.NewStorageAdapter(settingsStore))
	if overridePath := os.Getenv("SETTINGS_OVERRIDE_FILE"); overridePath != "" {
		if err := settingsRegistry.WatchOverrideFile(overridePath); err != nil {
			logging.Warn(ctx, "failed to watch settings override file", zap.Error(err))
		} else {
			defer settingsRegistry.StopWatching()
		}
	}

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "agentim-server", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to init tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	healthHandler := health.NewHandler(busService, db)

	stopSweep := startSweepLoop(ctx, revocationRegistry, chains, hub)
	defer stopSweep()

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engineGin := gin.New()
	engineGin.Use(gin.Recovery())
	engineGin.Use(otelgin.Middleware("agentim-server"))
	engineGin.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	engineGin.Use(cors.New(corsCfg))

	engineGin.GET("/health/live", healthHandler.Liveness)
	engineGin.GET("/health/ready", healthHandler.Readiness)
	engineGin.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsGroup := engineGin.Group("/ws")
	wsGroup.GET("/client", hub.ServeClientWs)
	wsGroup.GET("/gateway", hub.ServeGatewayWs)
	wsGroup.GET("/admin", hub.ServeAdminWs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engineGin,
	}

	go func() {
		logging.Info(ctx, "agentim-server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "hub shutdown reported error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "http server forced to shutdown", zap.Error(err))
	}
	logging.Info(context.Background(), "agentim-server exited")
}

// storageDSNPath extracts a plain filesystem path from a sqlite DSN of
// the shape "file:<path>?cache=shared", since pkg/storage.Open expects
// a bare path for the modernc.org/sqlite driver.
func storageDSNPath(dsn string) string {
	const prefix = "file:"
	path := dsn
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		path = path[len(prefix):]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return path[:i]
		}
	}
	return path
}

// settingsEncryptionKey reads a 32-byte key from SETTINGS_ENCRYPTION_KEY,
// or returns nil (encryption disabled) if unset.
func settingsEncryptionKey() []byte {
	v := os.Getenv("SETTINGS_ENCRYPTION_KEY")
	if v == "" {
		return nil
	}
	return []byte(v)
}

// startSweepLoop schedules the broker's recurring maintenance jobs on a
// cron.Cron engine: the revocation-map TTL sweep, conversation-chain TTL
// expiry and agent offline-GC every 10 minutes, and SweepPermissions every
// minute. Empty rooms are evicted by Hub.removeRoom's grace-period
// time.AfterFunc (the onEmpty callback the Hub hands to room.New), and
// the gateway-side room-context cache by the Agent Manager's own sweep
// loop; neither is a job here. Adapted from the teradata-labs-loom scheduler's
// cron.New/AddFunc/Start/Stop shape (pkg/scheduler/scheduler.go).
func startSweepLoop(ctx context.Context, revocationRegistry *revocation.Registry, chains *routing.ChainTracker, hub *transport.Hub) func() {
	engine := cron.New()

	jobs := []struct {
		schedule string
		fn       func()
	}{
		{"@every 10m", func() { revocationRegistry.Sweep(ctx, 30*24*time.Hour) }},
		{"@every 10m", chains.Sweep},
		{"@every 10m", func() { hub.GCOfflineAgents(24 * time.Hour) }},
		{"@every 1m", hub.SweepPermissions},
	}
	for _, j := range jobs {
		if _, err := engine.AddFunc(j.schedule, j.fn); err != nil {
			logging.Fatal(ctx, "failed to schedule sweep job", zap.String("schedule", j.schedule), zap.Error(err))
		}
	}

	engine.Start()
	return func() {
		cronCtx := engine.Stop()
		<-cronCtx.Done()
	}
}
