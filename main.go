package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/config"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/control"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/db"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/health"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/middleware"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/multimodal"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/budget"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/improvement"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/trace"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/workflow"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the hub configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap logger until the configured one is built
	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	loader, err := config.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := loader.Config()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		bootLogger.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("file", loader.File()))

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable, continuing without it", zap.Error(err))
	}

	events := streaming.NewManager(cfg.Streaming.RingCapacity, logger)

	// ------------------------------------------------------------------
	// Subsystems
	// ------------------------------------------------------------------
	traceStore := trace.NewMemoryStore()
	budgetStore := budget.NewMemoryStore()
	improvementStore := improvement.NewMemoryStore()
	workflowStore := workflow.NewMemoryStore()

	svcs := services{
		traces:       trace.NewService(traceStore, logger),
		budgets:      budget.NewService(budgetStore, logger),
		improvements: improvement.NewService(improvementStore, logger),
		workflows:    workflow.NewService(workflowStore, logger),
	}

	providerBreakers := circuitbreaker.NewGroup("provider", multimodal.ProviderBreakerConfig(cfg.BreakerConfig()), logger)
	providers, limits, err := loadProviders(cfg.Multimodal.ProvidersFile)
	if err != nil {
		logger.Fatal("Failed to load provider catalog", zap.Error(err))
	}
	selector := multimodal.NewSelector(providers, limits, providerBreakers, logger)
	engine := multimodal.NewEngine(cfg.Multimodal, selector, events, logger)

	adapterBreakers := circuitbreaker.NewGroup("adapter", registry.BreakerConfig(cfg.BreakerConfig()), logger)
	reg, err := registry.New([]process.Adapter{
		trace.NewAdapter(traceStore, logger),
		budget.NewAdapter(budgetStore, logger),
		improvement.NewAdapter(improvementStore, logger),
		workflow.NewAdapter(workflowStore, logger),
		multimodal.NewAdapter(engine),
	}, cfg.Registry, logger, registry.WithBreakers(adapterBreakers), registry.WithEvents(events))
	if err != nil {
		logger.Fatal("Failed to build process registry", zap.Error(err))
	}

	if cfg.Dev.Seed {
		if err := seed(ctx, svcs, engine, auth.DevTenantID, logger); err != nil {
			logger.Warn("Seeding sample processes failed", zap.Error(err))
		}
	}

	// ------------------------------------------------------------------
	// Persistence and shared state
	// ------------------------------------------------------------------
	var dbClient *db.Client
	var keys auth.KeyValidator
	if cfg.Database.Enabled {
		dbClient, err = db.Open(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		if err := dbClient.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare audit schema", zap.Error(err))
		}
		keyStore := auth.NewAPIKeyStore(dbClient.DB(), logger)
		if err := keyStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare api key schema", zap.Error(err))
		}
		keys = keyStore
		if cfg.Dev.Seed {
			if err := seedAPIKey(ctx, keyStore, auth.DevTenantID, os.Stderr, logger); err != nil {
				logger.Warn("Minting dev API key failed", zap.Error(err))
			}
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Invalid redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Rate limiting and idempotency fail open.
			logger.Warn("Redis not reachable at startup", zap.Error(err))
		}
		cancel()
	}

	// ------------------------------------------------------------------
	// Authorization and control
	// ------------------------------------------------------------------
	policyEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to load authorization policy", zap.Error(err))
	}
	guard := auth.NewGuard(policyEngine, logger)

	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry)
	}
	if cfg.Auth.SkipAuth {
		logger.Warn("Authentication disabled, every request runs as the dev tenant",
			zap.String("tenant_id", auth.DevTenantID.String()))
	}

	var dispatcherOpts []control.Option
	if dbClient != nil {
		dispatcherOpts = append(dispatcherOpts, control.WithAudit(dbClient))
	}
	dispatcher := control.NewDispatcher(reg, events, logger, dispatcherOpts...)

	// ------------------------------------------------------------------
	// Health
	// ------------------------------------------------------------------
	hm := health.NewManager(cfg.Health.CheckInterval, logger)
	_ = hm.RegisterChecker(health.NewBreakerHealthChecker("subsystems", false, reg.Breakers))
	_ = hm.RegisterChecker(health.NewBreakerHealthChecker("providers", false, selector.BreakerStates))
	if dbClient != nil {
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.DB(), logger))
	}
	if redisClient != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisClient, logger))
	}

	// ------------------------------------------------------------------
	// HTTP
	// ------------------------------------------------------------------
	apiMux := http.NewServeMux()
	httpapi.NewHubHandler(reg, dispatcher, guard, logger).RegisterRoutes(apiMux)
	httpapi.NewMultimodalHandler(engine, guard, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(events, guard, logger).RegisterRoutes(apiMux)
	if dbClient != nil {
		httpapi.NewAuditHandler(dbClient, guard, logger).RegisterRoutes(apiMux)
	}

	var api http.Handler = middleware.RecordRoute(apiMux)
	api = middleware.NewIdempotencyMiddleware(redisClient, cfg.Idempotency.TTL, logger).Middleware(api)
	if cfg.RateLimit.Enabled {
		api = middleware.NewRateLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, logger).Middleware(api)
	}
	api = auth.NewMiddleware(keys, jwtManager, cfg.Auth.SkipAuth, logger).HTTPMiddleware(api)

	rootMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(rootMux)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", api)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:      middleware.NewTracingMiddleware(logger).Middleware(rootMux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// ------------------------------------------------------------------
	// gRPC health
	// ------------------------------------------------------------------
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptors.LoggingUnaryServerInterceptor(logger)))
	healthServer := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	hm.AttachGRPC(healthServer)

	if err := hm.Start(ctx); err != nil {
		logger.Fatal("Failed to start health manager", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Hot reload
	// ------------------------------------------------------------------
	reloadProviders := func(path string) error {
		providers, limits, err := loadProviders(path)
		if err != nil {
			return err
		}
		selector.Replace(providers, limits)
		logger.Info("Provider catalog reloaded", zap.String("file", path), zap.Strings("providers", selector.Names()))
		return nil
	}

	// Swapped from the config reload callback and read at shutdown.
	var (
		watchMu         sync.Mutex
		providerWatcher *config.FileWatcher
	)
	watchProviders := func(path string) {
		watchMu.Lock()
		defer watchMu.Unlock()
		if providerWatcher != nil {
			_ = providerWatcher.Stop()
			providerWatcher = nil
		}
		if path == "" {
			return
		}
		w, err := config.WatchFile(path, 500*time.Millisecond, reloadProviders, logger)
		if err != nil {
			logger.Warn("Cannot watch provider catalog", zap.String("file", path), zap.Error(err))
			return
		}
		providerWatcher = w
	}
	watchProviders(cfg.Multimodal.ProvidersFile)

	if loader.File() != "" {
		loader.Watch(func(old, updated *config.Config) {
			reg.SetAdapterTimeout(updated.Registry.AdapterTimeout)
			engine.UpdateConfig(updated.Multimodal)
			events.SetCapacity(updated.Streaming.RingCapacity)
			adapterBreakers.UpdateConfig(registry.BreakerConfig(updated.BreakerConfig()))
			providerBreakers.UpdateConfig(multimodal.ProviderBreakerConfig(updated.BreakerConfig()))
			if updated.Multimodal.ProvidersFile != old.Multimodal.ProvidersFile {
				if err := reloadProviders(updated.Multimodal.ProvidersFile); err != nil {
					logger.Error("Keeping previous provider catalog", zap.Error(err))
				}
				watchProviders(updated.Multimodal.ProvidersFile)
			}
		})
	}

	// ------------------------------------------------------------------
	// Serve
	// ------------------------------------------------------------------
	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.GRPCPort))
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("gRPC health server listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	watchProviders("")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	grpcServer.GracefulStop()
	_ = hm.Stop()
	if err := engine.Wait(shutdownCtx); err != nil {
		logger.Warn("Abandoning in-flight multimodal executions", zap.Error(err))
		engine.Reset()
	}
	if dbClient != nil {
		if err := dbClient.Close(); err != nil {
			logger.Warn("Database close failed", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Operations hub stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func loadProviders(path string) ([]multimodal.Provider, map[string]multimodal.RateLimit, error) {
	catalog := multimodal.DefaultCatalog()
	if path != "" {
		c, err := multimodal.LoadCatalog(path)
		if err != nil {
			return nil, nil, err
		}
		catalog = c
	}
	return catalog.Build(&http.Client{Transport: interceptors.NewProcessHTTPRoundTripper(nil)})
}
