package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	complianceapp "github.com/erp/dte/internal/application/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/event"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/migration"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/policy"
	"github.com/erp/dte/internal/infrastructure/scheduler"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	var migrate bool
	flag.BoolVar(&migrate, "migrate", false, "Apply pending migrations before starting")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Fields: map[string]string{"service": "dte-worker", "app_env": cfg.App.Env},
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting DTE worker",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("metrics_port", cfg.App.MetricsPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tracer, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Continuous profiling
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Profiling.Enabled,
		ServerAddress:     cfg.Profiling.ServerAddress,
		ApplicationName:   cfg.Profiling.ApplicationName,
		BasicAuthUser:     cfg.Profiling.BasicAuthUser,
		BasicAuthPassword: cfg.Profiling.BasicAuthPassword,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()
	if cfg.Profiling.Enabled && cfg.Profiling.SpanProfiles {
		tracer.EnableSpanProfiles()
	}

	// OTLP logs and metrics
	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer func() {
		if err := logsProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()
	log = logsProvider.BridgeLogger(log, logger.ParseLevel(cfg.Log.Level))

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Database
	dbTracing := telemetry.DefaultDBTracingConfig()
	dbTracing.Enabled = cfg.Telemetry.Enabled
	db, err := persistence.NewDatabase(&cfg.Database, persistence.Options{
		Logger:   log,
		LogLevel: logger.MapGormLogLevel(cfg.Log.Level),
		Tracing:  dbTracing,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	sqlDB, err := db.SQLDB()
	if err != nil {
		log.Fatal("Failed to get connection pool", zap.Error(err))
	}
	if migrate {
		if err := runMigrations(ctx, sqlDB, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(sqlDB, cfg.Database.DBName),
	)
	metrics, err := telemetry.NewComplianceMetrics(registry)
	if err != nil {
		log.Fatal("Failed to register metrics", zap.Error(err))
	}

	// Repositories
	clock := shared.SystemClock{}
	docRepo := persistence.NewGormTaxDocumentRepository(db.DB)
	folioRepo := persistence.NewGormFolioRangeRepository(db.DB, clock)
	envRepo := persistence.NewGormEnvironmentConfigRepository(db.DB)
	tenantRepo := persistence.NewGormTenantCertificateRepository(db.DB)
	eventLog := persistence.NewGormEventLogRepository(db.DB)

	// Key material
	store, err := keystore.New(ctx, &cfg.KeyStore, keystore.WithLogger(log), keystore.WithClock(clock))
	if err != nil {
		log.Fatal("Failed to open key store", zap.Error(err))
	}
	log.Info("Key store ready", zap.String("backend", cfg.KeyStore.Backend))

	// Tenant locks
	locker, err := cache.NewTenantLockerFactory(cfg.Redis, cache.WithLogger(log)).
		Create(ctx, complianceapp.NewKeyedMutex())
	if err != nil {
		log.Fatal("Failed to create tenant locker", zap.Error(err))
	}

	// Signing and authority gateway
	docSigner := signer.New(signer.WithClock(clock))
	gateway, err := sii.NewClient(cfg.Authority, docSigner,
		sii.WithClock(clock),
		sii.WithLogger(log),
		sii.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatal("Failed to create authority client", zap.Error(err))
	}

	gate, err := policy.NewPromotionGate(ctx)
	if err != nil {
		log.Fatal("Failed to compile promotion policy", zap.Error(err))
	}

	// Event bus
	eventBus := event.NewInMemoryEventBus(log)
	transitionHandler := telemetry.NewTransitionMetricsHandler(metrics)
	eventBus.Subscribe(transitionHandler)
	log.Info("Event handlers registered",
		zap.Strings("transition_metrics_events", transitionHandler.EventTypes()),
	)

	// Application services
	certificateService := complianceapp.NewCertificateService(store, docSigner, tenantRepo, eventLog,
		complianceapp.WithCertificateLocker(locker),
		complianceapp.WithCertificateClock(clock),
		complianceapp.WithCertificateLogger(log),
		complianceapp.WithCertificateMetrics(metrics),
		complianceapp.WithUploadTempDir(cfg.KeyStore.TempDir),
	)
	lifecycleService := complianceapp.NewLifecycleService(complianceapp.LifecycleDependencies{
		Documents:    docRepo,
		Folios:       folioRepo,
		Environments: envRepo,
		Identities:   certificateService,
		Signer:       docSigner,
		Gateway:      gateway,
		Gate:         gate,
		Events:       eventLog,
		Publisher:    eventBus,
		Clock:        clock,
		Logger:       log,
	}, complianceapp.LifecycleConfigFrom(cfg.Lifecycle, cfg.Authority))

	// Status poller
	pollerConfig := scheduler.StatusPollerConfigFrom(cfg.Lifecycle)
	statusPoller, err := scheduler.NewStatusPoller(pollerConfig, docRepo, lifecycleService, log,
		scheduler.WithMeterProvider(meterProvider.Provider()))
	if err != nil {
		log.Fatal("Failed to create status poller", zap.Error(err))
	}
	if err := statusPoller.Start(ctx); err != nil {
		log.Fatal("Failed to start status poller", zap.Error(err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := statusPoller.Stop(stopCtx); err != nil {
			log.Error("Error stopping status poller", zap.Error(err))
		}
	}()

	// Operational endpoints
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	engine.GET("/health", healthHandler(db))

	srv := &http.Server{
		Addr:              ":" + cfg.App.MetricsPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Operational server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start operational server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Operational server forced to shutdown", zap.Error(err))
	}

	log.Info("Worker exited gracefully")
}

func runMigrations(ctx context.Context, sqlDB *sql.DB, log *zap.Logger) error {
	m, err := migration.New(sqlDB, "", log)
	if err != nil {
		return err
	}
	// Closing the migrator would close the shared connection pool.
	if err := m.Up(); err != nil {
		return err
	}
	return migration.Verify(ctx, sqlDB)
}

// healthHandler returns a handler for the liveness check
func healthHandler(db *persistence.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
