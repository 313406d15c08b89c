package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/changes"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/history"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
	"github.com/platinummonkey/tally/pkg/tenant"
)

const serviceName = "tally-audit"

func main() {
	// logrus covers the window before the structured logger exists.
	startupLog := logrus.New()
	startupLog.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		startupLog.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("service", serviceName).Info("starting")

	if err := run(cfg, logger); err != nil {
		startupLog.WithError(err).Fatal("service exited with error")
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry (optional)
	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		var err error
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
	}

	// Prometheus metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// PostgreSQL
	connManager, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		WriterURL:   cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer connManager.Close()
	connManager.StartHealthCheckRoutine(ctx, 30*time.Second)

	// Redis (optional, degrades to no caching and fail-open rate limits)
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		redisClient = redis.NewClient(opts)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, continuing without cache")
		}
		defer redisClient.Close()
	}

	// Record type registry with hot reload
	registry2 := changes.NewRegistry()
	if cfg.Audit.RecordTypesPath != "" {
		if err := registry2.LoadFile(cfg.Audit.RecordTypesPath); err != nil {
			return fmt.Errorf("failed to load record types: %w", err)
		}
		if err := registry2.Watch(ctx, cfg.Audit.RecordTypesPath, logger); err != nil {
			logger.WithError(err).Warn("record type hot reload unavailable")
		}
	}
	detector := changes.NewDetector(registry2)

	// Ledger and history index. Schema and appends go to the writer
	// pool, queries to the replica pool.
	dbLedger, err := ledger.NewDBLedger(connManager.Writer(), ledger.Config{
		MaxPageSize:     cfg.Audit.MaxPageSize,
		DefaultPageSize: cfg.Audit.DefaultPageSize,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	dbLedger.ReadFrom(connManager.Reader())

	var store ledger.Store = dbLedger
	if redisClient != nil {
		store = ledger.NewCachedLedger(dbLedger, redisClient, metrics)
	}

	historyIndex, err := history.NewIndex(connManager.Writer(), logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create history index: %w", err)
	}
	historyIndex.ReadFrom(connManager.Reader())

	facade := audit.NewFacade(store, detector, logger)
	if cfg.Observability.OTelEnabled {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create audit write instruments: %w", err)
		}
		facade = facade.WithOTelMetrics(otelMetrics)
	}

	// HTTP API
	router := mux.NewRouter()
	audit.NewIngestHandler(facade, connManager.Writer(), logger).RegisterRoutes(router)
	ledger.NewHandler(store, logger).RegisterRoutes(router)
	history.NewHandler(historyIndex, logger).RegisterRoutes(router)

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	}
	if metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(metrics))
	}
	if redisClient != nil {
		rateLimit := middleware.NewTenantRateLimit(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Audit.RateLimitPerMinute,
			WindowDuration:    time.Minute,
		}, logger, metrics)
		chain = append(chain, rateLimit.Handler)
	}
	chain = append(chain, middleware.TenantScope(logger))

	var handler http.Handler = httputil.Chain(chain...)(router)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, serviceName)
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes and scrapers.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(connManager.Writer(), redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	// Periodic business metrics refresh under a system scope.
	var statsCron *cron.Cron
	if metrics != nil {
		statsCron = cron.New()
		_, err := statsCron.AddFunc(cfg.Audit.StatsRefreshSchedule, func() {
			refreshStats(ctx, store, metrics, logger)
		})
		if err != nil {
			return fmt.Errorf("invalid stats refresh schedule: %w", err)
		}
		statsCron.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("audit API listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sm := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
		sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return healthServer.Shutdown(shutdownCtx)
		})
		if statsCron != nil {
			sm.RegisterShutdownFunc(func(context.Context) error {
				statsCron.Stop()
				return nil
			})
		}
		if otelProviders != nil {
			sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
				return observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
			})
		}

		err := sm.WaitForShutdown()
		cancel()

		select {
		case <-gctx.Done():
		default:
		}
		return err
	})

	return g.Wait()
}

// refreshStats recomputes the business gauges from the full ledger.
// It runs under a system scope because the numbers span all tenants.
func refreshStats(ctx context.Context, store ledger.Store, metrics *observability.Metrics, logger *observability.Logger) {
	sysCtx, err := tenant.EnterSystem(ctx)
	if err != nil {
		logger.WithError(err).Error("stats refresh could not enter system scope")
		return
	}
	defer func() {
		if exitErr := tenant.Exit(sysCtx); exitErr != nil {
			logger.WithError(exitErr).Error("stats refresh could not exit system scope")
		}
	}()

	stats, err := store.Stats(sysCtx, nil)
	if err != nil {
		logger.WithError(err).Error("stats refresh failed")
		return
	}

	metrics.TransactionsTotal.Set(float64(stats.TotalTransactions))
	metrics.ActiveActorsTotal.Set(float64(stats.UniqueActors))
	logger.WithField("transactions", stats.TotalTransactions).Debug("stats refreshed")
}
