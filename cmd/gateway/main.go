package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aman-churiwal/edge-gateway/internal/auth"
	"github.com/aman-churiwal/edge-gateway/internal/cache"
	"github.com/aman-churiwal/edge-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/edge-gateway/internal/config"
	"github.com/aman-churiwal/edge-gateway/internal/events"
	"github.com/aman-churiwal/edge-gateway/internal/handler"
	"github.com/aman-churiwal/edge-gateway/internal/healthcheck"
	"github.com/aman-churiwal/edge-gateway/internal/logging"
	"github.com/aman-churiwal/edge-gateway/internal/metrics"
	"github.com/aman-churiwal/edge-gateway/internal/pipeline"
	"github.com/aman-churiwal/edge-gateway/internal/ratelimit"
	"github.com/aman-churiwal/edge-gateway/internal/repository"
	"github.com/aman-churiwal/edge-gateway/internal/server"
	"github.com/aman-churiwal/edge-gateway/internal/service"
	"github.com/aman-churiwal/edge-gateway/internal/storage"
	"github.com/aman-churiwal/edge-gateway/internal/telemetry"
	"github.com/aman-churiwal/edge-gateway/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Gateway exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	started := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.ServiceName, nil, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(flushCtx); err != nil {
				logger.Warn("Failed to flush traces", zap.Error(err))
			}
		}()
	}

	collector := metrics.New("gateway")

	validator, err := auth.NewValidator(auth.Config{
		Tokens:    cfg.Auth.Tokens,
		Pattern:   cfg.Auth.Pattern,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTIssuer: cfg.Auth.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.Algorithm, cfg.RateLimit.Requests, cfg.RateLimit.Window.Duration())
	collector.TrackSize("rate_limit_clients", "Number of client identities tracked by the rate limiter.", limiter.Len)

	var responseCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		responseCache, err = cache.New(cache.Config{
			Duration:   cfg.Cache.Duration.Duration(),
			MaxEntries: cfg.Cache.MaxEntries,
		})
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		collector.TrackSize("cache_entries", "Number of responses held in the cache.", responseCache.Len)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Backend.CircuitBreaker.Enabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "backend",
			MaxFailures: cfg.Backend.CircuitBreaker.MaxFailures,
			Timeout:     cfg.Backend.CircuitBreaker.OpenTimeout.Duration(),
			Logger:      logger,
			OnStateChange: func(_ string, _, to circuitbreaker.State) {
				collector.SetCircuitBreakerState(int(to))
			},
		})
	}

	client, err := upstream.New(upstream.Config{
		BaseURL:          cfg.Backend.BaseURL,
		StripPrefix:      cfg.Backend.StripPrefix,
		Timeout:          cfg.Backend.Timeout.Duration(),
		MaxIdleConns:     cfg.Backend.MaxIdleConns,
		MaxResponseBytes: cfg.Backend.MaxResponseBytes,
		Breaker:          breaker,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	var checker *healthcheck.Checker
	if cfg.Backend.HealthEndpoint != "" {
		checker = healthcheck.NewChecker(healthcheck.Config{
			Target:   cfg.Backend.BaseURL,
			Endpoint: cfg.Backend.HealthEndpoint,
			Interval: cfg.Backend.HealthInterval.Duration(),
			Logger:   logger,
			OnChange: collector.SetBackendHealth,
		})
		checker.Start(ctx)
		defer checker.Stop()
	}

	sinks := events.Multi{events.NewLogSink(logger), collector}

	if cfg.Redis.Enabled() {
		redis, err := storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redis.Close()
		logger.Info("Connected to redis successfully", zap.String("addr", cfg.Redis.GetRedisAddr()))

		sinks = append(sinks, events.NewRedisPublisher(redis, cfg.Redis.Channel, cfg.Redis.BufferSize, logger))
	}

	var analytics *handler.AnalyticsHandler
	if cfg.Postgres.Enabled() {
		db, err := storage.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate request logs: %w", err)
		}
		logger.Info("Connected to postgres successfully")

		logs := repository.NewRequestLogRepository(db)
		sinks = append(sinks, events.NewRequestLogWriter(logs, events.RequestLogWriterConfig{
			BufferSize:    cfg.Postgres.BufferSize,
			BatchSize:     cfg.Postgres.BatchSize,
			FlushInterval: cfg.Postgres.FlushInterval.Duration(),
			Logger:        logger,
		}))
		analytics = handler.NewAnalyticsHandler(service.NewAnalyticsService(logs))
	}
	// Flush queued events after the server has drained.
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("Failed to close event sinks", zap.Error(err))
		}
	}()

	p, err := pipeline.New(pipeline.Config{
		HealthPath: cfg.Server.HealthPath,
		CORS: pipeline.CORSConfig{
			AllowOrigins:     cfg.CORS.AllowOrigins,
			AllowMethods:     cfg.CORS.AllowMethods,
			AllowHeaders:     cfg.CORS.AllowHeaders,
			ExposeHeaders:    cfg.CORS.ExposeHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
		},
		CachePolicy:    cache.NewPolicy(cfg.Cache.ExcludePaths),
		CoalesceMisses: cfg.Cache.CoalesceMisses,
		SweepInterval:  sweepInterval(cfg),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, pipeline.Deps{
		Validator: validator,
		Limiter:   limiter,
		Cache:     responseCache,
		Upstream:  client,
		Sink:      sinks,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	p.Start(ctx)
	defer p.Stop()

	srv, err := server.New(cfg, server.Deps{
		Proxy: p.Handler(),
		System: handler.NewSystemHandler(handler.SystemConfig{
			Started: started,
			Backend: cfg.Backend.BaseURL,
			Limiter: limiter,
			Cache:   responseCache,
			Breaker: breaker,
			Health:  checker,
		}),
		Analytics: analytics,
		Metrics:   collector.Handler(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// sweepInterval picks the shorter of the limiter and cache sweep intervals,
// since one task sweeps both.
func sweepInterval(cfg *config.Config) time.Duration {
	interval := cfg.RateLimit.SweepInterval.Duration()
	if cfg.Cache.Enabled {
		if c := cfg.Cache.SweepInterval.Duration(); c > 0 && (interval <= 0 || c < interval) {
			interval = c
		}
	}
	return interval
}
