package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/centerfuze/opentext-service/internal/bus"
	"github.com/centerfuze/opentext-service/internal/config"
	"github.com/centerfuze/opentext-service/internal/core/cache"
	"github.com/centerfuze/opentext-service/internal/core/engine"
	"github.com/centerfuze/opentext-service/internal/core/ratelimit"
	errwrap "github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/metrics"
	"github.com/centerfuze/opentext-service/internal/observability"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/server"
	"github.com/centerfuze/opentext-service/internal/server/handlers"
	"github.com/centerfuze/opentext-service/internal/service"
)

// upstreamHealthChecker probes the OpenText API through the service.
type upstreamHealthChecker struct {
	svc *service.Service
}

func (u upstreamHealthChecker) CheckHealth(ctx context.Context) error {
	health := u.svc.Health(ctx)
	if !health.Healthy() {
		return errwrap.NewExternalServiceError("upstream health check failed: " + health.UpstreamError)
	}
	return nil
}

// natsHealthChecker reports bus connectivity.
type natsHealthChecker struct {
	conn *nats.Conn
}

func (n natsHealthChecker) CheckHealth(ctx context.Context) error {
	if n.conn == nil || !n.conn.IsConnected() {
		return errwrap.NewExternalServiceError("not connected to NATS")
	}
	return nil
}

// cacheHealthChecker surfaces cache occupancy and hit ratio in /health.
type cacheHealthChecker struct {
	cache *cache.Cache
}

func (c cacheHealthChecker) CheckHealth(ctx context.Context) error { return nil }

func (c cacheHealthChecker) HealthDetail(ctx context.Context) any {
	return c.cache.Stats()
}

// limiterHealthChecker surfaces the adaptive rate in /health.
type limiterHealthChecker struct {
	limiter *ratelimit.Limiter
}

func (l limiterHealthChecker) CheckHealth(ctx context.Context) error { return nil }

func (l limiterHealthChecker) HealthDetail(ctx context.Context) any {
	return l.limiter.Snapshot()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bus controller and health server",
	Long: `Start the NATS bus controller, the OpenText orchestration engine, and
the HTTP health/version sidecar with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload is not supported - restart the service

On shutdown the HTTP server stops first, then the bus drains in-flight
requests, then the cache compactor stops and logs flush.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
		}

		observability.InitServerLogger(cfg.Service.Name, cfg.Logging.Level)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(cfg.Service.Name, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		logger.Info("Initializing service",
			zap.String("service", cfg.Service.Name),
			zap.String("version", versionInfo.Version),
			zap.String("nats_url", cfg.NATS.URL),
			zap.String("upstream", cfg.OpenText.BaseURL),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		// Core components: cache, adaptive limiter, upstream client, engine.
		resultCache := cache.New(cfg.Cache.Capacity)
		resultCache.StartCompaction(cfg.Cache.CompactionInterval)

		limiter := ratelimit.New(ratelimit.Config{
			InitialRate:        cfg.RateLimit.InitialRate,
			MinRate:            cfg.RateLimit.MinRate,
			MaxRate:            cfg.RateLimit.MaxRate,
			Burst:              cfg.RateLimit.Burst,
			IncreaseStep:       cfg.RateLimit.IncreaseStep,
			IncreaseAfter:      cfg.RateLimit.IncreaseAfter,
			DecreaseFactor:     cfg.RateLimit.DecreaseFactor,
			AdjustmentInterval: cfg.RateLimit.AdjustmentInterval,
		})

		client := &opentext.Client{
			BaseURL:   cfg.OpenText.BaseURL,
			APIKey:    cfg.OpenText.APIKey,
			APISecret: cfg.OpenText.APISecret,
			Timeout:   cfg.OpenText.Timeout,
		}

		svc := service.New(client, resultCache, limiter, engine.RetryPolicy{
			MaxAttempts:   cfg.Engine.MaxAttempts,
			InitialDelay:  cfg.Engine.InitialDelay,
			MaxDelay:      cfg.Engine.MaxDelay,
			BackoffFactor: cfg.Engine.BackoffFactor,
		}, cfg.Engine.Concurrency)
		svc.Engine.RequestTimeout = cfg.Engine.RequestTimeout
		svc.TTL = service.TTLs{
			Account:  cfg.Cache.AccountTTL,
			FaxUsage: cfg.Cache.FaxUsageTTL,
			Usage:    cfg.Cache.UsageTTL,
			Porting:  cfg.Cache.PortingTTL,
		}

		// Bus connection with reconnect logging.
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.Timeout(cfg.NATS.ConnectTimeout),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
			}),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}),
			nats.ClosedHandler(func(nc *nats.Conn) {
				logger.Info("NATS connection closed")
			}),
		)
		if err != nil {
			logger.Error("Failed to connect to NATS",
				zap.String("url", cfg.NATS.URL),
				zap.Error(err))
			return errwrap.WrapExternalService(cmd.Context(), err, "NATS connection failed")
		}

		controller := &bus.Controller{
			Conn:          conn,
			Service:       svc,
			SubjectPrefix: cfg.Service.SubjectPrefix,
			QueueGroup:    cfg.Service.QueueGroup,
		}
		if err := controller.Start(); err != nil {
			conn.Close()
			return errwrap.WrapInternal(cmd.Context(), err, "bus controller failed to start")
		}

		// Health manager
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("upstream", upstreamHealthChecker{svc: svc})
		hm.RegisterChecker("nats", natsHealthChecker{conn: conn})
		hm.RegisterChecker("cache", cacheHealthChecker{cache: resultCache})
		hm.RegisterChecker("rate_limiter", limiterHealthChecker{limiter: limiter})

		srv := server.New(cfg.Server, hm)

		metrics.SetServerStartTime(time.Now().Unix())

		// Graceful shutdown handlers (LIFO - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Stop cache compaction
		signals.OnShutdown(func(ctx context.Context) error {
			resultCache.Stop()
			return nil
		})

		// Handler 3: Drain the bus so in-flight requests finish
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Draining bus subscriptions...")
			controller.Close()
			if err := conn.Drain(); err != nil {
				logger.Warn("NATS drain failed, closing hard", zap.Error(err))
				conn.Close()
			}
			return nil
		})

		// Handler 4: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		// Start HTTP server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Periodic gauges: uptime, cache occupancy, current limiter rate
		go func() {
			start := time.Now()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				metrics.SetServerUptime(int64(time.Since(start).Seconds()))
				metrics.SetCacheSize(int64(resultCache.Len()))
				metrics.SetRateLimiterRate(limiter.Snapshot().Rate)
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
