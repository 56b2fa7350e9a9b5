package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewatch/popwatch/internal/api"
	"github.com/edgewatch/popwatch/internal/cache"
	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/engine"
	"github.com/edgewatch/popwatch/internal/fanout"
	"github.com/edgewatch/popwatch/internal/gate"
	"github.com/edgewatch/popwatch/internal/metrics"
	"github.com/edgewatch/popwatch/internal/notify"
	"github.com/edgewatch/popwatch/internal/repo"
	"github.com/edgewatch/popwatch/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting popwatch", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	gates := gate.NewRegistry(logger, gate.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
	})

	reader := repo.NewInfluxReader(
		logger,
		cfg.Influx,
		cfg.Breaker,
		gates,
		cacheProvider,
		cfg.Cache.ActivePopsTTL,
		cfg.Cache.SnapshotTTL,
	)
	defer reader.Close()

	alertStore, err := repo.NewRedisAlertStore(logger, cfg.Alerts)
	if err != nil {
		logger.Error("failed to connect alert store", slog.Any("error", err))
		os.Exit(1)
	}
	defer alertStore.Close()

	registry := fanout.NewRegistry(logger, cfg.Fanout.IdleWindow)
	notifier := notify.NewWebhook(logger, cfg.Notify)
	lifecycle := engine.NewLifecycle(logger, alertStore, registry, notifier)
	detector := engine.NewDetector(logger, cfg.Detection, reader, lifecycle)
	streamer := fanout.NewStreamer(logger, reader, registry, cfg.Fanout.SnapshotInterval, cfg.Fanout.SnapshotWindow)

	handlers := api.NewHandlers(logger, alertStore, gates, registry, reader, cfg.Fanout)
	server, err := api.NewServer(cfg.Server, handlers.Router())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go detector.Run(ctx)
	go streamer.Run(ctx)
	go registry.RunEviction(ctx, cfg.Fanout.EvictInterval)

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("popwatch stopped")
}
