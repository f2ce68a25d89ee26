package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/oca-meteo/internal/circuitbreaker"
	"github.com/kjstillabower/oca-meteo/internal/client"
	"github.com/kjstillabower/oca-meteo/internal/config"
	httphandler "github.com/kjstillabower/oca-meteo/internal/http"
	"github.com/kjstillabower/oca-meteo/internal/lifecycle"
	"github.com/kjstillabower/oca-meteo/internal/notify"
	"github.com/kjstillabower/oca-meteo/internal/observability"
	"github.com/kjstillabower/oca-meteo/internal/offline"
	"github.com/kjstillabower/oca-meteo/internal/widget"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "meteo_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("meteo_api", from.String(), to.String(), int(to))
			},
		})
		observability.CircuitBreakerState.WithLabelValues("meteo_api").Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	newBackend := func(baseURL string) (client.MeteoClient, error) {
		return client.New(baseURL, client.Options{
			Timeout:        cfg.BackendTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			Breaker:        breaker,
		})
	}

	permission, err := notify.ParsePermission(cfg.NotificationPermission)
	if err != nil {
		logger.Fatal("notifications", zap.Error(err))
	}
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.MultiSink{sink, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookTimeout)}
		logger.Info("notification webhook enabled")
	}
	center := notify.NewCenter(permission, cfg.NotificationGrant, sink, logger)

	// The offline worker is installed before the server starts so the
	// first request already sees the precached shell.
	var (
		worker        *offline.Worker
		memcachedStor *offline.MemcachedStorage
		healthConfig  = &httphandler.HealthConfig{
			DegradedWindow:   cfg.DegradedWindow,
			DegradedErrorPct: cfg.DegradedErrorPct,
		}
	)
	if cfg.OfflineEnabled {
		var storage offline.Storage
		switch cfg.OfflineStorage {
		case "memcached":
			mc, err := offline.NewMemcachedStorage(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
			if err != nil {
				logger.Fatal("memcached storage", zap.Error(err))
			}
			memcachedStor = mc
			storage = mc
			healthConfig.StoragePing = mc.Ping
			logger.Info("offline storage: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		default:
			storage = offline.NewMemoryStorage()
			logger.Info("offline storage: in_memory")
		}

		worker, err = offline.NewWorker(cfg.OriginURL, storage, offline.Options{
			CacheName: cfg.CacheName,
			Assets:    cfg.Assets,
			ShellPath: cfg.ShellPath,
			Scope:     offline.FallbackScope(cfg.FallbackScope),
			Timeout:   cfg.OriginTimeout,
		}, logger.With(zap.String("component", "offline")))
		if err != nil {
			logger.Fatal("offline worker", zap.Error(err))
		}
		installCtx, installCancel := context.WithTimeout(context.Background(), 30*time.Second)
		startOffline(installCtx, worker, logger)
		installCancel()
	}

	w := widget.New(widget.Config{
		API:                cfg.WidgetAPI,
		RefreshInterval:    cfg.RefreshInterval,
		RainAlertThreshold: &cfg.RainAlertThreshold,
		Location:           cfg.Location,
	}, newBackend, center, logger)
	if err := w.Attach(context.Background()); err != nil {
		logger.Fatal("widget attach", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.AskRateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AskRateLimitRPS), cfg.AskRateLimitBurst)
	}
	routerCfg := httphandler.RouterConfig{
		AskLimiter:     limiter,
		RequestTimeout: cfg.RequestTimeout,
	}
	var workerState httphandler.OfflineWorker
	if worker != nil {
		routerCfg.Offline = worker
		workerState = worker
	}
	handler := httphandler.NewHandler(w, workerState, healthConfig, logger, cfg.QuestionMaxLength)
	router := httphandler.NewRouter(handler, routerCfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetReady(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	w.Detach()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcachedStor != nil {
		if err := memcachedStor.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// startOffline installs and activates the worker. Failures are logged and the
// worker stays mounted: a redundant or merely installed worker forwards every
// request to the origin, and the widget keeps running either way.
func startOffline(ctx context.Context, worker *offline.Worker, logger *zap.Logger) {
	if err := worker.Install(ctx); err != nil {
		logger.Error("offline install failed, forwarding to origin", zap.Error(err), zap.String("state", worker.State().String()))
		return
	}
	if err := worker.Activate(ctx); err != nil {
		logger.Error("offline activate", zap.Error(err))
	}
}
