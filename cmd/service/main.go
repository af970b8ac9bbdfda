package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/photonworks/spectro-service/internal/cache"
	"github.com/photonworks/spectro-service/internal/circuitbreaker"
	"github.com/photonworks/spectro-service/internal/config"
	"github.com/photonworks/spectro-service/internal/device"
	httphandler "github.com/photonworks/spectro-service/internal/http"
	"github.com/photonworks/spectro-service/internal/idle"
	"github.com/photonworks/spectro-service/internal/lifecycle"
	"github.com/photonworks/spectro-service/internal/observability"
	"github.com/photonworks/spectro-service/internal/recovery"
	"github.com/photonworks/spectro-service/internal/sampler"
	"github.com/photonworks/spectro-service/internal/sekonic"
	"github.com/photonworks/spectro-service/internal/service"
	"github.com/photonworks/spectro-service/internal/store"
	"github.com/photonworks/spectro-service/internal/usbadapter"
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

	openFunc := func() (sekonic.Commander, error) {
		transport, err := usbadapter.Open(cfg.VendorID, cfg.ProductID)
		if err != nil {
			return nil, err
		}
		dev, err := device.Open(transport)
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
		return dev, nil
	}
	meter := sekonic.New(openFunc, sekonic.Config{
		MaxConnWait:  cfg.MaxConnWait,
		ConnWaitStep: cfg.ConnWaitStep,
		MaxMeasWait:  cfg.MaxMeasWait,
		MeasWaitStep: cfg.MeasWaitStep,
		UseFakeData:  cfg.FakeDevice,
	}, logger)
	if cfg.FakeDevice {
		logger.Warn("fake device mode enabled; serving synthetic measurements")
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "instrument",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.BreakerState.Set(to.GaugeValue())
				observability.BreakerTransitionsTotal.WithLabelValues(to.String()).Inc()
				logger.Warn("instrument breaker transition",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.BreakerState.Set(circuitbreaker.StateClosed.GaugeValue())
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	var history service.History
	var historyStore *store.Store
	if cfg.StoreEnabled {
		st, err := store.New(store.Options{Path: cfg.StorePath, Debug: cfg.StoreDebug})
		if err != nil {
			logger.Fatal("measurement store", zap.Error(err))
		}
		initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := st.Init(initCtx); err != nil {
			initCancel()
			logger.Fatal("measurement store init", zap.Error(err))
		}
		initCancel()
		historyStore = st
		history = st
		logger.Info("measurement store ready", zap.String("path", cfg.StorePath))
	}

	meterService := service.NewMeterService(meter, cacheSvc, history, breaker, cfg.CacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	if historyStore != nil {
		healthConfig.StorePing = historyStore.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(meterService, healthConfig, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	// Background loops share one context cancelled at shutdown.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	recovery.StartListener(appCtx,
		func(ctx context.Context) error {
			_, err := meter.Info(ctx)
			return err
		},
		cfg.DegradedRetryInitial, cfg.DegradedRetryMax,
		func() { logger.Info("instrument reachable again") },
		func() { logger.Warn("instrument recovery attempts exhausted; awaiting next failure signal") },
	)

	if cfg.SamplerEnabled {
		smp := sampler.New(meterService, logger)
		go func() {
			if err := smp.Run(appCtx, cfg.SamplerInterval); err != nil && err != context.Canceled {
				logger.Error("sampler stopped", zap.Error(err))
			}
		}()
		logger.Info("sampler enabled", zap.Duration("interval", cfg.SamplerInterval))
	}

	// Release the USB claim when nobody has asked for a measurement in a
	// while, so handheld use of the meter is possible without stopping the
	// service. The next request reconnects lazily.
	go func() {
		ticker := time.NewTicker(cfg.IdleWindow)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				if !meter.Connected() {
					continue
				}
				last := idle.LastActivity()
				if last.IsZero() {
					last = healthConfig.StartTime
				}
				if time.Since(last) >= cfg.IdleWindow && time.Since(healthConfig.StartTime) > cfg.MinimumLifespan {
					if err := meter.Close(); err != nil {
						logger.Warn("idle disconnect", zap.Error(err))
					} else {
						logger.Info("instrument released after idle window", zap.Duration("window", cfg.IdleWindow))
					}
				}
			}
		}
	}()

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	apiRouter := router.PathPrefix("/v1").Subrouter()
	apiRouter.Use(httphandler.RateLimitMiddleware(limiter))
	apiRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	apiRouter.HandleFunc("/measurements", handler.PostMeasurement).Methods("POST")
	apiRouter.HandleFunc("/measurements/latest", handler.GetLatestMeasurement).Methods("GET")
	apiRouter.HandleFunc("/measurements", handler.GetMeasurements).Methods("GET")
	apiRouter.HandleFunc("/device", handler.GetDevice).Methods("GET")

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	appCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if err := meter.Close(); err != nil {
		logger.Error("instrument close", zap.Error(err))
	}
	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			logger.Error("store close", zap.Error(err))
		}
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
