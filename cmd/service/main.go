package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/config"
	httphandler "github.com/kjstillabower/weather-dashboard-service/internal/http"
	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/recent"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
	"github.com/kjstillabower/weather-dashboard-service/internal/traffic"
)

// defaultsLoadTimeout bounds the startup fetch of default cities.
const defaultsLoadTimeout = 30 * time.Second

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

	recentStore, storePing, err := openRecentStore(cfg)
	if err != nil {
		logger.Fatal("recent store", zap.String("backend", cfg.RecentStore), zap.Error(err))
	}
	logger.Info("recent store", zap.String("backend", cfg.RecentStore))

	recentCities, err := recent.New(context.Background(), recentStore, cfg.RecentCap)
	if err != nil {
		logger.Fatal("recent cities", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.WeatherAPIKey,
		BaseURL:        cfg.WeatherAPIURL,
		Units:          cfg.WeatherAPIUnits,
		Timeout:        cfg.WeatherAPITimeout,
		ForecastCount:  cfg.ForecastCount,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.Set(float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var forecastCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		forecastCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		forecastCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	dashboard := service.NewDashboardService(weatherClient, recentCities, forecastCache, logger, service.Options{
		ForecastDays:          cfg.ForecastDays,
		ForecastTTL:           cfg.ForecastCacheTTL,
		ForecastLookup:        cfg.ForecastLookup,
		CoalesceTimeout:       cfg.CoalesceTimeout,
		CityNameMin:           cfg.CityNameMinLength,
		CityNameMax:           cfg.CityNameMaxLength,
		DefaultCities:         cfg.DefaultCities,
		DefaultsOnlyWhenEmpty: cfg.DefaultsOnlyWhenEmpty,
	})

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	tracker := traffic.NewTracker(trackerRetention(cfg))
	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:       cfg.HealthDegradedWindow,
		DegradedErrorPct:     cfg.HealthDegradedErrorPct,
		OverloadWindow:       cfg.HealthOverloadWindow,
		OverloadThresholdPct: cfg.HealthOverloadThreshold,
		RateLimitRPS:         cfg.RateLimitRPS,
		StorePing:            storePing,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(dashboard, tracker, healthConfig, logger)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	api := router.NewRoute().Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter, tracker))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	handler.Routes(api)

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

	// /health reports starting until the default cities are in.
	loadCtx, loadCancel := context.WithTimeout(observability.WithLogger(context.Background(), logger), defaultsLoadTimeout)
	if _, err := dashboard.LoadDefaults(loadCtx); err != nil {
		logger.Warn("default cities partially loaded", zap.Error(err))
	}
	loadCancel()
	lifecycle.SetReady(true)
	logger.Info("service ready", zap.Int("recent_cities", recentCities.Len()))

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
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if closer, ok := recentStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("recent store close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// trackerRetention keeps outcomes for the longest health window.
func trackerRetention(cfg *config.Config) time.Duration {
	return max(cfg.HealthDegradedWindow, cfg.HealthOverloadWindow)
}

// openRecentStore builds the configured recent-list backend. The returned ping
// is nil for backends without a remote dependency.
func openRecentStore(cfg *config.Config) (recent.Store, func(context.Context) error, error) {
	switch cfg.RecentStore {
	case store.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	case store.BackendRedis:
		rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RecentKey)
		return rs, rs.Ping, nil
	case store.BackendSQLite:
		ss, err := store.NewSQLiteStore(cfg.SQLitePath, cfg.RecentKey)
		if err != nil {
			return nil, nil, err
		}
		return ss, ss.Ping, nil
	default:
		fs, err := store.NewFileStore(cfg.RecentFilePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	}
}
