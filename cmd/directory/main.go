package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediconnect/internal/core/services"
	httphandlers "mediconnect/internal/handlers/http"
	"mediconnect/internal/infrastructure/events"
	"mediconnect/internal/infrastructure/middleware"
	"mediconnect/internal/infrastructure/monitoring"
	repositories "mediconnect/internal/infrastructure/repositories"
	"mediconnect/pkg/config"
	"mediconnect/pkg/logger"
	"mediconnect/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/mediconnect/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-directory",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	sessionRepo := repoFactory.CreateSessionRepository()

	// Initialize services
	metricsService := services.NewMetricsService()
	if cfg.Monitoring.PrometheusEnabled {
		metricsService.SetCollector(monitoring.NewPrometheusCollector())
	}
	sessionService := services.NewSessionService(sessionRepo, metricsService)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// With Redis in play, other directory instances can observe session
	// lifecycle events published on the shared connection.
	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		eventBus := events.NewSessionEventBus(redisClient, uuid.New().String(), log)
		sessionService.SetEventSink(eventBus)
		defer eventBus.Close()
	}

	// Initialize monitoring
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if err := repoFactory.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, 30*time.Second, 2*time.Second)

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.TokenTTL)
	sessionHandler := httphandlers.NewSessionHandler(sessionService, metricsService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.RequestLogMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Token issuance is public; session routes require a call token.
	authHandler.SetupRoutes(router)

	api := router.Group("/api/video")
	api.Use(middleware.AuthMiddleware(authService))
	{
		api.POST("/session/create", sessionHandler.CreateSession)
		api.GET("/session/:id", sessionHandler.GetSession)
		api.POST("/session/:id/peer", sessionHandler.RegisterPeer)
		api.POST("/session/:id/join", sessionHandler.Join)
		api.GET("/session/:id/peers", sessionHandler.ListPeers)
		api.POST("/session/:id/end", sessionHandler.EndSession)
		api.GET("/stats", sessionHandler.Stats)
	}

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"checks":    status.Checks,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Directory.Address,
		Handler:      router,
		ReadTimeout:  cfg.Directory.ReadTimeout,
		WriteTimeout: cfg.Directory.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting MediConnect session directory on %s", cfg.Directory.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down session directory...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Directory.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error shutting down tracer", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("Session directory stopped")
}
