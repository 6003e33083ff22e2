package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	repositories "huddle/internal/infrastructure/repositories"
	relay "huddle/internal/infrastructure/signal"
	"huddle/internal/infrastructure/stt"
	"huddle/pkg/archive"
	"huddle/pkg/config"
	"huddle/pkg/ids"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	startTime := time.Now()
	paths := config.SearchPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "huddle-relay",
		Version:     version,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("HUDDLE_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	registry := repoFactory.CreateMeetingRegistry()
	transcriptRepo := repoFactory.CreateTranscriptRepository()

	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.JoinTokenTTL,
		cfg.Auth.SpeechTokenTTL,
		registry,
	)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	wsServer := relay.NewWebSocketServer(relay.ServerConfigFrom(cfg), authService, collector, log)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := ids.NewSessionID()
		wsServer.UseFanout(runCtx, distributed.NewEventBus(client, instanceID, log))
		log.Infow("relay fan-out across instances enabled", "instance_id", instanceID)
	}

	transcriptService := services.NewTranscriptService(transcriptRepo, wsServer, collector, log)
	defer transcriptService.Close()
	if cfg.Archive.Dir != "" {
		storage, err := archive.NewFileStorage(cfg.Archive.Dir)
		if err != nil {
			log.Fatalw("failed to open transcript archive", "error", err)
		}
		transcriptService.WithArchive(archive.New(storage))
		log.Infow("archiving transcripts of ended meetings", "dir", cfg.Archive.Dir)
	}

	var speechProvider httphandlers.SpeechTokenSource
	if cfg.Auth.SpeechAPIKey != "" {
		issuer, err := stt.NewTokenIssuer(cfg.Transcription.StreamURL, cfg.Auth.SpeechAPIKey, cfg.Auth.SpeechTokenTTL, log)
		if err != nil {
			log.Fatalw("failed to configure speech token issuer", "error", err)
		}
		speechProvider = issuer
	}

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.Register("redis", 2*time.Second, monitoring.RedisCheck(client))
	}
	health.Register("relay", time.Second, monitoring.RoomCapacityCheck(wsServer.Rooms, cfg.Relay.MaxRooms))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	httphandlers.NewAuthHandler(authService, registry, repoFactory.CreateLocker(), cfg.Auth.JoinTokenTTL, log).SetupRoutes(router)
	httphandlers.NewRoomHandler(authService, registry, wsServer, transcriptService, log).SetupRoutes(router)
	httphandlers.NewSpeechHandler(authService, speechProvider, cfg.Auth.SpeechTokenTTL, log).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"rooms":     wsServer.Rooms(),
			"version":   version,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		if status.Status != monitoring.StatusHealthy {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting huddle relay on %s", cfg.Server.Address)
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

	log.Info("Shutting down huddle relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing relay connections", "error", err)
	}
	stopRun()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("huddle relay stopped")
}
