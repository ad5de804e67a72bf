package main

// @title           Notify Realtime Service API
// @version         1.0
// @description     Realtime notification gateway: tenant and admin rooms over WebSocket, plus admin endpoints to publish events.
// @host            localhost:8080
// @BasePath        /api/v1
// @schemes         http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"notify-service/internal/adapters/kafka"
	"notify-service/internal/api/handlers"
	"notify-service/internal/api/middleware"
	"notify-service/internal/api/routes"
	"notify-service/internal/auth"
	"notify-service/internal/config"
	"notify-service/internal/database"
	"notify-service/internal/realtime"
	"notify-service/internal/services"
	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("Starting notify server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)

	// Redis is optional: without it there is no presence tracking and no upgrade
	// rate limit.
	var (
		redisService *services.RedisService
		observers    []realtime.Observer
		rateLimiter  middleware.RateLimiter
		presence     handlers.PresenceReader
		healthChecks = map[string]handlers.Pinger{}
	)
	if cfg.Redis.URI != "" {
		redisClient, err := database.NewRedisConnection(ctx, cfg.Redis, logger)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		redisService = services.NewRedisService(redisClient, cfg.Redis.PresenceTTL, logger)
		// runs before the client closes, flushing pending presence writes
		defer redisService.Close()
		observers = append(observers, redisService)
		rateLimiter = redisService
		presence = redisService
		healthChecks["redis"] = redisService
	} else {
		slog.Warn("Redis not configured; presence and rate limiting disabled")
	}

	registry := realtime.NewRegistry(verifier, realtime.RegistryOptions{
		PrivilegedRoles: cfg.Realtime.PrivilegedRoles,
		AuthTimeout:     cfg.Realtime.AuthTimeout,
		Observers:       observers,
		Logger:          logger,
	})
	dispatcher := realtime.NewDispatcher(registry, realtime.DispatcherOptions{
		SendTimeout: cfg.Realtime.SendTimeout,
		Logger:      logger,
	})

	if redisService != nil {
		go redisService.RunHeartbeat(ctx, registry)
	}

	janitor := realtime.NewJanitor(registry, realtime.JanitorConfig{
		AuthGracePeriod: cfg.Realtime.AuthGracePeriod,
		IdleTimeout:     cfg.Realtime.IdleTimeout,
		SweepInterval:   cfg.Realtime.SweepInterval,
	}, logger)
	go janitor.Run(ctx)

	// Kafka is optional as well: events can still be published over HTTP.
	var commands realtime.CommandForwarder
	var consumer *kafka.EventConsumer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.InitKafkaProducer(cfg.Kafka)
		if err != nil {
			slog.Error("Failed to create Kafka producer", "brokers", cfg.Kafka.Brokers, "error", err)
			os.Exit(1)
		}
		commandProducer := kafka.NewCommandProducer(producer, cfg.Kafka.CommandsTopic, logger)
		defer commandProducer.Close()
		commands = commandProducer

		consumer = kafka.NewEventConsumer(cfg.Kafka, dispatcher, logger)
		go consumer.Run(ctx)
	} else {
		slog.Warn("Kafka not configured; device commands disabled and events accepted over HTTP only")
	}

	wsHandler := websocket.NewHandler(ctx, registry, websocket.HandlerOptions{
		Config:         cfg.WebSocket,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Commands:       commands,
		ReplyTimeout:   cfg.Realtime.SendTimeout,
		Logger:         logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := routes.NewRouter(routes.RouterOptions{
		WebSocket:      wsHandler,
		Realtime:       handlers.NewRealtimeHandler(dispatcher, presence, logger),
		Health:         handlers.NewHealthHandler(healthChecks),
		Auth:           middleware.NewAuthMiddleware(verifier, registry.IsPrivileged),
		RateLimiter:    rateLimiter,
		WSRateLimit:    cfg.WebSocket.RateLimit,
		WSRateWindow:   cfg.WebSocket.RateWindow,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown does not track hijacked websocket connections
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	n := registry.DisconnectAll("server shutdown")
	slog.Info("Closed realtime connections", "count", n)

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			slog.Error("Failed to close Kafka consumer", "error", err)
		}
	}

	slog.Info("Server stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
