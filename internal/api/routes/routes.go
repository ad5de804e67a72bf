package routes

import (
	"log/slog"
	"net/http"
	"time"

	_ "notify-service/docs"
	"notify-service/internal/api/handlers"
	"notify-service/internal/api/middleware"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouterOptions struct {
	WebSocket      http.Handler
	Realtime       *handlers.RealtimeHandler
	Health         *handlers.HealthHandler
	Auth           *middleware.AuthMiddleware
	RateLimiter    middleware.RateLimiter
	WSRateLimit    int
	WSRateWindow   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Router struct {
	engine      *gin.Engine
	wsHandler   *handlers.WSHandler
	realtime    *handlers.RealtimeHandler
	health      *handlers.HealthHandler
	authMW      *middleware.AuthMiddleware
	rateLimitMW *middleware.RateLimitMiddleware
	opts        RouterOptions
}

func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(opts.AllowedOrigins))
	engine.Use(middleware.LogApi(logger))

	health := opts.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	}

	return &Router{
		engine:      engine,
		wsHandler:   handlers.NewWSHandler(opts.WebSocket),
		realtime:    opts.Realtime,
		health:      health,
		authMW:      opts.Auth,
		rateLimitMW: middleware.NewRateLimitMiddleware(opts.RateLimiter, logger),
		opts:        opts,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.health.HealthCheck)
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.engine.Group("/api/v1")

	// authentication happens in-band, after the upgrade
	api.GET("/ws",
		r.rateLimitMW.WebSocketRateLimit(r.opts.WSRateLimit, r.opts.WSRateWindow),
		r.wsHandler.HandleWebSocket,
	)

	admin := api.Group("/realtime")
	admin.Use(r.authMW.RequireAuth(), r.authMW.RequirePrivileged())
	{
		admin.GET("/stats", r.realtime.GetStats)
		admin.POST("/events", r.realtime.PublishEvent)
		admin.POST("/notifications", r.realtime.PublishNotification)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
