package app

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/handler"
	"ridedispatch/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	RideHandler *handler.RideHandler
	UserHandler *handler.UserHandler
	// Auth resolves the caller; it is either JWTAuth or HeaderAuth.
	Auth        gin.HandlerFunc
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	ServiceName string
	RedisClient *redis.Client
	NewRelicApp *newrelic.Application
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Tracing(deps.ServiceName))
	if deps.Logger != nil {
		router.Use(middleware.Logging(deps.Logger))
	}
	if deps.Registry != nil {
		router.Use(middleware.Metrics(deps.Registry))
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}
	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Registration is the only unauthenticated route.
	router.POST("/register", deps.UserHandler.Register)

	authed := router.Group("", deps.Auth, middleware.Idempotency(deps.RedisClient))
	{
		authed.GET("/me", deps.UserHandler.Me)

		rides := authed.Group("/rides")
		{
			rides.POST("", deps.RideHandler.CreateRide)
			rides.GET("", deps.RideHandler.ListOpen)
			rides.GET("/:id", deps.RideHandler.GetRide)
			rides.POST("/:id/accept_ride", deps.RideHandler.AcceptRide)
			rides.POST("/:id/start_ride", deps.RideHandler.StartRide)
			rides.POST("/:id/complete_ride", deps.RideHandler.CompleteRide)
			rides.POST("/:id/cancel_ride", deps.RideHandler.CancelRide)
		}
	}

	return router
}
