package router

import (
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtroode/userdir-server/internal/api/http/handler"
	"github.com/dtroode/userdir-server/internal/api/http/middleware"
	"github.com/dtroode/userdir-server/internal/logger"
)

// Router wires the HTTP routes of the user directory.
type Router struct {
	userService handler.UserService
	health      healthcheck.Handler
	registry    *prometheus.Registry
	logger      *logger.Logger
}

// New creates new HTTP Router instance. Request metrics are registered on
// registry and served from /metrics.
func New(
	userService handler.UserService,
	health healthcheck.Handler,
	registry *prometheus.Registry,
	logger *logger.Logger,
) *Router {
	return &Router{
		userService: userService,
		health:      health,
		registry:    registry,
		logger:      logger,
	}
}

// Register builds the gin engine with middleware and all routes.
func (r *Router) Register() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	logging := middleware.NewLogging(r.logger)
	metrics := middleware.NewMetrics(r.registry)
	engine.Use(logging.HandleHTTP, metrics.HandleHTTP, gin.CustomRecovery(logging.Recover))

	r.registerProbeRoutes(engine)
	r.registerUserRoutes(engine)

	return engine
}

func (r *Router) registerProbeRoutes(engine *gin.Engine) {
	engine.GET("/live", gin.WrapF(r.health.LiveEndpoint))
	engine.GET("/ready", gin.WrapF(r.health.ReadyEndpoint))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})))
}

func (r *Router) registerUserRoutes(engine *gin.Engine) {
	userHandler := handler.NewUser(r.userService, r.logger)

	users := engine.Group("/api/users")
	{
		users.GET("", userHandler.List)
		users.POST("", userHandler.Create)
		users.GET("/:id", userHandler.Get)
		users.PUT("/:id", userHandler.Update)
		users.DELETE("/:id", userHandler.Delete)
	}
}
