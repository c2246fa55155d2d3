package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dtroode/userdir-server/internal/logger"
)

// Logging logs HTTP requests and their results.
type Logging struct {
	logger *logger.Logger
}

// NewLogging creates a new Logging middleware.
func NewLogging(logger *logger.Logger) *Logging {
	return &Logging{logger: logger}
}

// HandleHTTP logs method, route, duration and status for each request.
func (l *Logging) HandleHTTP(c *gin.Context) {
	start := time.Now()
	route := routeOf(c)

	l.logger.Debug("HTTP request started",
		"method", c.Request.Method,
		"route", route,
		"start_time", start.Format(time.RFC3339))

	c.Next()

	status := c.Writer.Status()
	l.logger.Info("HTTP request completed",
		"method", c.Request.Method,
		"route", route,
		"path", c.Request.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
		"status", status)

	if len(c.Errors) > 0 {
		l.logger.Error("HTTP request failed",
			"method", c.Request.Method,
			"route", route,
			"error", c.Errors.String(),
			"status", status)
	}
}

// Recover is a gin recovery handler that logs the panic and answers 500.
func (l *Logging) Recover(c *gin.Context, recovered any) {
	l.logger.Error("HTTP handler panicked",
		"method", c.Request.Method,
		"route", routeOf(c),
		"panic", recovered)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
