package httpapi

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ubuygold/gkeyproxy/internal/auth"
)

// NewRouter builds the gin.Engine serving the proxy's HTTP surface: POST /v1/*, POST
// /v1beta/*, GET /health, GET /health/detailed, GET /metrics. It uses gin.New() plus a custom
// recovery middleware rather than gin.Default()'s built-ins.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(correlationID(), recovery(s.log))

	router.GET("/health", LivenessHandler)
	router.GET("/health/detailed", s.ReadinessHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	proxied := router.Group("/")
	proxied.Use(auth.Middleware(s.clientKeys))
	proxied.POST("/v1/*path", s.ProxyHandler)
	proxied.POST("/v1beta/*path", s.ProxyHandler)

	return router
}

// correlationID sets a correlation ID header on every response using github.com/google/uuid,
// stamping each request with a fresh uuid.New().String() unless the caller already supplied one.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Correlation-Id", id)
		c.Next()
	}
}

// recovery distinguishes a client-disconnect abort (http.ErrAbortHandler) from a genuine panic,
// logging and reporting only the latter as an internal error.
func recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}
				log.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path, "stack", string(debug.Stack()))
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
