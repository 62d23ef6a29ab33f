package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/retrydriver"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// probePath is the lightweight upstream call used by the readiness check, matching
// internal/healthcheck's probe target.
const probePath = "/models"

func proxyProbeRequest(group config.Group, keys []secret.Value) retrydriver.Request {
	return retrydriver.Request{
		Group:  group,
		Keys:   keys,
		Method: http.MethodGet,
		Path:   probePath,
	}
}

// LivenessHandler implements GET /health: 200 unconditionally while the listener is up, per
// SPEC_FULL.md §6.
func LivenessHandler(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ReadinessHandler implements GET /health/detailed: one lightweight upstream call with a
// selected key, plus — per SPEC_FULL.md §6's ambient addition — the circuit-breaker phase per
// target URL and the active KeyStore backend, for operator debugging.
func (s *Server) ReadinessHandler(c *gin.Context) {
	group, keys, err := s.resolveGroup(c.GetHeader("X-Key-Group"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	outcome := s.driver.Do(c.Request.Context(), proxyProbeRequest(group, keys))

	status := "ok"
	httpStatus := http.StatusOK
	if outcome.Err != nil || outcome.StatusCode >= http.StatusBadRequest {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	backend := "memory"
	if s.distributed {
		backend = "redis"
	}

	c.JSON(httpStatus, gin.H{
		"status":          status,
		"keystore":        backend,
		"circuit_breaker": s.breakers.Snapshot(),
	})
}
