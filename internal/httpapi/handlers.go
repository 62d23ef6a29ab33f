package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gkeyproxy/internal/guard"
	"github.com/ubuygold/gkeyproxy/internal/retrydriver"
)

// hopByHopResponseHeaders are stripped from the upstream response before it is relayed to the
// client. It differs from the forwarder's outbound list: it includes Content-Length and leaves
// out the proxy-auth, TE, trailer and upgrade headers.
var hopByHopResponseHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length",
}

// ProxyHandler implements POST /v1/* and POST /v1beta/*: RequestGuard, then the RetryDriver
// loop, per SPEC_FULL.md §2's control-flow diagram.
func (s *Server) ProxyHandler(c *gin.Context) {
	rawBody, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxRequestBytes+1))
	if err != nil {
		s.writeProblem(c, http.StatusRequestEntityTooLarge, newProblem(
			"about:blank", "Payload Too Large", http.StatusRequestEntityTooLarge,
			"request body exceeds the configured size limit", c.Request.URL.Path,
		))
		return
	}

	body, err := s.guard.Check(c.Request.Context(), rawBody)
	if err != nil {
		s.handleGuardError(c, err)
		return
	}

	group, keys, err := s.resolveGroup(c.GetHeader("X-Key-Group"))
	if err != nil {
		s.writeProblem(c, http.StatusBadRequest, newProblem(
			"about:blank", "Unknown Key Group", http.StatusBadRequest, err.Error(), c.Request.URL.Path,
		))
		return
	}

	outcome := s.driver.Do(c.Request.Context(), retrydriver.Request{
		Group:  group,
		Keys:   keys,
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Header: c.Request.Header,
		Body:   body,
	})

	s.writeOutcome(c, outcome)
}

func (s *Server) handleGuardError(c *gin.Context, err error) {
	var tooLarge *guard.RequestTooLargeError
	switch {
	case errors.Is(err, guard.ErrPayloadTooLarge):
		s.writeProblem(c, http.StatusRequestEntityTooLarge, newProblem(
			"about:blank", "Payload Too Large", http.StatusRequestEntityTooLarge,
			"request body exceeds max_request_bytes", c.Request.URL.Path,
		))
	case errors.As(err, &tooLarge):
		p := newProblem(
			"about:blank", "Request Too Large", http.StatusBadRequest,
			tooLarge.Error(), c.Request.URL.Path,
		)
		p.TokenCount = tooLarge.TokenCount
		s.writeProblem(c, http.StatusBadRequest, p)
	default:
		s.log.Error("request guard failed", "error", err)
		s.writeProblem(c, http.StatusInternalServerError, newProblem(
			"about:blank", "Internal Error", http.StatusInternalServerError,
			"the request could not be validated", c.Request.URL.Path,
		))
	}
}

func (s *Server) writeOutcome(c *gin.Context, outcome retrydriver.Outcome) {
	switch {
	case errors.Is(outcome.Err, retrydriver.ErrNoAvailableKeys):
		c.Header("Retry-After", "1")
		s.writeProblem(c, http.StatusServiceUnavailable, newProblem(
			"about:blank", "No Available Keys", http.StatusServiceUnavailable,
			"every key in the group is currently invalid or blocked", c.Request.URL.Path,
		))
	case errors.Is(outcome.Err, retrydriver.ErrCircuitOpen):
		s.writeProblem(c, http.StatusServiceUnavailable, newProblem(
			"about:blank", "Circuit Open", http.StatusServiceUnavailable,
			"the upstream target is temporarily disabled by its circuit breaker", c.Request.URL.Path,
		))
	case outcome.Err != nil:
		s.log.Error("retry driver failed", "error", outcome.Err)
		s.writeProblem(c, http.StatusBadGateway, newProblem(
			"about:blank", "Bad Gateway", http.StatusBadGateway,
			"the upstream response could not be relayed", c.Request.URL.Path,
		))
	default:
		for _, h := range hopByHopResponseHeaders {
			outcome.Header.Del(h)
		}
		for name, values := range outcome.Header {
			for _, v := range values {
				c.Writer.Header().Add(name, v)
			}
		}
		c.Data(outcome.StatusCode, contentTypeOrDefault(outcome.Header), outcome.Body)
	}
}

func contentTypeOrDefault(h map[string][]string) string {
	if v, ok := h["Content-Type"]; ok && len(v) > 0 {
		return v[0]
	}
	return "application/json"
}

func (s *Server) writeProblem(c *gin.Context, status int, p Problem) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, p)
}
