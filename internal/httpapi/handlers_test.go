package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gkeyproxy/internal/breaker"
	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/forwarder"
	"github.com/ubuygold/gkeyproxy/internal/guard"
	"github.com/ubuygold/gkeyproxy/internal/keymanager"
	"github.com/ubuygold/gkeyproxy/internal/keystore/memstore"
	"github.com/ubuygold/gkeyproxy/internal/logging"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
	"github.com/ubuygold/gkeyproxy/internal/retrydriver"
	"github.com/ubuygold/gkeyproxy/internal/tokenizer"
)

func testServer(t *testing.T, upstreamURL string, clientKeys []string) *Server {
	t.Helper()
	store := memstore.New()
	manager := keymanager.New(store)
	pool, err := forwarder.BuildClientPool(nil, time.Second, 5*time.Second)
	require.NoError(t, err)
	fwd := forwarder.New(pool)
	breakers := breaker.NewRegistry(config.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeoutSecs: 60, SuccessThreshold: 3}, nil)
	m := metrics.New()
	driver := retrydriver.New(manager, breakers, fwd, m, retrydriver.Thresholds{
		MaxRequestRetries:    8,
		DefaultBlockDuration: time.Minute,
		ShortBlockDuration:   time.Minute,
		RetryAfterCeiling:    time.Hour,
	})
	g := guard.New(guard.Config{MaxRequestBytes: 1024, MaxTokensPerRequest: 250000}, tokenizer.DefaultEstimator, m)

	cfg := &config.Config{
		Server: config.ServerConfig{MaxRequestBytes: 1024},
		Groups: []config.Group{{Name: "default", APIKeys: []string{"upstream-key-aaaa"}, TargetURL: upstreamURL}},
		Auth:   config.AuthConfig{ClientKeys: clientKeys},
	}

	s, err := New(cfg, g, driver, breakers, store, m, logging.NewWithWriter(discard{}, logging.ParseLevel("error")))
	require.NoError(t, err)
	return s
}

func TestProxyHandler_ForwardsSuccessfulRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	s := testServer(t, upstream.URL, nil)
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"messages":[{"role":"user","content":"hi"}]}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"ok":true}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-Id"))
}

func TestProxyHandler_RejectsOversizedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testServer(t, "http://example.invalid", nil)
	router := NewRouter(s)

	big := bytes.Repeat([]byte("a"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(big))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestProxyHandler_RejectsOverTokenBudget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	s := testServer(t, upstream.URL, nil)
	s.guard = guard.New(guard.Config{MaxRequestBytes: 1 << 20, MaxTokensPerRequest: 2}, tokenizer.DefaultEstimator, s.metrics)
	router := NewRouter(s)

	body := `{"messages":[{"role":"user","content":"one two three four five six seven eight"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "token_count")
}

func TestProxyHandler_RequiresConfiguredClientKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	s := testServer(t, upstream.URL, []string{"client-secret"})
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req2.Header.Set("Authorization", "Bearer client-secret")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestProxyHandler_NoAvailableKeysReturns503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	s := testServer(t, upstream.URL, nil)
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	// The single key is marked invalid on this 403, exhausting remaining_key_attempts within
	// the same request; the driver returns NoAvailableKeys rather than the upstream status.
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusServiceUnavailable, rr2.Code)
	assert.NotEmpty(t, rr2.Header().Get("Retry-After"))
}

func TestLivenessHandler_Always200(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", LivenessHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadinessHandler_ReportsUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	s := testServer(t, upstream.URL, nil)
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
