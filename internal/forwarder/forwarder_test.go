package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

func TestForwarder_Send_InjectsAuthHeaders(t *testing.T) {
	var gotAuth, gotGoogKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotGoogKey = r.Header.Get("x-goog-api-key")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	pool, err := BuildClientPool(nil, time.Second, time.Second)
	require.NoError(t, err)

	f := New(pool)
	group := config.Group{Name: "primary", TargetURL: upstream.URL}
	result := f.Send(context.Background(), group, secret.New("AIzaSy-test-key-0001"), http.MethodPost, "/v1/chat", http.Header{}, []byte(`{}`))

	require.NoError(t, result.Err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "Bearer AIzaSy-test-key-0001", gotAuth)
	assert.Equal(t, "AIzaSy-test-key-0001", gotGoogKey)
	assert.Equal(t, `{"ok":true}`, string(result.Body))
	assert.GreaterOrEqual(t, result.Latency, time.Duration(0))
}

func TestForwarder_Send_StripsHopByHopHeaders(t *testing.T) {
	var sawConnection bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			sawConnection = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	pool, err := BuildClientPool(nil, time.Second, time.Second)
	require.NoError(t, err)

	f := New(pool)
	group := config.Group{TargetURL: upstream.URL}
	header := http.Header{"Connection": []string{"keep-alive"}, "X-Custom": []string{"value"}}
	result := f.Send(context.Background(), group, secret.New("key"), http.MethodGet, "/health", header, nil)

	require.NoError(t, result.Err)
	assert.False(t, sawConnection)
}

func TestForwarder_Send_TransportError(t *testing.T) {
	pool, err := BuildClientPool(nil, 50*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)

	f := New(pool)
	group := config.Group{TargetURL: "http://127.0.0.1:1"}
	result := f.Send(context.Background(), group, secret.New("key"), http.MethodGet, "/health", http.Header{}, nil)

	assert.Error(t, result.Err)
}

func TestBuildClientPool_OneClientPerDistinctProxy(t *testing.T) {
	groups := []config.Group{
		{Name: "a", ProxyURL: "http://proxy-a:8080"},
		{Name: "b", ProxyURL: "http://proxy-a:8080"},
		{Name: "c", ProxyURL: ""},
	}
	pool, err := BuildClientPool(groups, time.Second, time.Second)
	require.NoError(t, err)
	assert.Len(t, pool.clients, 2) // proxy-a and the no-proxy client
}
