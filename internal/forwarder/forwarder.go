// Package forwarder executes the single outbound HTTP call to the upstream API, per
// SPEC_FULL.md §4.5. It carries no retry logic of its own; RetryDriver owns retries.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// hopByHopHeaders are stripped before forwarding, matching the standard reverse-proxy
// hop-by-hop header list.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Result is everything RetryDriver and KeyManager.classify need from one forwarded call.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
	Err        error // set on a transport-level failure; StatusCode/Header/Body are zero values
}

// Forwarder sends one request through the client bound to a group's egress proxy.
type Forwarder struct {
	pool *ClientPool
}

// New builds a Forwarder backed by pool.
func New(pool *ClientPool) *Forwarder {
	return &Forwarder{pool: pool}
}

// Send builds and executes the outbound request: it rewrites the destination onto targetURL +
// path, injects both authentication headers the upstream contract expects, strips hop-by-hop
// headers, and returns the observed result. It never retries and never rotates keys; that is
// RetryDriver's job.
func (f *Forwarder) Send(ctx context.Context, group config.Group, key secret.Value, method, path string, header http.Header, body []byte) Result {
	start := time.Now()

	url := strings.TrimRight(group.TargetURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err), Latency: time.Since(start)}
	}

	for name, values := range header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+key.Reveal())
	req.Header.Set("x-goog-api-key", key.Reveal())
	req.ContentLength = int64(len(body))

	client := f.pool.ClientFor(group.ProxyURL)
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Err: fmt.Errorf("read upstream body: %w", err), Latency: latency}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Latency:    latency,
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
