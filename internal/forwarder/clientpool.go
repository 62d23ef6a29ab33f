package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ubuygold/gkeyproxy/internal/config"
)

// ClientPool holds one *http.Client per distinct egress proxy URL, including the empty string
// for "no proxy". Per SPEC_FULL.md §4.5, every client is built once at startup; all clients are
// built concurrently.
type ClientPool struct {
	clients map[string]*http.Client
}

// BuildClientPool constructs a ClientPool covering every distinct proxy URL referenced by
// groups (plus the no-proxy client), building them concurrently.
func BuildClientPool(groups []config.Group, connectTimeout, requestTimeout time.Duration) (*ClientPool, error) {
	distinct := map[string]struct{}{"": {}}
	for _, g := range groups {
		distinct[g.ProxyURL] = struct{}{}
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		firstErr error
	)
	clients := make(map[string]*http.Client, len(distinct))

	for proxyURL := range distinct {
		wg.Add(1)
		go func(proxyURL string) {
			defer wg.Done()
			client, err := buildClient(proxyURL, connectTimeout, requestTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("building client for proxy %q: %w", proxyURL, err)
				}
				return
			}
			clients[proxyURL] = client
		}(proxyURL)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return &ClientPool{clients: clients}, nil
}

// ClientFor returns the client built for proxyURL, falling back to the no-proxy client if an
// unrecognized proxy URL is passed (it should never be, since groups are validated at startup).
func (p *ClientPool) ClientFor(proxyURL string) *http.Client {
	if c, ok := p.clients[proxyURL]; ok {
		return c
	}
	return p.clients[""]
}

func buildClient(proxyURL string, connectTimeout, requestTimeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5":
			dialer, err := proxy.FromURL(u, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("building socks5 dialer: %w", err)
			}
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}, nil
}
