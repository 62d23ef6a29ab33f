// Package httpapi wires the gin router exposing POST /v1/*, POST /v1beta/*, GET /health,
// GET /health/detailed, and GET /metrics. It is the thin outermost layer that turns the core
// engine (RequestGuard, RetryDriver) into an HTTP service.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ubuygold/gkeyproxy/internal/breaker"
	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/guard"
	"github.com/ubuygold/gkeyproxy/internal/keystore"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
	"github.com/ubuygold/gkeyproxy/internal/retrydriver"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// ErrUnknownGroup is returned by resolveGroup when the caller names a group that is not
// configured.
var ErrUnknownGroup = errors.New("unknown key group")

// Server holds everything the HTTP handlers need: the configured groups (with their keys
// pre-wrapped in secret.Value, since the key list is immutable after startup), the
// RequestGuard, the RetryDriver, the CircuitBreaker registry (for readiness/detailed health
// reporting), and the active KeyStore (ditto).
type Server struct {
	groups       map[string]config.Group
	groupKeys    map[string][]secret.Value
	defaultGroup string

	guard    *guard.Guard
	driver   *retrydriver.Driver
	breakers *breaker.Registry
	store    keystore.Store
	metrics  *metrics.Metrics
	log      *slog.Logger

	distributed     bool
	clientKeys      []string
	maxRequestBytes int64
}

// New builds a Server over cfg's groups.
func New(cfg *config.Config, g *guard.Guard, driver *retrydriver.Driver, breakers *breaker.Registry, store keystore.Store, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	if len(cfg.Groups) == 0 {
		return nil, fmt.Errorf("httpapi: no groups configured")
	}

	groups := make(map[string]config.Group, len(cfg.Groups))
	groupKeys := make(map[string][]secret.Value, len(cfg.Groups))
	names := make([]string, 0, len(cfg.Groups))
	for _, grp := range cfg.Groups {
		groups[grp.Name] = grp
		keys := make([]secret.Value, len(grp.APIKeys))
		for i, raw := range grp.APIKeys {
			keys[i] = secret.New(raw)
		}
		groupKeys[grp.Name] = keys
		names = append(names, grp.Name)
	}
	sort.Strings(names)

	return &Server{
		groups:          groups,
		groupKeys:       groupKeys,
		defaultGroup:    names[0],
		guard:           g,
		driver:          driver,
		breakers:        breakers,
		store:           store,
		metrics:         m,
		log:             log,
		distributed:     cfg.DistributedStore(),
		clientKeys:      cfg.Auth.ClientKeys,
		maxRequestBytes: cfg.Server.MaxRequestBytes,
	}, nil
}

// resolveGroup picks the group a request targets. Requests name a group via the X-Key-Group
// header; with none given (or only one group configured, the common case) the server falls
// back to its lexicographically-first configured group. This header is this repository's
// resolution of routing across multiple configured groups, recorded in DESIGN.md.
func (s *Server) resolveGroup(name string) (config.Group, []secret.Value, error) {
	if name == "" {
		name = s.defaultGroup
	}
	grp, ok := s.groups[name]
	if !ok {
		return config.Group{}, nil, ErrUnknownGroup
	}
	return grp, s.groupKeys[name], nil
}
