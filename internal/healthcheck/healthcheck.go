// Package healthcheck implements a scheduled active health-check sweep: on a configurable
// cadence, issue one lightweight upstream call per currently-blocked key and clear its block
// early on success, using github.com/robfig/cron/v3.
//
// Only blocks are revived early, never the invalid marker: an invalid key stays permanently
// excluded for the process lifetime, and keystore.Store deliberately exposes no clear-invalid
// operation. A key rejected as unauthorized stays excluded until the process restarts.
package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/forwarder"
	"github.com/ubuygold/gkeyproxy/internal/keystore"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// probePath is the lightweight endpoint probed for each key; a models-list call costs nothing
// in generation tokens and exercises the real authentication path.
const probePath = "/models"

// Sweeper owns the cron schedule and the per-key revival logic.
type Sweeper struct {
	store   keystore.Store
	fwd     *forwarder.Forwarder
	groups  []config.Group
	log     *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
}

// New builds a Sweeper over every configured group. It does not start the schedule; call Start.
func New(store keystore.Store, fwd *forwarder.Forwarder, groups []config.Group, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		fwd:     fwd,
		groups:  groups,
		log:     log,
		cron:    cron.New(),
		timeout: 10 * time.Second,
	}
}

// Start schedules the sweep at the given interval and begins running it in the background.
// Callers must have already confirmed interval > 0 (config.HealthCheckConfig.Enabled).
func (s *Sweeper) Start(interval time.Duration) error {
	spec := "@every " + interval.String()
	_, err := s.cron.AddFunc(spec, s.sweepOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, group := range s.groups {
		for _, raw := range group.APIKeys {
			key := secret.New(raw)
			s.probeAndRevive(ctx, group, key)
		}
	}
}

func (s *Sweeper) probeAndRevive(ctx context.Context, group config.Group, key secret.Value) {
	id := key.ID()

	blocked, err := s.store.IsBlocked(ctx, id)
	if err != nil {
		s.log.Warn("healthcheck: is_blocked failed", "group", group.Name, "key", key.Preview(), "error", err)
		return
	}
	if !blocked {
		return
	}

	result := s.fwd.Send(ctx, group, key, http.MethodGet, probePath, nil, nil)
	if result.Err != nil || result.StatusCode >= http.StatusBadRequest {
		return
	}

	if err := s.store.ClearBlock(ctx, id); err != nil {
		s.log.Warn("healthcheck: clear_block failed", "group", group.Name, "key", key.Preview(), "error", err)
		return
	}
	s.log.Info("healthcheck: key revived", "group", group.Name, "key", key.Preview())
}
