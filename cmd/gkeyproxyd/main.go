// Command gkeyproxyd runs the reverse proxy described by SPEC_FULL.md: it loads configuration,
// wires the core engine (KeyStore, CircuitBreaker, KeyManager, RequestGuard, Forwarder,
// RetryDriver), and serves the HTTP surface until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ubuygold/gkeyproxy/internal/breaker"
	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/forwarder"
	"github.com/ubuygold/gkeyproxy/internal/guard"
	"github.com/ubuygold/gkeyproxy/internal/healthcheck"
	"github.com/ubuygold/gkeyproxy/internal/httpapi"
	"github.com/ubuygold/gkeyproxy/internal/keymanager"
	"github.com/ubuygold/gkeyproxy/internal/keystore"
	"github.com/ubuygold/gkeyproxy/internal/keystore/memstore"
	"github.com/ubuygold/gkeyproxy/internal/keystore/redisstore"
	"github.com/ubuygold/gkeyproxy/internal/logging"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
	"github.com/ubuygold/gkeyproxy/internal/retrydriver"
	"github.com/ubuygold/gkeyproxy/internal/tokenizer"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(cfg.Logging.Level))
	log.Info("configuration loaded", "groups", len(cfg.Groups), "distributed_store", cfg.DistributedStore())

	if err := run(cfg, log); err != nil {
		log.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	store, closeStore, err := buildStore(cfg, log)
	if err != nil {
		return fmt.Errorf("building keystore: %w", err)
	}
	defer closeStore()

	connectTimeout := time.Duration(cfg.Server.ConnectTimeoutSecs) * time.Second
	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second

	pool, err := forwarder.BuildClientPool(cfg.Groups, connectTimeout, requestTimeout)
	if err != nil {
		return fmt.Errorf("building client pool: %w", err)
	}
	fwd := forwarder.New(pool)

	manager := keymanager.New(store)

	m := metrics.New()

	breakers := breaker.NewRegistry(cfg.CircuitBreaker, m)

	driver := retrydriver.New(manager, breakers, fwd, m, retrydriver.Thresholds{
		MaxRequestRetries:    cfg.Server.MaxRequestRetries,
		DefaultBlockDuration: time.Duration(cfg.TemporaryBlockMinutes) * time.Minute,
		ShortBlockDuration:   time.Duration(cfg.TemporaryBlockMinutes) * time.Minute,
		RetryAfterCeiling:    time.Duration(cfg.RetryAfterCeilingSecs) * time.Second,
	})

	g := guard.New(guard.Config{
		MaxRequestBytes:     cfg.Server.MaxRequestBytes,
		MaxTokensPerRequest: cfg.Server.MaxTokensPerRequest,
		TopP:                cfg.Server.TopP,
		InjectTopP:          cfg.Server.InjectTopP,
	}, tokenizer.DefaultEstimator, m)

	server, err := httpapi.New(cfg, g, driver, breakers, store, m, log)
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}
	router := httpapi.NewRouter(server)

	if cfg.HealthCheck.Enabled() {
		sweeper := healthcheck.New(store, fwd, cfg.Groups, log)
		if err := sweeper.Start(time.Duration(cfg.HealthCheck.IntervalSecs) * time.Second); err != nil {
			return fmt.Errorf("starting healthcheck sweep: %w", err)
		}
		defer sweeper.Stop()
		log.Info("healthcheck sweep started", "interval_secs", cfg.HealthCheck.IntervalSecs)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSecs)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}

	log.Info("server exited")
	return nil
}

// buildStore selects the distributed (Redis) or local (in-process) KeyStore backend per
// SPEC_FULL.md §4.1, depending on whether redis_url is configured.
func buildStore(cfg *config.Config, log *slog.Logger) (keystore.Store, func(), error) {
	if !cfg.DistributedStore() {
		log.Info("using in-process keystore backend")
		return memstore.New(), func() {}, nil
	}

	log.Info("using redis keystore backend")
	store, err := redisstore.New(cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
