package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/g1331/autorouter/internal/auth"
	"github.com/g1331/autorouter/internal/billing"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/compensate"
	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/pricing"
	"github.com/g1331/autorouter/internal/proxy"
	"github.com/g1331/autorouter/internal/quota"
	"github.com/g1331/autorouter/internal/secret"
	"github.com/g1331/autorouter/internal/selector"
	"github.com/g1331/autorouter/internal/server"
	"github.com/g1331/autorouter/internal/storage/sqlite"
	"github.com/g1331/autorouter/internal/telemetry"
	"github.com/g1331/autorouter/internal/upstream"
	"github.com/g1331/autorouter/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	env, err := config.FromEnv()
	if err != nil {
		return err
	}

	slog.Info("starting autorouter", "version", version, "addr", cfg.Server.Addr)

	box, err := secret.New(env.EncryptionKey)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Breaker state survives restarts; load persisted rows before traffic.
	breakers := circuitbreaker.NewRegistry(store)
	if err := breakers.Load(ctx); err != nil {
		return err
	}

	quotas := quota.NewTracker()
	registry := upstream.NewRegistry(store, box, breakers, quotas)

	if err := config.Bootstrap(ctx, cfg, store, registry, box); err != nil {
		return err
	}

	// Rebuild spend counters from billing snapshots so quota enforcement
	// does not start from zero after a restart.
	ups, err := registry.List(ctx)
	if err != nil {
		return err
	}
	if err := quotas.Rebuild(ctx, store, ups); err != nil {
		return err
	}

	apiAuth, err := auth.NewAPIKeyAuth(store, box.Salt())
	if err != nil {
		return err
	}
	keys := auth.NewManager(store, box, apiAuth, env.AllowKeyReveal)

	sel, err := selector.New(breakers, quotas)
	if err != nil {
		return err
	}
	comp := compensate.NewEngine(store)
	resolver := pricing.NewResolver(store)
	recorder := billing.NewRecorder(store, resolver, quotas)

	// Shared outbound client. The cached resolver refreshes in the
	// background so upstream DNS lookups stay off the request path.
	dns := &dnscache.Resolver{}
	client := &http.Client{Transport: proxy.NewTransport(dns)}

	engine := proxy.NewEngine(client, registry, breakers, sel, comp, recorder, proxy.Strategy{
		ExhaustAll:  cfg.Failover.ExhaustAll,
		MaxAttempts: cfg.Failover.MaxAttempts,
	})

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
		prometheus.DefaultRegisterer.MustRegister(
			telemetry.NewBreakerCollector(breakers),
			telemetry.NewQuotaCollector(quotas),
		)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	handler := server.New(server.Deps{
		Auth:       apiAuth,
		Keys:       keys,
		Upstreams:  registry,
		Breakers:   breakers,
		Quotas:     quotas,
		Comp:       comp,
		Store:      store,
		Proxy:      engine,
		ReadyCheck: store.Ping,
		Metrics:    metrics,
		AdminToken: env.AdminToken,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers: billing commits and periodic quota resync.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	runner := worker.NewRunner(
		recorder,
		worker.NewQuotaResync(quotas, store, registry, cfg.Billing.QuotaResyncInterval),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("autorouter ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	case err := <-workerErr:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	// Stop workers after the listener drains. The recorder flushes its
	// queue on context cancellation, so pending billing events are not lost.
	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("autorouter stopped")
	return nil
}
