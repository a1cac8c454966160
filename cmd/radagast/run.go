package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/auth"
	"github.com/eugener/radagast/internal/backend"
	"github.com/eugener/radagast/internal/bus"
	"github.com/eugener/radagast/internal/cache"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/config"
	"github.com/eugener/radagast/internal/executor"
	"github.com/eugener/radagast/internal/health"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/queue"
	"github.com/eugener/radagast/internal/ratelimit"
	"github.com/eugener/radagast/internal/server"
	"github.com/eugener/radagast/internal/storage/sqlite"
	"github.com/eugener/radagast/internal/telemetry"
	"github.com/eugener/radagast/internal/worker"
)

func run(configPath, listenOverride string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}

	slog.Info("starting radagast", "version", version, "addr", cfg.Listen)

	ctx := context.Background()

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	eventBus := bus.New()
	defer eventBus.Close()

	// Requests stranded by a previous run must go terminal before the
	// gateway accepts new work.
	interrupted, err := app.RecoverInterrupted(ctx, store, eventBus.Publish)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		slog.Info("recovered interrupted requests", "count", interrupted)
	}

	// Shared upstream HTTP client with a cached-DNS transport.
	resolver := &dnscache.Resolver{}
	httpClient := &http.Client{Transport: provider.NewTransport(resolver)}

	reg := provider.NewRegistry()
	for _, entry := range cfg.Providers {
		b, err := backend.Build(entry, backend.Options{
			HTTPClient: httpClient,
			Sink:       bus.NewStreamSink(eventBus),
		})
		if err != nil {
			return err
		}
		reg.Register(entry.Descriptor(cfg.Cache.DefaultTTL()), b)
	}

	q := queue.New(cfg.Queue.MaxDepth, cfg.Queue.SkipAhead)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	var monitor *health.Monitor
	onHealthChange := func() {
		q.Wake()
		for _, st := range monitor.Snapshot() {
			metrics.ProviderHealth.WithLabelValues(st.Provider).Set(telemetry.HealthGaugeValue(string(st.State)))
		}
	}
	monitor = health.NewMonitor(reg, health.Config{
		Interval:          cfg.Health.Interval(),
		Window:            cfg.Health.Window,
		SuccessThreshold:  cfg.Health.SuccessThreshold,
		DownAfterFailures: cfg.Health.DownAfterFailures,
		LatencyBudget:     cfg.Health.LatencyBudget(),
	}, eventBus.Publish, onHealthChange)

	var respCache *cache.ResponseCache
	if cfg.Cache.IsEnabled() {
		respCache, err = cache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL(), store)
		if err != nil {
			return err
		}
	}

	recorder := worker.NewCostRecorder(store, metrics.CostQueueLength)
	retention := worker.NewRetentionWorker(store,
		time.Duration(cfg.Storage.RetentionHours)*time.Hour,
		cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)

	svc := app.NewService(cfg, app.Deps{
		Store:     store,
		Queue:     q,
		Cache:     respCache,
		Providers: reg,
		Executor:  executor.New(reg, breakers, monitor, cfg.Retry),
		Health:    monitor,
		Breakers:  breakers,
		Recorder:  recorder,
		Metrics:   metrics,
		Publish:   eventBus.Publish,
	})

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	var gate *ratelimit.Gate
	if cfg.RateLimit.DefaultRPM > 0 || cfg.RateLimit.GlobalRPM > 0 {
		gate = ratelimit.NewGate(cfg.RateLimit.DefaultRPM, cfg.RateLimit.Burst, cfg.RateLimit.GlobalRPM)
	}

	handler := server.New(server.Deps{
		Service: svc,
		Auth:    apiKeyAuth,
		Keys:    auth.NewKeyManager(store, apiKeyAuth),
		Store:   store,
		Cache:   respCache,
		CacheLimits: server.CacheLimits{
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
		},
		Bus:      eventBus,
		Gate:     gate,
		Metrics:  metrics,
		Gatherer: promReg,
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	provider.StartDNSRefresher(workerCtx, resolver, 5*time.Minute)

	runner := worker.NewRunner(svc, monitor, recorder, retention)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("radagast ready", "addr", cfg.Listen, "providers", len(cfg.Providers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workersDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop the dispatch pool after the HTTP server drains; in-flight
	// persistence survives cancellation via context.WithoutCancel.
	stopWorkers()
	<-workersDone
	eventBus.Close()

	slog.Info("radagast stopped")
	return nil
}
