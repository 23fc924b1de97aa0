// Package main is the entry point for the agent observability service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/fidde/agent_observability/internal/abtest"
	"github.com/fidde/agent_observability/internal/alerting"
	"github.com/fidde/agent_observability/internal/api"
	"github.com/fidde/agent_observability/internal/config"
	"github.com/fidde/agent_observability/internal/cost"
	"github.com/fidde/agent_observability/internal/engine"
	"github.com/fidde/agent_observability/internal/exporter"
	"github.com/fidde/agent_observability/internal/federation"
	"github.com/fidde/agent_observability/internal/formula"
	"github.com/fidde/agent_observability/internal/query"
	"github.com/fidde/agent_observability/internal/scheduler"
	"github.com/fidde/agent_observability/internal/stats"
	"github.com/fidde/agent_observability/internal/storage"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting agent observability service", "version", api.Version)
	clk := clock.New()

	// Storage
	stores, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		logger.Info("closing storage")
		if err := stores.Close(); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()
	logger.Info("storage ready",
		"backend", cfg.Storage.Backend,
		"history_backend", cfg.Storage.HistoryBackend,
	)

	// Tracing
	tp, err := exporter.NewTracerProvider(cfg.Exporters.OTelTraces, cfg.Engine.ServiceName, os.Stdout)
	if err != nil {
		return fmt.Errorf("creating tracer provider: %w", err)
	}
	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer(cfg.Engine.ServiceName)
		logger.Info("span export enabled", "exporter", cfg.Exporters.OTelTraces)
	}

	// Trace engine
	backend := cfg.Engine.PercentileBackend(logger)
	eng := engine.New(engine.Options{
		Clock:               clk,
		Logger:              logger,
		Costs:               cost.NewCalculator(cfg.Pricing),
		Spans:               exporter.NewOTelManager(tracer, clk, logger),
		History:             stores.History,
		MaxHistory:          cfg.Engine.MaxHistory,
		KeepHistory:         cfg.Engine.KeepHistory,
		MaxStabilitySamples: cfg.Engine.MaxStabilitySamples,
	})
	ctx := context.Background()
	logger.Info("telemetry history loaded", "entries", eng.Load(ctx))

	// Statistics core
	formulas := formula.New(logger)
	core := stats.New(stats.Options{
		Clock:    clk,
		Logger:   logger,
		Formulas: formulas,
		Backend:  backend,
	})
	for _, th := range cfg.Thresholds {
		if err := core.Alerts().AddThreshold(th); err != nil {
			return fmt.Errorf("adding threshold for %s: %w", th.MetricName, err)
		}
	}
	for _, d := range cfg.Derived {
		if err := core.RegisterDerived(d); err != nil {
			return fmt.Errorf("registering derived metric %s: %w", d.Name, err)
		}
	}

	queries := query.New(stores.Points, backend)
	retention := alerting.NewRetentionEnforcer(clk, logger, core, eng.Latency(), queries.RetentionTarget(logger))
	for _, p := range cfg.Retention {
		if err := retention.AddPolicy(p); err != nil {
			return fmt.Errorf("adding retention policy %s: %w", p.Pattern, err)
		}
	}

	// Federation
	fed := federation.New(cfg.Federation.Config, nil, clk, logger)
	for _, src := range cfg.Federation.Sources {
		if err := fed.RegisterSource(src.Source()); err != nil {
			return fmt.Errorf("registering federated source %s: %w", src.Name, err)
		}
	}

	// Exporters
	dest, err := exporter.ParseDestination(cfg.Exporters.CloudDestination)
	if err != nil {
		return err
	}
	cloud := exporter.NewCloudExporter(dest, cfg.Exporters.CloudHost, nil, clk, logger)

	// Background jobs
	sched := scheduler.New(logger)
	for _, job := range []scheduler.Job{
		scheduler.RetentionJob(cfg.Schedule.Retention, retention),
		scheduler.FederationJob(cfg.Schedule.FederationSync, fed),
		scheduler.FlushJob(cfg.Schedule.Flush, eng),
	} {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start()
	logger.Info("scheduler started", "jobs", sched.Jobs())

	// REST API
	apiServer := api.NewServer(cfg.Server.Addr, api.Deps{
		Stats:       core,
		Engine:      eng,
		Query:       queries,
		Retention:   retention,
		Formulas:    formulas,
		AB:          abtest.New(clk),
		Federation:  fed,
		Cloud:       cloud,
		Grafana:     exporter.GrafanaGenerator{Dir: cfg.Exporters.GrafanaDir},
		ServiceName: cfg.Engine.ServiceName,
		Logger:      logger,
	})

	// Start pprof server for profiling (separate port, opt-in)
	if pprofAddr := getEnv("PPROF_ADDR", ""); pprofAddr != "" {
		go func() {
			logger.Info("starting pprof server", "url", "http://"+pprofAddr+"/debug/pprof")
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Error("pprof server error", "error", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting REST API server", "addr", cfg.Server.Addr)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger.Info("API endpoints",
		"metrics", fmt.Sprintf("http://%s/api/v1/metrics", cfg.Server.Addr),
		"traces", fmt.Sprintf("http://%s/api/v1/traces/{id}/start", cfg.Server.Addr),
		"summary", fmt.Sprintf("http://%s/api/v1/summary", cfg.Server.Addr),
		"scrape", fmt.Sprintf("http://%s/metrics", cfg.Server.Addr),
		"health", fmt.Sprintf("http://%s/health", cfg.Server.Addr),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down API server", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("stopping scheduler", "error", err)
	}
	if err := eng.Flush(shutdownCtx); err != nil {
		logger.Error("flushing telemetry history", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down tracer provider", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
