// Command worker drains the dispatch queue, replays DLQ entries, and sweeps
// stalled jobs. It runs beside the HTTP server and shares its database.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/llm-job-broker/internal/adapter/notify"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/provider"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/queue/dispatch"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-job-broker/internal/app"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
	"github.com/fairyhunter13/llm-job-broker/internal/postproc"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so queue and provider metrics are scraped.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database connection; the server owns migrations.
	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	queueRepo := postgres.NewQueueRepo(pool)
	providerRepo := postgres.NewProviderRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	diagRepo := postgres.NewDiagRepo(pool)

	// Lifecycle event notifier (optional Kafka)
	var notifier domain.Notifier = notify.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafka(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			slog.Error("kafka notifier connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = kafkaNotifier.Close() }()
		notifier = kafkaNotifier
	}

	// Provider gateway
	registry := provider.NewRegistry(cfg)

	procSvc := usecase.NewProcessService(jobRepo, queueRepo, providerRepo, registry, postproc.Adapter{DB: pool}, notifier)
	webhookSvc := usecase.NewWebhookService(procSvc, webhookRepo, dlqRepo, diagRepo, cfg.ProviderWebhookSecret)
	webhookSvc.Failure = provider.FailureFromEvent
	webhookSvc.ParseGeneric = provider.ParseGenericWebhook

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Main drain loop
	runner := dispatch.NewRunner(procSvc, queueRepo, cfg)
	go runner.Run(ctx)

	// DLQ replay sweep
	replayer := dispatch.NewReplayer(webhookSvc, dlqRepo, cfg)
	go replayer.Run(ctx)

	// Stalled-running recovery
	if sweeper := app.NewStaleJobSweeper(jobRepo, providerRepo, cfg.StaleRunningAfter, cfg.StaleSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	// Give in-flight messages a moment to settle before the process exits.
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}
