// Command server starts the LLM job broker HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/llm-job-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/notify"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/provider"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/provider/tokencount"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/queue/dispatch"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-job-broker/internal/app"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
	"github.com/fairyhunter13/llm-job-broker/internal/postproc"
	"github.com/fairyhunter13/llm-job-broker/internal/service/quota"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

// redisAdapter bridges *redis.Client to app.RedisClient; the concrete Ping
// return type does not satisfy the minimal interface on its own.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider, and queue instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool (migrations run first)
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	queueRepo := postgres.NewQueueRepo(pool)
	providerRepo := postgres.NewProviderRepo(pool)
	quotaRepo := postgres.NewRateLimitRepo(pool, cfg.DefaultMonthlyQuota)
	webhookRepo := postgres.NewWebhookRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	diagRepo := postgres.NewDiagRepo(pool)
	apiKeyRepo := postgres.NewAPIKeyRepo(pool)

	// Optional provider catalog seed; rows already in the database win.
	if cfg.ProviderCatalogPath != "" {
		if err := seedProviderCatalog(ctx, providerRepo, cfg.ProviderCatalogPath); err != nil {
			slog.Error("provider catalog seed failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Data retention
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Quota exhaustion cache (optional Redis)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
	}
	limiter := quota.NewCachedLimiter(quotaRepo, rdb)

	// Lifecycle event notifier (optional Kafka)
	var notifier domain.Notifier = notify.Noop{}
	var kafkaNotifier *notify.Kafka
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err = notify.NewKafka(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			slog.Error("kafka notifier connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = kafkaNotifier.Close() }()
		notifier = kafkaNotifier
	}

	// Provider gateway
	registry := provider.NewRegistry(cfg)

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, queueRepo, providerRepo, limiter)
	submitSvc.EstimateTokens = tokencount.EstimateRequestTokens
	statusSvc := usecase.NewStatusService(jobRepo)
	procSvc := usecase.NewProcessService(jobRepo, queueRepo, providerRepo, registry, postproc.Adapter{DB: pool}, notifier)
	webhookSvc := usecase.NewWebhookService(procSvc, webhookRepo, dlqRepo, diagRepo, cfg.ProviderWebhookSecret)
	webhookSvc.Failure = provider.FailureFromEvent
	webhookSvc.ParseGeneric = provider.ParseGenericWebhook

	// The /llm-worker trigger drains one batch in-process.
	runner := dispatch.NewRunner(procSvc, queueRepo, cfg)

	auth := httpserver.NewAuthenticator(apiKeyRepo, cfg.AuthTokenSecret)

	// Readiness checks; optional clients stay untyped nil when unset so the
	// probes are skipped rather than failed.
	var redisForReadiness app.RedisClient
	if rdb != nil {
		redisForReadiness = redisAdapter{rdb}
	}
	var kafkaForReadiness app.KafkaPinger
	if kafkaNotifier != nil {
		kafkaForReadiness = kafkaNotifier
	}
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, redisForReadiness, kafkaForReadiness)

	// HTTP server
	srv := httpserver.NewServer(cfg, auth, submitSvc, statusSvc, webhookSvc, runner, dbCheck, redisCheck, kafkaCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
