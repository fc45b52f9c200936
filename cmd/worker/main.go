package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-pay/internal/app"
	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/config"
	"github.com/noah-isme/checkout-pay/internal/notify"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/repo"
)

func main() {
	cfg := config.MustLoad()

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "checkout"), nil)
	queue.RegisterMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.StoreDriver == config.StoreDriverPostgres {
		var err error
		pool, err = app.OpenPostgres(ctx, cfg, "checkout-worker")
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
	}

	redisClient, err := app.OpenRedis(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	taskClient, err := app.NewTaskClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise task client")
	}
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	store := app.NewStore(cfg, pool, logger)
	dlq := app.NewDLQStore(pool)
	a, err := app.New(ctx, app.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Redis:      redisClient,
		Store:      store,
		DLQ:        dlq,
		TaskClient: taskClient,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("compose application")
	}

	var wg sync.WaitGroup

	taskServer := mustStartTaskServer(cfg, store, logger)
	defer taskServer.Shutdown()

	reprocessWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueuePrefix,
		Kind:              queue.KindWebhookReprocess,
		Concurrency:       cfg.WorkerConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		SoftDeadline:      cfg.WorkerJobSoftDeadline,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Store:             dlq,
		Logger:            &logger,
		Handler:           a.Reprocessor.HandleTask,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reprocessWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("reprocess worker stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		every(ctx, cfg.WebhookSweepInterval, func(ctx context.Context) {
			n, err := a.Reprocessor.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("webhook_sweep_failed")
			}
			if n > 0 {
				logger.Info().Int("scheduled", n).Msg("webhook_sweep")
			}
			queue.RefreshGauges(ctx, a.Queue, dlq, queue.KindWebhookReprocess)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		every(ctx, cfg.SessionSweepInterval, func(ctx context.Context) {
			removed, err := a.Sessions.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("session_sweep_failed")
				return
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("session_sweep")
			}
		})
	}()

	logger.Info().Msg("worker starting")
	<-ctx.Done()
	wg.Wait()
	a.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func mustStartTaskServer(cfg *config.Config, store *repo.Store, logger zerolog.Logger) *asynq.Server {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for tasks")
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{cfg.NotifyQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn().Err(err).Str("task", task.Type()).Msg("task_failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(notify.TypePaymentSucceeded, notify.EmailHandler{
		Mail:     common.LogEmailSender{Logger: logger.With().Str("component", "mail").Logger()},
		Payments: store.Payments,
		Logger:   logger.With().Str("component", "notify_email").Logger(),
	})
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	return srv
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
