package app

import (
	"context"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/checkout-pay/internal/config"
	"github.com/noah-isme/checkout-pay/internal/migrations"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

// Dependencies enumerates the shared infrastructure New composes services from.
type Dependencies struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Redis        *redis.Client
	Store        *repo.Store
	DLQ          queue.Store
	Validator    *validator.Validate
	LimiterStore limiter.Store
	TaskClient   *asynq.Client

	HTTPMetrics *obs.HTTPMetrics
	Tracing     bool
	Now         func() time.Time
}

// OpenPostgres connects the pool with the query tracer attached.
func OpenPostgres(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenRedis connects and instruments the Redis client. Instrumentation
// failures are logged, not fatal.
func OpenRedis(ctx context.Context, cfg *config.Config, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewStore returns the repository for the configured driver. pool may be nil
// with the memory driver.
func NewStore(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *repo.Store {
	opts := repo.Options{
		Retry: resilience.RetryPolicy{
			MaxRetries: cfg.RepoMaxRetries,
			BaseDelay:  cfg.RepoRetryBase,
			Factor:     cfg.RepoRetryFactor,
			Jitter:     0.2,
		},
		Logger: logger.With().Str("component", "repo").Logger(),
	}
	if cfg.StoreDriver == config.StoreDriverMemory || pool == nil {
		return repo.NewMemory(opts).Store()
	}
	return repo.NewPostgres(pool, opts)
}

// NewDLQStore keeps dead letters next to the payments when Postgres is used.
func NewDLQStore(pool *pgxpool.Pool) queue.Store {
	if pool == nil {
		return queue.NewMemoryStore()
	}
	return queue.NewStore(pool)
}

// NewLimiterStore wires a rate limiter store backed by Redis.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "rl:api"})
}

// NewTaskClient builds the asynq client used for notification tasks.
func NewTaskClient(cfg *config.Config) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri for tasks: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// RunMigrations applies the embedded schema when the Postgres driver is used.
func RunMigrations(cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return nil
	}
	return migrations.Up(cfg.DatabaseURL)
}
