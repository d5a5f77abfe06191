package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbleshop/commerce-core/internal/config"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/lock"
	"github.com/nimbleshop/commerce-core/internal/obs"
	"github.com/nimbleshop/commerce-core/internal/store"
	"github.com/nimbleshop/commerce-core/internal/tasks"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	redisOpts, _ := redis.ParseURL(cfg.RedisURL)
	asynqRedis := asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB}

	cartStore := &store.PgCartStore{Pool: pool}
	bus := &events.Bus{Store: &store.PgDomainEventStore{Pool: pool}}

	handlers := &tasks.Handlers{
		Carts:  cartStore,
		Sweep:  cartStore,
		Bus:    bus,
		Lock:   &lock.Locker{R: redisClient},
		Logger: logger,
	}

	srv := asynq.NewServer(asynqRedis, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"alerts":      6,
			"maintenance": 3,
			"default":     1,
		},
		Logger: asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	client := asynq.NewClient(asynqRedis)
	defer func() { _ = client.Close() }()
	go runSweepTicker(ctx, &tasks.Client{Asynq: client}, logger)

	logger.Info().Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// runSweepTicker enqueues the intent expiry sweep on a fixed cadence. The task
// is unique per minute, so overlapping workers collapse to one sweep.
func runSweepTicker(ctx context.Context, client *tasks.Client, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.EnqueueIntentSweep(ctx); err != nil {
				logger.Error().Err(err).Msg("enqueue intent sweep")
			}
		}
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "commerce-worker"

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(initCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(initCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// asynqLogger adapts zerolog to asynq's logger interface.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msgf("%v", args) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msgf("%v", args) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msgf("%v", args) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msgf("%v", args) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msgf("%v", args) }
