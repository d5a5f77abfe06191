package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limitermw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nimbleshop/commerce-core/internal/app"
	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/common"
	"github.com/nimbleshop/commerce-core/internal/config"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/finalize"
	"github.com/nimbleshop/commerce-core/internal/gateway"
	"github.com/nimbleshop/commerce-core/internal/health"
	"github.com/nimbleshop/commerce-core/internal/intent"
	"github.com/nimbleshop/commerce-core/internal/obs"
	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/pricing"
	"github.com/nimbleshop/commerce-core/internal/ratelimit"
	"github.com/nimbleshop/commerce-core/internal/resilience"
	"github.com/nimbleshop/commerce-core/internal/security"
	"github.com/nimbleshop/commerce-core/internal/store"
	"github.com/nimbleshop/commerce-core/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	resilience.RegisterMetrics(nil)

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "commerce-api",
			Endpoint:      cfg.TracingEndpoint,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "commerce-api"

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		m, err := migrate.New("file://"+dir, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open migrations")
		}
		if err := app.RunMigrations(m); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Str("dir", dir).Msg("migrations applied")
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
	defer func() { _ = taskClient.Close() }()

	cartStore := &store.PgCartStore{Pool: pool}
	orderStore := &store.PgOrderStore{Pool: pool}
	eventLog := &store.PgEventLog{Pool: pool}

	cartSvc := &cart.Service{Store: cartStore, Currency: cfg.Currency}
	engine := pricing.NewEngine(pricing.Config{Currency: cfg.Currency, FloorAtZero: cfg.FloorAtZero})

	chip := gateway.Chip{
		BaseURL:       cfg.PaymentBaseURL,
		APIKey:        cfg.PaymentAPIKey,
		BrandID:       cfg.PaymentBrandID,
		WebhookSecret: cfg.PaymentWebhookSecret,
		HTTP: &resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     resilience.NewBreaker("payment-gateway", 10, 0.5, 30*time.Second),
			Timeout:     cfg.PaymentTimeout,
			MaxAttempts: 1,
			Logger:      &logger,
		},
	}

	bus := &events.Bus{Store: &store.PgDomainEventStore{Pool: pool}}

	intentMgr := &intent.Manager{
		Carts:   cartSvc,
		Engine:  engine,
		Gateway: chip,
		TTL:     cfg.IntentTTL,
	}

	finalizer := &finalize.Finalizer{
		Orders: orderStore,
		Carts:  cartSvc,
		Log:    eventLog,
		Bus:    bus,
		Alerts: &tasks.Client{Asynq: taskClient},
		Logger: logger,
	}
	webhook := finalize.Webhook{
		Provider:  chip,
		Finalizer: finalizer,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
	}

	cartHandler := &cart.Handler{
		Svc: cartSvc,
		Preview: func(c cart.Cart) (any, error) {
			return engine.Compute(c)
		},
	}
	intentHandler := &intent.Handler{Manager: intentMgr, Validator: validator.New()}
	orderHandler := &order.Handler{Store: orderStore}

	idem := common.Idem{R: redisClient, TTL: 24 * time.Hour}
	limits := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:"},
		Config: ratelimit.Config{
			Key:    common.ClientIP,
			Window: time.Minute,
			Max:    cfg.RateLimitPerMinute,
		},
		OnError: func(err error) { logger.Error().Err(err).Msg("rate limiter") },
	}

	limStore, err := app.NewLimiterStore(redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("init webhook limiter store")
	}
	// The gateway retries aggressively on 5xx; a dedicated limiter keeps a
	// retry storm from starving shopper traffic.
	webhookLimiter := limitermw.NewMiddleware(limiter.New(limStore, limiter.Rate{
		Period: time.Minute,
		Limit:  int64(cfg.RateLimitPerMinute),
	}))

	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{Enable: true}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if envBool("ENABLE_PPROF", false) {
		r.Mount("/debug/pprof", newPprofMux())
	}

	healthHandler := health.Handler{Checker: readinessChecker{db: pool, redis: redisClient}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(limits.Middleware)

		v.Route("/carts", func(c chi.Router) {
			c.Get("/{id}", cartHandler.Get)
			c.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.Post("/", cartHandler.Create)
				g.Post("/{id}/items", cartHandler.AddItem)
				g.Patch("/{id}/items/{itemId}", cartHandler.UpdateQty)
				g.Delete("/{id}/items/{itemId}", cartHandler.RemoveItem)
				g.Post("/{id}/items/{itemId}/conditions", cartHandler.AddItemCondition)
				g.Post("/{id}/conditions", cartHandler.AddCondition)
				g.Delete("/{id}/conditions/{name}", cartHandler.RemoveCondition)
				g.Delete("/{id}", cartHandler.Clear)
			})

			c.Get("/{id}/intent", intentHandler.Get)
			c.Get("/{id}/intent/validate", intentHandler.Validate)
			c.With(idem.Middleware).Post("/{id}/intent", intentHandler.Create)
		})

		v.Get("/orders/{id}", orderHandler.Get)
		v.Get("/orders/by-purchase/{purchaseId}", orderHandler.GetByPurchase)

		v.With(webhookLimiter.Handler).Post("/webhooks/payment", webhook.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-runCtx.Done():
		health.SetReady(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		logger.Info().Msg("server shutdown complete")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}
