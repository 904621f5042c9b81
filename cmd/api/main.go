package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/anticca-payments/internal/auth"
	"github.com/noah-isme/anticca-payments/internal/common"
	"github.com/noah-isme/anticca-payments/internal/config"
	"github.com/noah-isme/anticca-payments/internal/db"
	"github.com/noah-isme/anticca-payments/internal/events"
	"github.com/noah-isme/anticca-payments/internal/health"
	"github.com/noah-isme/anticca-payments/internal/obs"
	"github.com/noah-isme/anticca-payments/internal/order"
	"github.com/noah-isme/anticca-payments/internal/payment"
	"github.com/noah-isme/anticca-payments/internal/ratelimit"
	"github.com/noah-isme/anticca-payments/internal/resilience"
	"github.com/noah-isme/anticca-payments/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "anticca")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	resilience.MustRegister(nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "anticca-payments",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "none"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if cfg.MigrateOnStart {
		if err := db.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Msg("migrations applied")
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
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "anticca-payments"

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
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	bus := &events.Bus{
		Store:     events.PgStore{Pool: pool},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka writer")
			}
		}()
		breaker := resilience.NewBreaker("kafka", 5, 0.5, 30*time.Second).WithLogger(logger)
		bus.Notifiers = append(bus.Notifiers, events.KafkaNotifier{Writer: writer, Breaker: breaker})
	}

	scheme, err := payment.ParseInboundScheme(cfg.ShopierInboundSig)
	if err != nil {
		logger.Fatal().Err(err).Msg("inbound signature scheme")
	}
	orderStore := order.PgStore{Pool: pool}
	orderSvc := &order.Service{
		Store:   orderStore,
		Events:  bus,
		Timeout: cfg.StoreTimeout,
		Logger:  logger,
	}
	paymentSvc := &payment.Service{
		Orders:   orderStore,
		Sessions: payment.PgSessionStore{Pool: pool},
		Events:   bus,
		Merchant: payment.Merchant{
			APIKey:       cfg.ShopierAPIKey,
			Secret:       cfg.ShopierAPISecret,
			PaymentURL:   cfg.ShopierPaymentURL,
			CallbackURL:  cfg.ShopierCallbackURL,
			WebsiteIndex: cfg.ShopierWebsiteIndex,
			ProductName:  cfg.ShopierProductName,
		},
		Scheme:  scheme,
		Timeout: cfg.StoreTimeout,
		Logger:  logger,
	}
	if !cfg.ShopierConfigured() {
		logger.Warn().Msg("shopier credentials missing; payment endpoints will report a configuration error")
	} else if cfg.FrontendURL == "" {
		logger.Warn().Msg("FRONTEND_URL not set; callback redirects fall back to allow-listed origins or the request host")
	}
	if !scheme.CoversStatus() {
		logger.Info().Str("scheme", string(scheme)).Msg("inbound signature does not cover status; callbacks will not settle orders")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}

	limiter, err := newLimiter(cfg.RateLimitStrategy, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	srvDeps := server{
		Logger:      logger,
		Tracing:     tracingEnabled,
		Metrics:     httpMetrics,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Headers:     security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"},
		BodyLimit:   security.BodyLimit{Max: cfg.BodyLimitBytes},
		Auth: auth.Middleware{
			Verifier:     verifier,
			Admins:       auth.NewAdminSet(cfg.AdminEmails),
			AccessCookie: envOrDefault("AUTH_ACCESS_COOKIE", "access_token"),
		},
		Idem: common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Prefix: "idem:shopier:"},
		CreateLimit: ratelimit.Handler{
			Limiter: limiter,
			Config: ratelimit.Config{
				Key:    ratelimit.ByClientIP("shopier-create"),
				Window: cfg.CreateRateLimitWindow,
				Max:    cfg.CreateRateLimitMax,
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
		},
		Payments: &payment.Handler{
			Svc:            paymentSvc,
			Replay:         redisClient,
			ReplayTTL:      cfg.WebhookReplayTTL,
			FrontendURL:    cfg.FrontendURL,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		},
		Orders:     &order.Handler{Svc: orderSvc},
		OrderAdmin: &order.AdminHandler{Svc: orderSvc},
		Health: health.Handler{
			Checker:      health.Deps{DB: pool, Redis: redisClient},
			DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
			RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		},
	}
	if metricsEnabled {
		srvDeps.MetricsHandler = promhttp.Handler()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srvDeps.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-sigCtx.Done():
	}

	gracefulShutdown(srv, logger, envDurationMillis("SHUTDOWN_DRAIN_MS", 2000), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 10000))
}

// gracefulShutdown marks the instance unready, waits for load balancers to
// notice, then drains in-flight requests.
func gracefulShutdown(srv *http.Server, logger zerolog.Logger, drain, timeout time.Duration) {
	health.SetReady(false)
	logger.Info().Dur("drain", drain).Msg("shutdown requested")
	time.Sleep(drain)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
		return
	}
	logger.Info().Msg("server stopped")
}

func newLimiter(strategy string, rdb *redis.Client) (ratelimit.Limiter, error) {
	if strategy == "fixed" {
		return ratelimit.NewFixedWindow(rdb, "rl:shopier")
	}
	return ratelimit.SlidingWindow{Client: rdb, Prefix: "rl:shopier:"}, nil
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

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
