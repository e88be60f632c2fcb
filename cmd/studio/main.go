package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"plato/pkg/eventbus"
	"plato/pkg/execution"
	"plato/pkg/hardening"
	"plato/pkg/ratelimit"
	"plato/pkg/store"
	"plato/pkg/stream"
	"plato/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type studioInitTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type studioOpenStoreFunc func(ctx context.Context, cfg config) (store.Repository, error)
type studioOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type studioServeFunc func(ctx context.Context, server *http.Server, logger *zap.Logger) error

// Testable variables for main()
var (
	newLogger      = buildLogger
	fatalFn        = func(logger *zap.Logger, err error) { logger.Fatal("studio stopped", zap.Error(err)) }
	initTelemetryS = telemetry.Init
	openStoreFn    = openStore
	openRedisFn    = store.NewRedis
	serveFn        = serve
)

func main() {
	logger, err := newLogger(env("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runStudio(ctx, logger, loadConfig(), initTelemetryS, openStoreFn, openRedisFn, serveFn); err != nil {
		fatalFn(logger, err)
	}
}

type config struct {
	Addr        string
	Environment string
	StoreDriver string
	SQLitePath  string

	RateLimitPerMinute int
	RateLimitWindow    time.Duration
	BudgetMaxPerDay    int
	SessionTTL         time.Duration
	CookieSecure       bool
	OperationTimeout   time.Duration

	AuditRedact   bool
	AuditHashSalt string

	KafkaBrokers []string
	KafkaTopic   string

	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func loadConfig() config {
	environment := env("ENVIRONMENT", env("APP_ENV", ""))
	cfg := config{
		Addr:                env("ADDR", ":8080"),
		Environment:         environment,
		StoreDriver:         strings.ToLower(strings.TrimSpace(env("STORE_DRIVER", "postgres"))),
		SQLitePath:          env("SQLITE_PATH", "plato.db"),
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", execution.DefaultRateLimit),
		RateLimitWindow:     envDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		BudgetMaxPerDay:     envInt("BUDGET_MAX_PER_DAY", execution.DefaultBudgetMaxPerDay),
		SessionTTL:          time.Hour * time.Duration(envInt("SESSION_TTL_HOURS", 168)),
		CookieSecure:        envBool("COOKIE_SECURE", hardening.IsProductionLike(environment)),
		OperationTimeout:    time.Millisecond * time.Duration(envInt("OPERATION_TIMEOUT_MS", 3000)),
		AuditRedact:         envBool("AUDIT_REDACT", false),
		AuditHashSalt:       env("AUDIT_HASH_SALT", ""),
		KafkaBrokers:        eventbus.SplitBrokers(env("KAFKA_BROKERS", "")),
		KafkaTopic:          env("KAFKA_EXECUTION_TOPIC", eventbus.DefaultTopic),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    stream.OriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ReadHeaderTimeout:   envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:         envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = execution.DefaultOperationTimeout
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	return cfg
}

// applyLimitDefaults replaces non-positive request limits with the defaults
// and logs each replacement. A zero limit never means "block everything".
func applyLimitDefaults(cfg config, logger *zap.Logger) config {
	if cfg.RateLimitPerMinute <= 0 {
		logger.Warn("RATE_LIMIT_PER_MINUTE not positive, using default",
			zap.Int("configured", cfg.RateLimitPerMinute),
			zap.Int("effective", execution.DefaultRateLimit),
		)
		cfg.RateLimitPerMinute = execution.DefaultRateLimit
	}
	if cfg.BudgetMaxPerDay <= 0 {
		logger.Warn("BUDGET_MAX_PER_DAY not positive, using default",
			zap.Int("configured", cfg.BudgetMaxPerDay),
			zap.Int("effective", execution.DefaultBudgetMaxPerDay),
		)
		cfg.BudgetMaxPerDay = execution.DefaultBudgetMaxPerDay
	}
	return cfg
}

func runStudio(
	ctx context.Context,
	logger *zap.Logger,
	cfg config,
	initTelemetry studioInitTelemetryFunc,
	openStore studioOpenStoreFunc,
	openRedis studioOpenRedisFunc,
	serve studioServeFunc,
) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "studio",
		Environment:           cfg.Environment,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		StoreDriver:           cfg.StoreDriver,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", env("REDIS_URL", "")),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		CookieSecure:          strconv.FormatBool(cfg.CookieSecure),
		AuditRedact:           strconv.FormatBool(cfg.AuditRedact),
		AuditHashSalt:         cfg.AuditHashSalt,
	}); err != nil {
		return err
	}

	cfg = applyLimitDefaults(cfg, logger)

	shutdown, err := initTelemetry(ctx, "studio", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer repo.Close()

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" || env("REDIS_URL", "") != "" {
		redisClient, err = openRedis(ctx)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory cache/limits", zap.Error(err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
	}

	s := newServer(cfg, repo, cache, limiter, logger)
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("kafka publisher close failed", zap.Error(err))
			}
		}()
		s.Finalizer.Publishers["kafka"] = pub
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if serve == nil {
		return errors.New("serve function required")
	}
	logger.Info("studio listening",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)
	return serve(ctx, server, logger)
}

func openStore(ctx context.Context, cfg config) (store.Repository, error) {
	switch cfg.StoreDriver {
	case "", "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresRepository(pool), nil
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// serve runs server until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("studio shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(strings.TrimSpace(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
