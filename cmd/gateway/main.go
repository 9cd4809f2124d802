package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/secureyeoman/ai-gateway/internal/api"
	"github.com/secureyeoman/ai-gateway/internal/audit"
	"github.com/secureyeoman/ai-gateway/internal/auth"
	"github.com/secureyeoman/ai-gateway/internal/cache"
	"github.com/secureyeoman/ai-gateway/internal/config"
	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/gateway"
	"github.com/secureyeoman/ai-gateway/internal/notify"
	"github.com/secureyeoman/ai-gateway/internal/ratelimit"
	"github.com/secureyeoman/ai-gateway/internal/repository"
	"github.com/secureyeoman/ai-gateway/internal/secrets"
	"github.com/secureyeoman/ai-gateway/internal/telemetry"
	"github.com/secureyeoman/ai-gateway/internal/usage"
)

const version = "1.0.0"

func main() {
	hashToken := flag.String("hash-token", "", "print the bcrypt hash for an operator token and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting ai gateway",
		"addr", cfg.Addr,
		"version", version,
		"provider", cfg.Provider,
		"model", cfg.ActiveModel(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "ai-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	keyring, err := buildKeyring(ctx, cfg)
	if err != nil {
		slog.Error("failed to build keyring", "backend", cfg.KeyringBackend, "error", err)
		os.Exit(1)
	}
	slog.Info("keyring ready", "backend", cfg.KeyringBackend)

	// Postgres, when configured, is shared by usage records and the
	// configuration stores.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := repository.InitSchema(ctx, db); err != nil {
			slog.Error("failed to initialize config schema", "error", err)
			os.Exit(1)
		}
	}

	notifier := buildNotifier(ctx, cfg)
	auditor := buildAuditor(ctx, cfg)

	storage, err := buildUsageStorage(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to build usage storage", "error", err)
		os.Exit(1)
	}

	trackerOpts := []usage.TrackerOption{usage.WithRetentionDays(cfg.RetentionDays)}
	if cfg.DailySpendLimit > 0 {
		alert := usage.NewSpendAlert(cfg.DailySpendLimit, usage.DefaultThresholds(), notifier, slog.Default())
		trackerOpts = append(trackerOpts, usage.WithSpendAlert(alert))
		slog.Info("daily spend alerts enabled", "limit_usd", cfg.DailySpendLimit)
	}
	tracker := usage.NewTracker(storage, slog.Default(), trackerOpts...)
	go tracker.RunPruneLoop(ctx)

	var personalities repository.PersonalityStore = repository.NewInMemoryPersonalityStore()
	var defaults repository.DefaultModelStore = repository.NewInMemoryDefaultModelStore()
	if db != nil {
		personalities = repository.NewPostgresPersonalityStore(db)
		defaults = repository.NewPostgresDefaultModelStore(db)
	}

	factory := gateway.NewFactory(nil, keyring, cfg.AWSRegion, cfg.Templates())

	initial, err := factory.ConfigFor(cfg.Provider, cfg.ActiveModel())
	if err != nil {
		slog.Error("default provider not configured", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(ctx, gateway.Config{
		Model:     initial,
		Factory:   factory,
		Fallbacks: personalities,
		Tracker:   tracker,
		Audit:     auditor,
		Notifier:  notifier,
		Logger:    slog.Default(),
	})
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	// A persisted default beats the environment's startup model.
	if saved, err := defaults.Get(ctx); err == nil {
		if err := gw.SwitchToConfig(ctx, *saved); err != nil {
			slog.Warn("failed to apply persisted default model",
				"provider", saved.Provider, "model", saved.Model, "error", err)
		}
	} else if !errors.Is(err, domain.ErrDefaultModelNotSet) {
		slog.Warn("failed to load persisted default model", "error", err)
	}

	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var modelCache cache.ModelCache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for model cache, using in-memory", "error", err)
			modelCache = cache.NewInMemoryCache()
		} else {
			slog.Info("using redis model cache")
			modelCache = rc
		}
	} else {
		modelCache = cache.NewInMemoryCache()
		slog.Info("using in-memory model cache")
	}

	var checkers []api.HealthChecker
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}
	if cfg.RedisURL != "" {
		rc, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis health checker unavailable", "error", err)
		} else {
			checkers = append(checkers, rc)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:       gw,
		Personalities: personalities,
		DefaultModel:  defaults,
		Verifier:      auth.NewVerifier(cfg.OperatorTokenHash),
		RateLimiter:   limiter,
		ModelCache:    modelCache,
		CacheTTL:      cfg.ModelsCacheTTL,
		Readiness:     checkers,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: streaming responses hold the connection open
		// past any fixed deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	auditor.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func buildKeyring(ctx context.Context, cfg *config.Config) (secrets.Keyring, error) {
	switch cfg.KeyringBackend {
	case "aws":
		return secrets.NewAWSKeyring(ctx, cfg.AWSRegion)
	case "file":
		return secrets.NewFileKeyring(cfg.KeyringFile, cfg.KeyringPassphrase)
	case "env", "":
		return secrets.NewEnvKeyring(), nil
	default:
		return nil, fmt.Errorf("unknown keyring backend %q", cfg.KeyringBackend)
	}
}

func buildUsageStorage(ctx context.Context, cfg *config.Config, db *sql.DB) (usage.Storage, error) {
	switch {
	case db != nil:
		s := usage.NewPostgresStorage(db)
		if err := s.InitSchema(ctx); err != nil {
			return nil, err
		}
		slog.Info("using postgres usage storage")
		return s, nil
	case cfg.RedisURL != "":
		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		s, err := usage.NewRedisStorage(cfg.RedisURL, retention)
		if err != nil {
			return nil, err
		}
		slog.Info("using redis usage storage")
		return s, nil
	default:
		slog.Info("using in-memory usage storage")
		return usage.NewMemoryStorage(), nil
	}
}

func buildNotifier(ctx context.Context, cfg *config.Config) notify.Notifier {
	if cfg.SNSTopicARN != "" {
		n, err := notify.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns notifier unavailable, falling back to log", "error", err)
		} else {
			slog.Info("using sns notifier", "topic", cfg.SNSTopicARN)
			return n
		}
	}
	return notify.NewLogNotifier(slog.Default())
}

// buildAuditor wraps the chosen sink in an async recorder so audit delivery
// never blocks a chat call.
func buildAuditor(ctx context.Context, cfg *config.Config) *audit.AsyncRecorder {
	var inner audit.Recorder = audit.NewLogRecorder(slog.Default())
	if cfg.SQSQueueURL != "" {
		r, err := audit.NewSQSRecorder(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Warn("sqs audit recorder unavailable, falling back to log", "error", err)
		} else {
			slog.Info("using sqs audit recorder", "queue", cfg.SQSQueueURL)
			inner = r
		}
	}
	return audit.NewAsyncRecorder(inner, 256, slog.Default())
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
