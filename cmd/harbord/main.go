// Command harbord runs the Harbor coordination core as a standalone
// process: channel actors, presence tracking, write buffering, notification
// dispatch, and the upload pipeline, wired to Redis for cross-node fan-out
// and Postgres for message persistence when configured.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harborchat/harbor"
	"github.com/harborchat/harbor/distributed"
	"github.com/harborchat/harbor/metrics"
	"github.com/harborchat/harbor/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "harbord",
		Short:        "Harbor realtime coordination core",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := newLogger()

	cfg := harbor.DefaultConfig()
	cfg.Logger = logger
	cfg.TypingTimeout = envDuration(logger, "HARBOR_TYPING_TIMEOUT", cfg.TypingTimeout)
	cfg.AwayTimeout = envDuration(logger, "HARBOR_AWAY_TIMEOUT", cfg.AwayTimeout)
	cfg.OfflineTimeout = envDuration(logger, "HARBOR_OFFLINE_TIMEOUT", cfg.OfflineTimeout)
	cfg.BufferFlushInterval = envDuration(logger, "HARBOR_BUFFER_FLUSH_INTERVAL", cfg.BufferFlushInterval)
	cfg.BufferBatchSize = envInt(logger, "HARBOR_BUFFER_BATCH_SIZE", cfg.BufferBatchSize)
	cfg.UploadConcurrency = envInt(logger, "HARBOR_UPLOAD_CONCURRENCY", cfg.UploadConcurrency)
	cfg.Hooks = &harbor.Hooks{Metrics: metrics.NewCollector(prometheus.DefaultRegisterer)}

	if addr := envString(logger, "HARBOR_REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		bus, err := distributed.NewRedisPubSub(ctx, client)
		if err != nil {
			return fmt.Errorf("redis bus: %w", err)
		}
		defer bus.Close()
		cfg.PubSub = bus
		logger.Info().Str("addr", addr).Msg("using redis broadcast bus")
	}

	if dsn := envString(logger, "HARBOR_POSTGRES_DSN", ""); dsn != "" {
		pool, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		store := postgres.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		cfg.Store = store
		logger.Info().Msg("using postgres message store")
	}

	registry := harbor.New(ctx, cfg)
	defer registry.Shutdown()

	if addr := envString(logger, "HARBOR_METRICS_ADDR", ":9090"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if registry.HealthCheck().Healthy() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer server.Close()
		logger.Info().Str("addr", addr).Msg("metrics and health endpoints up")
	}

	logger.Info().Msg("harbor core running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	return nil
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if env := os.Getenv("HARBOR_LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "harbord").
		Logger()
}

func envString(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
		return value
	}
	return defaultValue
}

func envDuration(logger zerolog.Logger, key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return parsed
}

func envInt(logger zerolog.Logger, key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return defaultValue
	}
	return parsed
}
