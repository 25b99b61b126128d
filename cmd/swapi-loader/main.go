// Command swapi-loader enriches a range of SWAPI people records with the
// names of their films, species, starships and vehicles and stores them in
// the characters table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/swapi-loader/internal/config"
	"github.com/Sternrassler/swapi-loader/pkg/cache"
	"github.com/Sternrassler/swapi-loader/pkg/client"
	"github.com/Sternrassler/swapi-loader/pkg/logging"
	"github.com/Sternrassler/swapi-loader/pkg/metrics"
	"github.com/Sternrassler/swapi-loader/pkg/pipeline"
	"github.com/Sternrassler/swapi-loader/pkg/resolver"
	"github.com/Sternrassler/swapi-loader/pkg/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// A missing .env is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg); err != nil {
		stop()
		log.Fatal().Err(err).Msg("Run aborted")
	}
}

// run opens the store, wires the pipeline and processes the configured range.
// Only store setup errors are returned; per-id failures are in the summary.
func run(ctx context.Context, cfg *config.Config) (pipeline.Summary, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:   cfg.DatabaseType,
		DSN:      cfg.DatabaseURL,
		Path:     cfg.DatabasePath,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return pipeline.Summary{}, fmt.Errorf("ensure schema: %w", err)
	}
	log.Info().Str("driver", cfg.DatabaseType).Msg("Store ready")

	var cacheManager *cache.Manager
	if cfg.RedisURL != "" {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid REDIS_URL, running without cache")
		} else {
			defer redisClient.Close()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Str("redis", cfg.RedisURL).Msg("Redis unavailable, running without cache")
			} else {
				cacheManager = cache.NewManager(redisClient, cfg.CacheStaleWindow)
				log.Info().Str("redis", cfg.RedisURL).Msg("Response cache enabled")
			}
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	swapi, err := client.New(client.Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout,
		Cache:     cacheManager,
	})
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("create client: %w", err)
	}
	defer swapi.Close()

	p := pipeline.New(
		swapi,
		resolver.New(swapi, resolver.Config{MaxConcurrency: cfg.MaxReferenceConcurrency}),
		st,
		pipeline.Config{Workers: cfg.Workers},
	)

	return p.Run(ctx, pipeline.Range{Start: cfg.StartID, End: cfg.EndID()}), nil
}

// newRedisClient accepts either a redis:// URL or a bare host:port.
func newRedisClient(raw string) (*redis.Client, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}
