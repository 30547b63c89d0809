// Command fda-gateway serves cached, rate-limited openFDA data over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/client"
	"github.com/Sternrassler/openfda-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig()

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("fda-gateway")

	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", opts.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
		cfg.Client.Redis = redisClient
	}

	gw, err := client.New(cfg.Client)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create openFDA client")
	}
	defer gw.Close()

	var inbound *rate.Limiter
	if cfg.InboundRPS > 0 {
		inbound = rate.NewLimiter(rate.Limit(cfg.InboundRPS), cfg.InboundBurst)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(gw, redisClient, logger).routes(inbound),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("base_url", cfg.Client.BaseURL).
			Str("user_agent", cfg.Client.UserAgent).
			Msg("Starting openFDA gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
