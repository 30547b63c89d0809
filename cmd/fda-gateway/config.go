package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/client"
	"github.com/redis/go-redis/v9"
)

// gatewayConfig is everything the binary reads from the environment.
type gatewayConfig struct {
	Port         string
	RedisURL     string
	InboundRPS   float64
	InboundBurst int
	LogLevel     string
	LogPretty    bool
	Client       client.Config
}

func loadConfig() (gatewayConfig, error) {
	cfg := gatewayConfig{
		Port:     getEnv("PORT", "8080"),
		RedisURL: getEnv("REDIS_URL", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Client:   client.DefaultConfig(),
	}
	cfg.Client.BaseURL = getEnv("FDA_BASE_URL", cfg.Client.BaseURL)
	cfg.Client.APIKey = getEnv("OPENFDA_API_KEY", "")
	cfg.Client.UserAgent = getEnv("USER_AGENT", cfg.Client.UserAgent)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.Client.CacheTTL, err = getEnvDuration("CACHE_TTL", cfg.Client.CacheTTL)
	collect(err)
	cfg.Client.MaxCacheEntries, err = getEnvInt("CACHE_MAX_ENTRIES", cfg.Client.MaxCacheEntries)
	collect(err)
	cfg.Client.Workers, err = getEnvInt("WORKERS", cfg.Client.Workers)
	collect(err)
	cfg.Client.RequestsPerMinute, err = getEnvInt("REQUESTS_PER_MINUTE", cfg.Client.RequestsPerMinute)
	collect(err)
	cfg.Client.Timeout, err = getEnvDuration("FETCH_TIMEOUT", cfg.Client.Timeout)
	collect(err)
	cfg.InboundRPS, err = getEnvFloat("INBOUND_RPS", 50)
	collect(err)
	cfg.InboundBurst, err = getEnvInt("INBOUND_BURST", 100)
	collect(err)
	cfg.LogPretty, err = getEnvBool("LOG_PRETTY", false)
	collect(err)

	return cfg, errors.Join(errs...)
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("3600").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
