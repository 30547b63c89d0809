package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/client"
	"github.com/Sternrassler/openfda-client/pkg/metrics"
	"github.com/Sternrassler/openfda-client/pkg/openfda"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultCountLimit = 100
	defaultMaxRecords = 100
	maxRecordsCap     = 5000
)

type server struct {
	gw     *client.Client
	svc    *openfda.Service
	redis  *redis.Client
	logger zerolog.Logger
}

func newServer(gw *client.Client, redisClient *redis.Client, logger zerolog.Logger) *server {
	return &server{
		gw:     gw,
		svc:    openfda.NewService(gw, gw.PageSize(), logger),
		redis:  redisClient,
		logger: logger,
	}
}

// routes builds the HTTP surface. inbound may be nil to disable throttling.
func (s *server) routes(inbound *rate.Limiter) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /fda/", s.handleFetch)
	api.HandleFunc("GET /count", s.handleCount)
	api.HandleFunc("GET /records", s.handleRecords)
	api.HandleFunc("POST /cache/clear", s.handleClearCache)
	api.HandleFunc("GET /status", s.handleStatus)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", throttle(inbound, api))

	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleFetch proxies /fda/<endpoint>?<params> through the gateway for known
// openFDA endpoints. refresh=1 bypasses the cache.
func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := knownEndpoint(w, strings.TrimPrefix(r.URL.Path, "/fda/"))
	if !ok {
		return
	}

	params := r.URL.Query()
	refresh, _ := strconv.ParseBool(params.Get("refresh"))
	params.Del("refresh")
	params.Del("api_key")

	fetch := s.gw.Fetch
	if refresh {
		fetch = s.gw.FetchFresh
	}
	res := fetch(r.Context(), endpoint, params)

	status := http.StatusOK
	if res.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint, ok := knownEndpoint(w, q.Get("endpoint"))
	if !ok {
		return
	}
	field := q.Get("field")
	if field == "" {
		http.Error(w, "field is required", http.StatusBadRequest)
		return
	}
	limit, ok := intParam(w, q.Get("limit"), defaultCountLimit, client.MaxPageSize)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, s.svc.CountBy(r.Context(), endpoint, field, q.Get("search"), limit))
}

func (s *server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint, ok := knownEndpoint(w, q.Get("endpoint"))
	if !ok {
		return
	}
	maxRecords, ok := intParam(w, q.Get("max"), defaultMaxRecords, maxRecordsCap)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, s.svc.Sample(r.Context(), endpoint, q.Get("search"), maxRecords))
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.ClearCache(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Cache clear failed")
		http.Error(w, "cache clear failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.Stats(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stats unavailable")
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// throttle rejects requests beyond the inbound token bucket with 429.
func throttle(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func knownEndpoint(w http.ResponseWriter, endpoint string) (string, bool) {
	endpoint = strings.Trim(endpoint, "/")
	if endpoint == "" {
		http.Error(w, "endpoint is required", http.StatusBadRequest)
		return "", false
	}
	if !openfda.IsKnownEndpoint(endpoint) {
		http.Error(w, fmt.Sprintf("unknown endpoint %q", endpoint), http.StatusBadRequest)
		return "", false
	}
	return endpoint, true
}

func intParam(w http.ResponseWriter, raw string, def, upper int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > upper {
		http.Error(w, fmt.Sprintf("expected an integer within 1..%d, got %q", upper, raw), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
