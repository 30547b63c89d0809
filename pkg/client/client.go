// Package client provides the openFDA fetch gateway: a TTL response cache in
// front of a bounded worker pool and a sliding-window rate limiter.
package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/cache"
	"github.com/Sternrassler/openfda-client/pkg/logging"
	"github.com/Sternrassler/openfda-client/pkg/ratelimit"
	"github.com/Sternrassler/openfda-client/pkg/response"
	"github.com/Sternrassler/openfda-client/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for gateway fetches.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfda_fetch_total",
		Help: "Total gateway fetches by outcome (hit, miss, refresh, shared)",
	}, []string{"outcome"})

	fetchTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openfda_fetch_timeouts_total",
		Help: "Total fetches that gave up waiting for a worker reply",
	})
)

// MaxPageSize is the largest limit openFDA accepts on a search request.
const MaxPageSize = 1000

// lateStoreTimeout bounds caching a reply whose caller already gave up.
const lateStoreTimeout = 5 * time.Second

// Client is the openFDA fetch gateway.
type Client struct {
	cfg     Config
	store   cache.Store
	limiter ratelimit.Limiter
	pool    *worker.Pool
	group   singleflight.Group
	logger  zerolog.Logger

	stopJanitor context.CancelFunc
	closeOnce   sync.Once
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the openFDA API root
	BaseURL string

	// APIKey raises the upstream quota; optional
	APIKey string

	// UserAgent header sent upstream
	UserAgent string

	// Caching
	CacheTTL        time.Duration // How long a response is served from cache
	MaxCacheEntries int           // LRU bound of the in-memory cache

	// Concurrency
	Workers   int // Fixed worker count, bounds parallel upstream requests
	QueueSize int // Intake capacity

	// Rate limiting
	RequestsPerMinute int // Sliding-window quota, 0 disables throttling

	// Pagination
	PageSize int // Records per page for paged fetches

	// Timeout bounds how long a fetch waits for its reply
	Timeout time.Duration

	// Redis selects the shared cache and rate limit backends when set
	Redis *redis.Client

	// HTTPClient overrides the upstream HTTP client (for testing)
	HTTPClient *http.Client

	// Now stamps reply arrival times, which become cache StoredAt (for testing)
	Now func() time.Time
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.fda.gov/",
		UserAgent:         "openfda-client/1.0",
		CacheTTL:          time.Hour,
		MaxCacheEntries:   cache.DefaultMaxEntries,
		Workers:           worker.DefaultSize,
		QueueSize:         worker.DefaultQueueSize,
		RequestsPerMinute: 120,
		PageSize:          100,
		Timeout:           30 * time.Second,
	}
}

func (cfg Config) validate() error {
	if cfg.BaseURL == "" {
		return invalid("base_url", "is required")
	}
	if cfg.CacheTTL <= 0 {
		return invalid("cache_ttl", "must be positive (got %s)", cfg.CacheTTL)
	}
	if cfg.MaxCacheEntries < 0 {
		return invalid("max_cache_entries", "must be >= 0 (got %d)", cfg.MaxCacheEntries)
	}
	if cfg.Workers < 1 {
		return invalid("workers", "must be >= 1 (got %d)", cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return invalid("queue_size", "must be >= 0 (got %d)", cfg.QueueSize)
	}
	if cfg.RequestsPerMinute < 0 {
		return invalid("requests_per_minute", "must be >= 0 (got %d)", cfg.RequestsPerMinute)
	}
	if cfg.PageSize < 1 || cfg.PageSize > MaxPageSize {
		return invalid("page_size", "must be within 1..%d (got %d)", MaxPageSize, cfg.PageSize)
	}
	if cfg.Timeout <= 0 {
		return invalid("timeout", "must be positive (got %s)", cfg.Timeout)
	}
	return nil
}

// New creates a client and starts its workers. With cfg.Redis set, the cache
// and the rate limit window are shared through Redis; otherwise both live in
// process memory.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("openfda-client")

	var (
		store   cache.Store
		limiter ratelimit.Limiter
	)
	if cfg.Redis != nil {
		store = cache.NewRedisStore(cfg.Redis, cfg.CacheTTL)
		limiter = ratelimit.NewRedisWindow(cfg.Redis, cfg.RequestsPerMinute, ratelimit.WithLogger(logger))
	} else {
		store = cache.NewMemoryStore(cfg.CacheTTL, cache.WithMaxEntries(cfg.MaxCacheEntries))
		limiter = ratelimit.NewWindow(cfg.RequestsPerMinute, ratelimit.WithLogger(logger))
	}

	return newClient(cfg, store, limiter, logger)
}

// NewWithDeps creates a client around an explicit cache and limiter.
func NewWithDeps(cfg Config, store cache.Store, limiter ratelimit.Limiter) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, invalid("store", "is required")
	}
	if limiter == nil {
		return nil, invalid("limiter", "is required")
	}
	return newClient(cfg, store, limiter, logging.NewLogger("openfda-client"))
}

func newClient(cfg Config, store cache.Store, limiter ratelimit.Limiter, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:         cfg,
		store:       store,
		limiter:     limiter,
		logger:      logger,
		stopJanitor: func() {},
	}

	pool, err := worker.NewPool(worker.Config{
		Size:        cfg.Workers,
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		UserAgent:   cfg.UserAgent,
		QueueSize:   cfg.QueueSize,
		HTTPTimeout: cfg.Timeout,
		HTTPClient:  cfg.HTTPClient,
		Now:         cfg.Now,
		OnLateReply: c.cacheLate,
	}, limiter, logger.With().Str("subsystem", "worker").Logger())
	if err != nil {
		return nil, err
	}
	c.pool = pool

	if mem, ok := store.(*cache.MemoryStore); ok {
		ctx, cancel := context.WithCancel(context.Background())
		mem.StartJanitor(ctx, janitorInterval(cfg.CacheTTL))
		c.stopJanitor = cancel
	}

	pool.Start()

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Int("workers", cfg.Workers).
		Int("requests_per_minute", cfg.RequestsPerMinute).
		Dur("cache_ttl", cfg.CacheTTL).
		Bool("redis", cfg.Redis != nil).
		Msg("openFDA client ready")

	return c, nil
}

func janitorInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Fetch returns the result for endpoint and params, from cache when fresh.
// It never returns a Go error: failures come back as an error-shaped Result.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) response.Result {
	return c.fetch(ctx, endpoint, params, false)
}

// FetchFresh bypasses the cache lookup and overwrites the entry on success.
func (c *Client) FetchFresh(ctx context.Context, endpoint string, params url.Values) response.Result {
	return c.fetch(ctx, endpoint, params, true)
}

func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values, force bool) response.Result {
	key := cache.Key{Endpoint: endpoint, Params: params}.String()

	if force {
		fetchTotal.WithLabelValues("refresh").Inc()
	} else {
		if res, ok := c.cached(ctx, key); ok {
			fetchTotal.WithLabelValues("hit").Inc()
			return res
		}
		fetchTotal.WithLabelValues("miss").Inc()
	}

	// Identical keys in flight share one upstream request.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.dispatch(context.WithoutCancel(ctx), key, endpoint, params), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			fetchTotal.WithLabelValues("shared").Inc()
		}
		return r.Val.(response.Result)
	case <-ctx.Done():
		return response.Failure(response.ClassCanceled, 0, ctx.Err().Error())
	}
}

// cached returns a fresh cache hit. Store failures count as a miss.
func (c *Client) cached(ctx context.Context, key string) (response.Result, bool) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("cache_key", key).Msg("Cache get error")
		}
		return response.Result{}, false
	}

	res := response.Decode(entry.Data)
	if res.Failed() {
		c.logger.Warn().Str("cache_key", key).Msg("Dropping undecodable cache entry")
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("cache_key", key).Msg("Cache delete error")
		}
		return response.Result{}, false
	}

	c.logger.Debug().Str("cache_key", key).Msg("Cache hit")
	return res, true
}

// dispatch submits the task, waits for its reply within cfg.Timeout and
// caches successful bodies.
func (c *Client) dispatch(ctx context.Context, key, endpoint string, params url.Values) response.Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	task := worker.Task{Endpoint: endpoint, Params: cloneValues(params), Key: key}
	id, err := c.pool.Submit(ctx, task)
	if err != nil {
		if errors.Is(err, worker.ErrPoolClosed) {
			return response.Failure(response.ClassCanceled, 0, ErrClientClosed.Error())
		}
		return c.timedOut(key, "intake full")
	}

	// A reply arriving after the timeout goes to cacheLate, never to
	// another fetch.
	reply, err := c.pool.Await(ctx, id)
	if err != nil {
		return c.timedOut(key, "no reply")
	}

	if !reply.Result.Failed() {
		if err := c.store.SetAt(ctx, key, reply.Body, reply.ArrivedAt); err != nil {
			c.logger.Warn().Err(err).Str("cache_key", key).Msg("Failed to cache response")
		}
	}

	return reply.Result
}

// cacheLate stores a successful reply whose fetch already timed out, so a
// later identical fetch can be served from cache. Error replies are dropped.
func (c *Client) cacheLate(r worker.Reply) {
	if r.Result.Failed() {
		c.logger.Debug().
			Str("cache_key", r.Key).
			Str("error_class", string(r.Result.Error.Class)).
			Msg("Dropping late error reply")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lateStoreTimeout)
	defer cancel()
	if err := c.store.SetAt(ctx, r.Key, r.Body, r.ArrivedAt); err != nil {
		c.logger.Warn().Err(err).Str("cache_key", r.Key).Msg("Failed to cache late response")
		return
	}
	c.logger.Debug().Str("cache_key", r.Key).Msg("Cached late response")
}

func (c *Client) timedOut(key, stage string) response.Result {
	fetchTimeoutsTotal.Inc()
	c.logger.Warn().
		Str("cache_key", key).
		Str("stage", stage).
		Dur("timeout", c.cfg.Timeout).
		Msg("Timed out waiting for openFDA response")
	return response.Timeout("timeout waiting for response")
}

// ClearCache removes every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info().Msg("Cache cleared")
	return nil
}

// Stats is a snapshot of the gateway.
type Stats struct {
	Pool         worker.Stats     `json:"pool"`
	CacheEntries int              `json:"cache_entries"`
	RateLimit    *ratelimit.State `json:"rate_limit,omitempty"`
	SharedWindow int64            `json:"shared_window,omitempty"`
}

// Stats reports pool, cache and rate limit state.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Pool: c.pool.Stats()}

	switch l := c.limiter.(type) {
	case *ratelimit.Window:
		snap := l.Snapshot()
		st.RateLimit = &snap
	case *ratelimit.RedisWindow:
		n, err := l.InWindow(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to read shared rate limit window")
		}
		st.SharedWindow = n
	}

	n, err := c.store.Len(ctx)
	if err != nil {
		return st, err
	}
	st.CacheEntries = n
	return st, nil
}

// PageSize returns the configured records per page.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// Close stops the workers and the cache janitor. Pending fetches end with a
// timeout or canceled result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stopJanitor()
		c.pool.Close()
	})
	return nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
