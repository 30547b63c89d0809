// Package worker runs the fixed-size pool that performs every upstream openFDA call.
//
// Callers never talk to the API directly. They Submit a Task to the intake queue
// and Await the Reply carrying the task's ID on the shared Outtake. Size goroutines live for the
// pool's lifetime, so at most Size requests are in flight at once, and each one
// passes through the rate limiter before it is sent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/ratelimit"
	"github.com/Sternrassler/openfda-client/pkg/response"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Defaults applied to zero Config fields.
const (
	DefaultSize            = 5
	DefaultQueueSize       = 64
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultMaxBodyBytes    = 32 << 20
	DefaultResultRetention = 2 * time.Minute
)

// ErrPoolClosed is returned by Submit once Close has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfda_requests_total",
		Help: "Total upstream openFDA requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openfda_request_duration_seconds",
		Help:    "Upstream openFDA request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfda_errors_total",
		Help: "Total failed upstream fetches by error class",
	}, []string{"class"})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openfda_workers_busy",
		Help: "Number of workers currently processing a task",
	})

	unclaimedReplies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openfda_outtake_unclaimed",
		Help: "Number of replies waiting in the outtake",
	})

	repliesReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openfda_outtake_reaped_total",
		Help: "Total replies dropped because nobody claimed them in time",
	})

	lateRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openfda_outtake_late_total",
		Help: "Total replies that arrived after their caller stopped waiting",
	})
)

// Config holds the pool configuration.
type Config struct {
	// Size is the fixed number of workers (default 5)
	Size int

	// BaseURL is the openFDA API root, e.g. "https://api.fda.gov/"
	BaseURL string

	// APIKey is sent as the api_key query parameter when set
	APIKey string

	// UserAgent header sent with every request
	UserAgent string

	// QueueSize is the intake capacity; Submit blocks when it is full
	QueueSize int

	// HTTPTimeout bounds a single upstream request
	HTTPTimeout time.Duration

	// MaxBodyBytes caps how much of a response body is read
	MaxBodyBytes int64

	// ResultRetention is how long an unclaimed reply stays in the outtake
	ResultRetention time.Duration

	// OnLateReply receives, on the worker goroutine, each reply whose caller
	// stopped waiting before it arrived. Such replies are never handed to
	// another caller.
	OnLateReply func(Reply)

	// Now stamps Reply.ArrivedAt (default time.Now)
	Now func() time.Time

	// HTTPClient overrides the default client (for testing)
	HTTPClient *http.Client
}

// Task is one upstream request waiting in the intake queue.
type Task struct {
	ID       string // unique per submission; assigned by Submit when empty
	Endpoint string
	Params   url.Values
	Key      string
}

// Reply is the outcome of a Task, matched to its caller by ID.
type Reply struct {
	ID        string
	Key       string
	Result    response.Result
	Body      []byte // raw body, set only when Result did not fail
	ArrivedAt time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int `json:"workers"`
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Unclaimed int `json:"unclaimed"`
}

// Pool is a fixed set of workers draining one intake queue.
type Pool struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     zerolog.Logger

	intake   chan Task
	outtake  *Outtake
	inFlight atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewPool creates a pool. Workers do not run until Start is called.
func NewPool(cfg Config, limiter ratelimit.Limiter, logger zerolog.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = DefaultResultRetention
	}

	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	outtake := NewOuttake(cfg.ResultRetention)
	outtake.late = cfg.OnLateReply
	if cfg.Now != nil {
		outtake.now = cfg.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:        cfg,
		base:       base,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		intake:     make(chan Task, cfg.QueueSize),
		outtake:    outtake,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		if p.ctx.Err() != nil {
			return
		}
		for i := 0; i < p.cfg.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
		p.logger.Info().Int("workers", p.cfg.Size).Msg("Worker pool started")
	})
}

// Submit queues a task, blocking while the intake is full, and returns the
// ID to Await.
func (p *Pool) Submit(ctx context.Context, t Task) (string, error) {
	if p.ctx.Err() != nil {
		return "", ErrPoolClosed
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Key == "" {
		t.Key = strings.Trim(t.Endpoint, "/") + "?" + t.Params.Encode()
	}

	select {
	case p.intake <- t:
		return t.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.ctx.Done():
		return "", ErrPoolClosed
	}
}

// Await waits on the shared outtake for the reply to task id. If ctx ends
// first, the reply is routed to Config.OnLateReply when it arrives.
func (p *Pool) Await(ctx context.Context, id string) (Reply, error) {
	return p.outtake.Take(ctx, id)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Size,
		Queued:    len(p.intake),
		InFlight:  int(p.inFlight.Load()),
		Unclaimed: p.outtake.Len(),
	}
}

// Close stops the workers without draining. Queued tasks are abandoned and
// in-flight requests are cancelled. Close waits for every worker to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.logger.Info().
			Int("abandoned", len(p.intake)).
			Msg("Worker pool stopped")
	})
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.intake:
			r := p.process(id, t)
			r.ID, r.Key = t.ID, t.Key
			p.outtake.Put(r)
		}
	}
}

// process turns one task into a reply. Panics become error replies so the
// worker keeps serving.
func (p *Pool) process(id int, t Task) (reply Reply) {
	p.inFlight.Add(1)
	workersBusy.Inc()
	defer func() {
		p.inFlight.Add(-1)
		workersBusy.Dec()
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", id).
				Str("endpoint", t.Endpoint).
				Interface("panic", r).
				Msg("Recovered panic while fetching")
			errorsTotal.WithLabelValues(string(response.ClassInternal)).Inc()
			reply = Reply{
				Key:    t.Key,
				Result: response.Failure(response.ClassInternal, 0, fmt.Sprintf("worker panic: %v", r)),
			}
		}
	}()

	if err := p.limiter.Wait(p.ctx); err != nil {
		return Reply{Key: t.Key, Result: response.Failure(response.ClassCanceled, 0, "pool shutting down")}
	}

	res, body := p.fetch(id, t)
	reply = Reply{Key: t.Key, Result: res}
	if !res.Failed() {
		reply.Body = body
	}
	return reply
}

// fetch performs the GET and classifies the outcome.
func (p *Pool) fetch(id int, t Task) (response.Result, []byte) {
	endpoint := strings.Trim(t.Endpoint, "/")
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	target := p.base.ResolveReference(&url.URL{Path: endpoint})
	query := url.Values{}
	for k, vs := range t.Params {
		query[k] = append([]string(nil), vs...)
	}
	if p.cfg.APIKey != "" {
		query.Set("api_key", p.cfg.APIKey)
	}
	// openFDA query syntax uses '+' as the term separator, e.g. [20200101+TO+20201231].
	target.RawQuery = strings.ReplaceAll(query.Encode(), "%2B", "+")

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return p.fail(id, endpoint, "invalid", response.Failure(response.ClassClient, 0, fmt.Sprintf("build request: %v", unwrapURLError(err)))), nil
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	p.logger.Debug().
		Int("worker_id", id).
		Str("endpoint", endpoint).
		Str("cache_key", t.Key).
		Msg("Executing openFDA request")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if p.ctx.Err() != nil {
			return p.fail(id, endpoint, "canceled", response.Failure(response.ClassCanceled, 0, "pool shutting down")), nil
		}
		// url.Error carries the full URL, api_key included.
		msg := fmt.Sprintf("request failed: %v", unwrapURLError(err))
		return p.fail(id, endpoint, "network_error", response.Failure(response.ClassNetwork, 0, msg)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		msg := fmt.Sprintf("read response body: %v", unwrapURLError(err))
		return p.fail(id, endpoint, "network_error", response.Failure(response.ClassNetwork, resp.StatusCode, msg)), nil
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		msg := fmt.Sprintf("response body exceeds %d bytes", p.cfg.MaxBodyBytes)
		return p.fail(id, endpoint, strconv.Itoa(resp.StatusCode), response.Failure(response.ClassDecode, resp.StatusCode, msg)), nil
	}

	status := strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := response.BodyError(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return p.fail(id, endpoint, status, response.Failure(classifyStatus(resp.StatusCode), resp.StatusCode, msg)), nil
	}

	res := response.Decode(body)
	if res.Failed() {
		return p.fail(id, endpoint, status, res), nil
	}

	requestsTotal.WithLabelValues(endpoint, status).Inc()
	p.logger.Debug().
		Int("worker_id", id).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Int("results", len(res.Results)).
		Dur("duration", time.Since(start)).
		Msg("openFDA request complete")

	return res, body
}

func (p *Pool) fail(id int, endpoint, status string, res response.Result) response.Result {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
	errorsTotal.WithLabelValues(string(res.Error.Class)).Inc()

	p.logger.Warn().
		Int("worker_id", id).
		Str("endpoint", endpoint).
		Int("status", res.Error.StatusCode).
		Str("error_class", string(res.Error.Class)).
		Str("error", res.Error.Message).
		Msg("openFDA request error")

	return res
}

// classifyStatus maps a non-2xx status to an error class.
func classifyStatus(code int) response.Class {
	switch {
	case code == http.StatusTooManyRequests:
		return response.ClassRateLimit
	case code >= 500:
		return response.ClassServer
	default:
		return response.ClassClient
	}
}

// unwrapURLError strips the request URL from transport errors.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
