// Package ratelimit throttles outbound openFDA requests with a sliding window.
//
// A Window admits at most Limit requests within any trailing window (one minute
// by default). Callers over the quota are delayed, never rejected: Wait only
// returns an error when its context ends, which happens at shutdown.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultWindow is the rolling window openFDA quotas are expressed in.
const DefaultWindow = time.Minute

// Prometheus metrics for rate limiting.
var (
	rateLimitAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfda_rate_limit_admitted_total",
		Help: "Total number of requests admitted by the rate limiter",
	}, []string{"backend"})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfda_rate_limit_waits_total",
		Help: "Total number of requests delayed because the window was full",
	}, []string{"backend"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openfda_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for a rate limit slot",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"backend"})
)

// Limiter delays callers so the upstream quota is respected.
type Limiter interface {
	Wait(ctx context.Context) error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// State is a point-in-time view of a Window.
type State struct {
	Limit    int           `json:"limit"`
	InWindow int           `json:"in_window"`
	Window   time.Duration `json:"window"`
	OldestAt time.Time     `json:"oldest_at,omitempty"`
}

// Window is an in-process sliding-window limiter.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time // admission timestamps, oldest first
	now    func() time.Time
	sleep  SleepFunc
	logger zerolog.Logger

	onAdmit func(time.Time) // test seam, called under mu
}

// Option configures a Window or RedisWindow.
type Option func(*options)

type options struct {
	window time.Duration
	now    func() time.Time
	sleep  SleepFunc
	logger zerolog.Logger
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock replaces time.Now and the sleep function, for tests.
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for wait events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		window: DefaultWindow,
		now:    time.Now,
		sleep:  sleepContext,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewWindow creates a limiter admitting requestsPerMinute calls per window.
// A non-positive limit disables throttling.
func NewWindow(requestsPerMinute int, opts ...Option) *Window {
	o := buildOptions(opts)
	return &Window{
		limit:  requestsPerMinute,
		window: o.window,
		now:    o.now,
		sleep:  o.sleep,
		logger: o.logger,
	}
}

// Wait blocks until a slot is free in the trailing window, then records the admission.
// The lock is held across prune, check, sleep, re-check and append so two callers
// can never both take the last slot.
func (w *Window) Wait(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := w.now()
		w.prune(now)

		if len(w.times) < w.limit {
			w.times = append(w.times, now)
			if w.onAdmit != nil {
				w.onAdmit(now)
			}
			rateLimitAdmittedTotal.WithLabelValues("memory").Inc()
			if waited > 0 {
				rateLimitWaitsTotal.WithLabelValues("memory").Inc()
				rateLimitWaitSeconds.WithLabelValues("memory").Observe(waited.Seconds())
			}
			return nil
		}

		wait := w.window - now.Sub(w.times[0])
		if wait <= 0 {
			continue
		}

		w.logger.Info().
			Dur("wait", wait).
			Int("limit", w.limit).
			Msg("Rate limit reached, waiting for a slot")

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// Snapshot returns the current window state.
func (w *Window) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	st := State{Limit: w.limit, InWindow: len(w.times), Window: w.window}
	if len(w.times) > 0 {
		st.OldestAt = w.times[0]
	}
	return st
}

// prune drops timestamps with now - t >= window. Must be called with mu held.
func (w *Window) prune(now time.Time) {
	i := 0
	for i < len(w.times) && now.Sub(w.times[i]) >= w.window {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
