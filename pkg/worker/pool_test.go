package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/openfda-client/internal/testutil"
	"github.com/Sternrassler/openfda-client/pkg/ratelimit"
	"github.com/Sternrassler/openfda-client/pkg/response"
	"github.com/rs/zerolog"
)

type countingLimiter struct {
	calls atomic.Int64
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestPool(t *testing.T, cfg Config, limiter ratelimit.Limiter) *Pool {
	t.Helper()
	if limiter == nil {
		limiter = ratelimit.NewWindow(0)
	}
	p, err := NewPool(cfg, limiter, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func fetchOne(t *testing.T, p *Pool, task Task) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := p.Submit(ctx, task)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	r, err := p.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	return r
}

func TestNewPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		limiter ratelimit.Limiter
		wantErr bool
	}{
		{"valid", Config{BaseURL: "https://api.fda.gov/"}, ratelimit.NewWindow(1), false},
		{"no trailing slash", Config{BaseURL: "https://api.fda.gov"}, ratelimit.NewWindow(1), false},
		{"relative base url", Config{BaseURL: "api.fda.gov"}, ratelimit.NewWindow(1), true},
		{"empty base url", Config{}, ratelimit.NewWindow(1), true},
		{"nil limiter", Config{BaseURL: "https://api.fda.gov/"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPool(tt.cfg, tt.limiter, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPool() error = %v, wantErr %v", err, tt.wantErr)
			}
			if p != nil {
				p.Close()
			}
		})
	}
}

func TestNewPool_Defaults(t *testing.T) {
	p, err := NewPool(Config{BaseURL: "https://api.fda.gov"}, ratelimit.NewWindow(1), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer p.Close()

	if p.cfg.Size != DefaultSize {
		t.Errorf("Size = %d, want %d", p.cfg.Size, DefaultSize)
	}
	if cap(p.intake) != DefaultQueueSize {
		t.Errorf("intake capacity = %d, want %d", cap(p.intake), DefaultQueueSize)
	}
	if p.base.String() != "https://api.fda.gov/" {
		t.Errorf("base = %q, want trailing slash", p.base.String())
	}
}

func TestPool_FetchSuccess(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()
	mock.SetResponse("drug/event.json", testutil.NewCountResponse(map[string]int{"1": 30, "2": 20}))

	limiter := &countingLimiter{}
	p := newTestPool(t, Config{
		BaseURL:   mock.URL(),
		APIKey:    "secret-key",
		UserAgent: "openfda-test/1.0",
	}, limiter)

	r := fetchOne(t, p, Task{
		Endpoint: "drug/event.json",
		Params:   url.Values{"count": {"patient.patientsex"}},
		Key:      "k1",
	})

	if r.Result.Failed() {
		t.Fatalf("Result failed: %v", r.Result.Error)
	}
	if len(r.Result.Results) != 2 {
		t.Errorf("got %d results, want 2", len(r.Result.Results))
	}
	if len(r.Body) == 0 {
		t.Error("Body is empty on success")
	}
	if r.ArrivedAt.IsZero() {
		t.Error("ArrivedAt not stamped")
	}

	q := mock.LastQuery()
	if q.Get("api_key") != "secret-key" || q.Get("count") != "patient.patientsex" {
		t.Errorf("upstream query = %v", q)
	}
	if ua := mock.LastHeader().Get("User-Agent"); ua != "openfda-test/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if limiter.calls.Load() != 1 {
		t.Errorf("limiter called %d times, want 1", limiter.calls.Load())
	}
}

func TestPool_DoesNotMutateTaskParams(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()

	p := newTestPool(t, Config{BaseURL: mock.URL(), APIKey: "k"}, nil)
	params := url.Values{"search": {"x"}}
	fetchOne(t, p, Task{Endpoint: "drug/event.json", Params: params, Key: "k"})

	if params.Has("api_key") {
		t.Error("api_key leaked into caller params")
	}
}

func TestPool_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		resp       testutil.MockFDAResponse
		wantClass  response.Class
		wantStatus int
		wantMsg    string
	}{
		{"server error", testutil.NewServerErrorResponse(), response.ClassServer, 500, "SERVER_ERROR"},
		{"not found", testutil.NewNotFoundResponse(), response.ClassClient, 404, "No matches found!"},
		{"rate limited", testutil.NewRateLimitResponse(), response.ClassRateLimit, 429, "OVER_RATE_LIMIT"},
		{"bad gateway without body", testutil.MockFDAResponse{StatusCode: 502}, response.ClassServer, 502, "Bad Gateway"},
		{"invalid json", testutil.MockFDAResponse{StatusCode: 200, Body: "<html>"}, response.ClassDecode, 0, "decode"},
		{"error in 200 body", testutil.MockFDAResponse{StatusCode: 200, Body: `{"error":{"code":"BAD","message":"nope"}}`}, response.ClassSemantic, 0, "BAD: nope"},
		{"missing results", testutil.MockFDAResponse{StatusCode: 200, Body: `{"meta":{}}`}, response.ClassSemantic, 0, "no results"},
	}

	mock := testutil.NewMockFDA()
	defer mock.Close()
	p := newTestPool(t, Config{BaseURL: mock.URL()}, nil)

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := fmt.Sprintf("case%d.json", i)
			mock.SetResponse(endpoint, tt.resp)

			r := fetchOne(t, p, Task{Endpoint: endpoint, Key: endpoint})
			if !r.Result.Failed() {
				t.Fatalf("Result did not fail: %+v", r.Result)
			}
			e := r.Result.Error
			if e.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", e.Class, tt.wantClass)
			}
			if e.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", e.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(e.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", e.Message, tt.wantMsg)
			}
			if r.Body != nil {
				t.Error("Body set on a failed reply")
			}
		})
	}
}

func TestPool_NetworkErrorHidesAPIKey(t *testing.T) {
	mock := testutil.NewMockFDA()
	base := mock.URL()
	mock.Close()

	p := newTestPool(t, Config{BaseURL: base, APIKey: "super-secret"}, nil)
	r := fetchOne(t, p, Task{Endpoint: "drug/event.json", Key: "k"})

	if !r.Result.Failed() || r.Result.Error.Class != response.ClassNetwork {
		t.Fatalf("Result = %+v, want network error", r.Result)
	}
	if strings.Contains(r.Result.Error.Message, "super-secret") {
		t.Errorf("error message leaks the API key: %q", r.Result.Error.Message)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const (
		size  = 3
		tasks = 12
	)
	mock := testutil.NewMockFDA()
	defer mock.Close()
	mock.SetResponse("drug/event.json", testutil.MockFDAResponse{
		StatusCode: 200,
		Body:       `{"results":[]}`,
		Delay:      30 * time.Millisecond,
	})

	p := newTestPool(t, Config{BaseURL: mock.URL(), Size: size}, nil)
	p.Start() // second Start must not add workers

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		key := fmt.Sprintf("key-%d", i)
		id, err := p.Submit(ctx, Task{Endpoint: "drug/event.json", Params: url.Values{"skip": {fmt.Sprint(i)}}, Key: key})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := p.Await(ctx, id)
			if err != nil {
				t.Errorf("Await(%s) error = %v", key, err)
				return
			}
			if r.Result.Failed() {
				t.Errorf("Await(%s) result failed: %v", key, r.Result.Error)
			}
		}()
	}
	wg.Wait()

	if got := mock.MaxConcurrency(); got > size {
		t.Errorf("max upstream concurrency = %d, want <= %d", got, size)
	}
	if got := mock.RequestCount(); got != tasks {
		t.Errorf("upstream requests = %d, want %d", got, tasks)
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	var calls atomic.Int64
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return &http.Response{
			StatusCode: 200,
			Body:       http.NoBody,
			Header:     http.Header{},
			Request:    r,
		}, nil
	})

	p := newTestPool(t, Config{
		BaseURL:    "https://api.fda.gov/",
		Size:       1,
		HTTPClient: &http.Client{Transport: transport},
	}, nil)

	r := fetchOne(t, p, Task{Endpoint: "drug/event.json", Key: "first"})
	if !r.Result.Failed() || r.Result.Error.Class != response.ClassInternal {
		t.Fatalf("first Result = %+v, want internal error", r.Result)
	}

	// The single worker survived and serves the next task.
	r = fetchOne(t, p, Task{Endpoint: "drug/event.json", Key: "second"})
	if r.Result.Failed() && r.Result.Error.Class == response.ClassInternal {
		t.Fatalf("second Result = %+v, worker did not recover", r.Result)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p, err := NewPool(Config{BaseURL: "https://api.fda.gov/"}, ratelimit.NewWindow(0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	p.Start()
	p.Close()
	p.Close()

	_, err = p.Submit(context.Background(), Task{Endpoint: "drug/event.json"})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() error = %v, want ErrPoolClosed", err)
	}
}

func TestPool_CloseAbandonsInFlight(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()
	gate := testutil.NewGate()
	defer gate.Open()
	mock.SetHandler("drug/event.json", gate.Handler(testutil.NewSearchResponse(1, `{}`)))

	p, err := NewPool(Config{BaseURL: mock.URL(), Size: 1}, ratelimit.NewWindow(0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	p.Start()

	ctx := context.Background()
	p.Submit(ctx, Task{Endpoint: "drug/event.json", Key: "blocked"})
	p.Submit(ctx, Task{Endpoint: "drug/event.json", Key: "queued"})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return while a request was blocked upstream")
	}
}

func TestPool_Stats(t *testing.T) {
	p, err := NewPool(Config{BaseURL: "https://api.fda.gov/", Size: 4, QueueSize: 8}, ratelimit.NewWindow(0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer p.Close()

	// Not started: tasks stay queued.
	ctx := context.Background()
	p.Submit(ctx, Task{Endpoint: "a.json", Key: "a"})
	p.Submit(ctx, Task{Endpoint: "b.json", Key: "b"})

	st := p.Stats()
	if st.Workers != 4 || st.Queued != 2 || st.InFlight != 0 || st.Unclaimed != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPool_SubmitDefaultsKey(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()
	p := newTestPool(t, Config{BaseURL: mock.URL()}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := p.Submit(ctx, Task{Endpoint: "/drug/label.json", Params: url.Values{"limit": {"1"}}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id == "" {
		t.Fatal("Submit() returned an empty ID")
	}
	r, err := p.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if r.ID != id || r.Key != "drug/label.json?limit=1" {
		t.Errorf("Reply ID/Key = %q/%q", r.ID, r.Key)
	}
}

func TestPool_SubmitAssignsUniqueIDs(t *testing.T) {
	p, err := NewPool(Config{BaseURL: "https://api.fda.gov/"}, ratelimit.NewWindow(0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	a, _ := p.Submit(ctx, Task{Endpoint: "drug/event.json", Key: "same"})
	b, _ := p.Submit(ctx, Task{Endpoint: "drug/event.json", Key: "same"})
	if a == "" || a == b {
		t.Errorf("Submit() IDs = %q, %q, want distinct", a, b)
	}
}

func TestPool_LateReplyRoutedToHandler(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()
	mock.SetResponse("drug/event.json", testutil.MockFDAResponse{
		StatusCode: 200,
		Body:       `{"results":[{"term":"1","count":2}]}`,
		Delay:      100 * time.Millisecond,
	})

	late := make(chan Reply, 1)
	p := newTestPool(t, Config{
		BaseURL:     mock.URL(),
		Size:        1,
		OnLateReply: func(r Reply) { late <- r },
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	id, err := p.Submit(ctx, Task{Endpoint: "drug/event.json", Key: "k"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := p.Await(ctx, id); err == nil {
		t.Fatal("Await() succeeded before the slow reply arrived")
	}

	select {
	case r := <-late:
		if r.ID != id || r.Key != "k" || r.Result.Failed() || len(r.Body) == 0 {
			t.Errorf("late reply = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late reply never reached the handler")
	}
	if got := p.Stats().Unclaimed; got != 0 {
		t.Errorf("Unclaimed = %d, want 0", got)
	}
}

func TestPool_KeepsPlusSeparators(t *testing.T) {
	mock := testutil.NewMockFDA()
	defer mock.Close()
	p := newTestPool(t, Config{BaseURL: mock.URL()}, nil)

	fetchOne(t, p, Task{
		Endpoint: "drug/event.json",
		Params:   url.Values{"search": {"receivedate:[20200101+TO+20201231]"}},
		Key:      "k",
	})

	// '+' reaches openFDA unescaped and decodes as the space separator.
	if got := mock.LastQuery().Get("search"); got != "receivedate:[20200101 TO 20201231]" {
		t.Errorf("upstream search = %q", got)
	}
}
