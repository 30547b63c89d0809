// Package testutil provides a mock openFDA server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MockFDAResponse defines the behavior for a mock openFDA endpoint response.
type MockFDAResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockFDA is a configurable mock openFDA server.
type MockFDA struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount   int
	pathCounts     map[string]int
	lastQuery      url.Values
	lastHeader     http.Header
	inFlight       int
	maxConcurrency int
}

// NewMockFDA creates and starts a mock openFDA server.
func NewMockFDA() *MockFDA {
	mock := &MockFDA{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastQuery = r.URL.Query()
		mock.lastHeader = r.Header.Clone()
		mock.inFlight++
		if mock.inFlight > mock.maxConcurrency {
			mock.maxConcurrency = mock.inFlight
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL with a trailing slash, usable as a base URL.
func (m *MockFDA) URL() string {
	return m.server.URL + "/"
}

// Close shuts down the mock server.
func (m *MockFDA) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockFDA) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastQuery = nil
	m.lastHeader = nil
	m.maxConcurrency = 0
}

// SetHandler sets a custom handler for an endpoint such as "drug/event.json".
func (m *MockFDA) SetHandler(endpoint string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers["/"+endpoint] = handler
}

// SetResponse configures a fixed response for an endpoint.
func (m *MockFDA) SetResponse(endpoint string, resp MockFDAResponse) {
	m.SetHandler(endpoint, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		writeResponse(w, resp)
	})
}

// RequestCount returns the number of requests served.
func (m *MockFDA) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// EndpointCount returns the number of requests for one endpoint.
func (m *MockFDA) EndpointCount(endpoint string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts["/"+endpoint]
}

// MaxConcurrency returns the highest number of requests handled at once.
func (m *MockFDA) MaxConcurrency() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxConcurrency
}

// LastQuery returns the query of the most recent request.
func (m *MockFDA) LastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockFDA) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// defaultHandler answers count queries with a fixed table and everything else
// with a single record.
func (m *MockFDA) defaultHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("count") != "" {
		writeResponse(w, NewCountResponse(map[string]int{"1": 10, "2": 5}))
		return
	}
	writeResponse(w, NewSearchResponse(1, `{"id":"default"}`))
}

func writeResponse(w http.ResponseWriter, resp MockFDAResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewCountResponse creates a count-mode response. Terms are sorted by count, descending.
func NewCountResponse(counts map[string]int) MockFDAResponse {
	type termCount struct {
		Term  string `json:"term"`
		Count int    `json:"count"`
	}
	results := make([]termCount, 0, len(counts))
	for term, count := range counts {
		results = append(results, termCount{Term: term, Count: count})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Term < results[j].Term
	})

	body, _ := json.Marshal(map[string]any{"results": results})
	return MockFDAResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewSearchResponse creates a search-mode response with a meta block.
func NewSearchResponse(total int, records ...string) MockFDAResponse {
	raw := make([]json.RawMessage, len(records))
	for i, rec := range records {
		raw[i] = json.RawMessage(rec)
	}
	body, _ := json.Marshal(map[string]any{
		"meta": map[string]any{
			"results": map[string]int{"skip": 0, "limit": len(records), "total": total},
		},
		"results": raw,
	})
	return MockFDAResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewServerErrorResponse creates a 500 response in the openFDA error format.
func NewServerErrorResponse() MockFDAResponse {
	return MockFDAResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"code":"SERVER_ERROR","message":"Check your request and try again"}}`,
	}
}

// NewNotFoundResponse creates the 404 openFDA returns when nothing matches.
func NewNotFoundResponse() MockFDAResponse {
	return MockFDAResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error":{"code":"NOT_FOUND","message":"No matches found!"}}`,
	}
}

// NewRateLimitResponse creates a 429 response.
func NewRateLimitResponse() MockFDAResponse {
	return MockFDAResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":"OVER_RATE_LIMIT","message":"API rate limit exceeded"}}`,
	}
}

// NewPagedHandler serves total synthetic records honoring limit and skip.
// Each record is {"n": <index>}.
func NewPagedHandler(total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		skip, _ := strconv.Atoi(q.Get("skip"))
		if limit <= 0 {
			limit = 1
		}

		records := make([]string, 0, limit)
		for i := skip; i < total && i < skip+limit; i++ {
			records = append(records, fmt.Sprintf(`{"n":%d}`, i))
		}
		if len(records) == 0 {
			writeResponse(w, NewNotFoundResponse())
			return
		}
		writeResponse(w, NewSearchResponse(total, records...))
	}
}

// Gate blocks handlers until it is opened.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases every blocked and future request.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Handler waits for the gate (or the client going away), then writes resp.
func (g *Gate) Handler(resp MockFDAResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-g.ch:
		case <-r.Context().Done():
			return
		}
		writeResponse(w, resp)
	}
}
