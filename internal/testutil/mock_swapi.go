// Package testutil provides testing utilities for the SWAPI loader.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock SWAPI endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSWAPI is a configurable mock SWAPI server for testing.
type MockSWAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	conditionalCount  int
	inFlight          int
	maxInFlight       int
	lastRequestHeader http.Header
}

// NewMockSWAPI creates a new mock SWAPI server. Unknown paths answer 404.
func NewMockSWAPI() *MockSWAPI {
	mock := &MockSWAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		mock.inFlight++
		if mock.inFlight > mock.maxInFlight {
			mock.maxInFlight = mock.inFlight
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

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "Not found"}`))
	}))

	return mock
}

// URL returns the mock server root URL.
func (m *MockSWAPI) URL() string {
	return m.server.URL
}

// BaseURL returns the API root to configure the client with.
func (m *MockSWAPI) BaseURL() string {
	return m.server.URL + "/api"
}

// ResourcePath returns the path of a resource, e.g. /api/films/1/.
func ResourcePath(kind string, id int) string {
	return fmt.Sprintf("/api/%s/%d/", kind, id)
}

// ResourceURL returns the absolute URL of a resource on the mock server.
func (m *MockSWAPI) ResourceURL(kind string, id int) string {
	return m.server.URL + ResourcePath(kind, id)
}

// Close shuts down the mock server.
func (m *MockSWAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSWAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.maxInFlight = 0
	m.pathCounts = make(map[string]int)
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSWAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockSWAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetResource serves obj as JSON at the resource path and returns its URL.
func (m *MockSWAPI) SetResource(kind string, id int, obj map[string]any) string {
	m.SetResponse(ResourcePath(kind, id), NewJSONResponse(obj))
	return m.ResourceURL(kind, id)
}

// SetDelayedResource is SetResource with a response delay.
func (m *MockSWAPI) SetDelayedResource(kind string, id int, obj map[string]any, delay time.Duration) string {
	resp := NewJSONResponse(obj)
	resp.Delay = delay
	m.SetResponse(ResourcePath(kind, id), resp)
	return m.ResourceURL(kind, id)
}

// SetPerson serves a people resource. Reference lists are passed as URL slices.
func (m *MockSWAPI) SetPerson(id int, person map[string]any) string {
	return m.SetResource("people", id, person)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSWAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to one path.
func (m *MockSWAPI) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockSWAPI) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// GetMaxInFlight returns the highest number of concurrently served requests.
func (m *MockSWAPI) GetMaxInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxInFlight
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockSWAPI) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// NewJSONResponse creates a 200 OK response with obj encoded as JSON.
func NewJSONResponse(obj map[string]any) MockResponse {
	body, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal mock body: %v", err))
	}
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"detail": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewHTMLResponse creates a 200 OK response whose body is not JSON.
func NewHTMLResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       "<html><body>maintenance</body></html>",
		Headers: map[string]string{
			"Content-Type": "text/html",
		},
	}
}

// NewConditionalHandler creates a handler that responds with 304 when the
// request carries a matching If-None-Match.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Header.Get("If-None-Match") == etag {
			w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Expires", time.Now().Add(-time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
