// Package client provides the SWAPI HTTP fetcher: one GET per call, JSON
// decoding into dynamic objects, typed errors and optional response caching.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/swapi-loader/pkg/cache"
	"github.com/Sternrassler/swapi-loader/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for SWAPI client operations.
var (
	swapiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_requests_total",
		Help: "Total SWAPI fetches by resource and status",
	}, []string{"resource", "status"})

	swapiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swapi_request_duration_seconds",
		Help:    "SWAPI fetch duration in seconds by resource",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"resource"})

	swapiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_errors_total",
		Help: "Total SWAPI fetch errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the public SWAPI root.
const DefaultBaseURL = "https://swapi.dev/api"

// Fetcher performs a single GET and decodes the JSON object it returns.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (record.Object, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://swapi.dev/api"
	BaseURL string

	// UserAgent header sent with every request (required)
	UserAgent string

	// Timeout bounds one request including reading the body
	Timeout time.Duration

	// Cache enables revalidating response caching when non-nil
	Cache *cache.Manager
}

// DefaultConfig returns a default configuration without caching.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Client is the SWAPI fetcher.
type Client struct {
	httpClient *http.Client
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates a new SWAPI client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cfg.Cache,
		config: cfg,
		logger: log.With().Str("component", "swapi-client").Logger(),
	}, nil
}

// PersonURL returns the canonical URL of the people resource with the given id.
func (c *Client) PersonURL(id int) string {
	return c.config.BaseURL + "/people/" + strconv.Itoa(id) + "/"
}

// FetchPerson fetches the people resource with the given id.
func (c *Client) FetchPerson(ctx context.Context, id int) (record.PrimaryRecord, error) {
	obj, err := c.Fetch(ctx, c.PersonURL(id))
	if err != nil {
		return record.PrimaryRecord{}, err
	}
	return record.FromObject(id, obj)
}

// Fetch performs one GET against rawURL and decodes the JSON object body.
// Failures are returned as *NetworkError or *DecodeError; nothing is retried.
func (c *Client) Fetch(ctx context.Context, rawURL string) (record.Object, error) {
	resource := resourceOf(rawURL)

	startTime := time.Now()
	defer func() {
		swapiRequestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Cache
	var cacheKey cache.CacheKey
	var cachedEntry *cache.CacheEntry
	if c.cache != nil {
		cacheKey = cache.CacheKey{URL: rawURL}
		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("Cache get error")
		}
		if entry != nil && !entry.IsExpired() {
			if obj, err := decodeObject(entry.Data); err == nil {
				swapiRequestsTotal.WithLabelValues(resource, "cache").Inc()
				c.logger.Debug().Str("url", rawURL).Msg("Served from cache")
				return obj, nil
			}
			_ = c.cache.Delete(ctx, cacheKey)
			entry = nil
		}
		cachedEntry = entry
	}

	// Step 2: Build request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Class: ErrorClassNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	if cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
	}

	c.logger.Debug().Str("url", rawURL).Msg("Fetching SWAPI resource")

	// Step 3: Execute
	resp, err := c.httpClient.Do(req)
	if err != nil {
		swapiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		swapiRequestsTotal.WithLabelValues(resource, "network_error").Inc()
		return nil, &NetworkError{URL: rawURL, Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	swapiRequestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	// Step 4: 304 Not Modified reuses the cached body
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		cache.NotModifiedResponses.Inc()
		if err := c.cache.UpdateTTL(ctx, cacheKey, cache.ParseExpires(resp.Header)); err != nil {
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to update cache TTL")
		}
		obj, err := decodeObject(cachedEntry.Data)
		if err != nil {
			swapiErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
			return nil, &DecodeError{URL: rawURL, Err: err}
		}
		return obj, nil
	}

	// Step 5: HTTP errors
	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		swapiErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("SWAPI request error")
		return nil, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode, Class: class}
	}

	// Step 6: Read and decode
	var entry *cache.CacheEntry
	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err = cache.ResponseToEntry(resp)
		if err != nil {
			swapiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, &NetworkError{URL: rawURL, Class: ErrorClassNetwork, Err: err}
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		swapiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &NetworkError{URL: rawURL, Class: ErrorClassNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	obj, err := decodeObject(body)
	if err != nil {
		swapiErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, &DecodeError{URL: rawURL, Err: err}
	}

	// Step 7: Update cache
	if entry != nil {
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to cache response")
		}
	}

	return obj, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func decodeObject(data []byte) (record.Object, error) {
	var obj record.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

// resourceOf extracts the resource collection name used as a metric label,
// e.g. "people" for https://swapi.dev/api/people/1/.
func resourceOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segments {
		if _, err := strconv.Atoi(s); err == nil && i > 0 {
			return segments[i-1]
		}
	}
	if len(segments) > 0 && segments[len(segments)-1] != "" {
		return segments[len(segments)-1]
	}
	return "unknown"
}
