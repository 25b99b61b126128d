// Package metrics provides the Prometheus registry and /metrics endpoint for
// the loader. All metrics are defined in their respective packages (client,
// cache, resolver, pipeline) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the loader.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing /metrics and /health on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the metrics server until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string) error {
	srv := NewServer(addr)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - swapi_requests_total{resource, status} (Counter): Fetches by resource and HTTP status ("cache" when served from cache)
//   - swapi_request_duration_seconds{resource} (Histogram): Fetch duration by resource
//   - swapi_errors_total{class} (Counter): Errors by class (client, server, network, decode)
//
// Cache Metrics (pkg/cache):
//   - swapi_cache_hits_total{state} (Counter): Cache hits, fresh or stale
//   - swapi_cache_misses_total (Counter): Cache misses
//   - swapi_304_responses_total (Counter): 304 Not Modified responses
//   - swapi_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//   - swapi_cache_errors_total{operation} (Counter): Cache operation errors
//
// Resolver Metrics (pkg/resolver):
//   - swapi_reference_fetches_total{category, result} (Counter): Reference fetches by category and result
//   - swapi_references_dropped_total{category} (Counter): Resolved references lacking a display field
//   - swapi_resolve_duration_seconds (Histogram): Time to resolve all references of one record
//
// Pipeline Metrics (pkg/pipeline):
//   - swapi_pipeline_records_total{result} (Counter): Ids by result (persisted, skipped, failed)
//   - swapi_pipeline_stage_failures_total{stage} (Counter): Failed ids by stage
//   - swapi_pipeline_record_duration_seconds (Histogram): Fetch-to-persist time per id
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(swapi_cache_hits_total[5m])) /
//   (sum(rate(swapi_cache_hits_total[5m])) + sum(rate(swapi_cache_misses_total[5m])))
//
//   # Failed ids per stage
//   sum by (stage) (swapi_pipeline_stage_failures_total)
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(swapi_request_duration_seconds_bucket[5m]))
//
//   # 304 Response Rate
//   rate(swapi_304_responses_total[5m]) / rate(swapi_requests_total[5m])
