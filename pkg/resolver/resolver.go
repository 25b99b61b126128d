package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/swapi-loader/pkg/client"
	"github.com/Sternrassler/swapi-loader/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	referenceFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_reference_fetches_total",
		Help: "Reference fetches by category and result",
	}, []string{"category", "result"})

	droppedReferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_references_dropped_total",
		Help: "Resolved references without a display field, by category",
	}, []string{"category"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swapi_resolve_duration_seconds",
		Help:    "Duration of resolving all references of one record",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// Config holds resolver configuration.
type Config struct {
	// MaxConcurrency caps parallel fetches per record. 0 means no cap:
	// the batch is bounded only by the record's reference count.
	MaxConcurrency int
}

// DefaultConfig returns the default configuration (no concurrency cap).
func DefaultConfig() Config {
	return Config{}
}

// Resolver fans out reference fetches for one record at a time.
type Resolver struct {
	fetcher client.Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a resolver using fetcher for every reference.
func New(fetcher client.Fetcher, cfg Config) *Resolver {
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}
	return &Resolver{
		fetcher: fetcher,
		config:  cfg,
		logger:  log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve fetches every reference of primary and returns the display names per
// category, in original list order. Every category is present in the result.
func (r *Resolver) Resolve(ctx context.Context, primary record.PrimaryRecord) (record.Resolved, error) {
	start := time.Now()
	defer func() {
		resolveDuration.Observe(time.Since(start).Seconds())
	}()

	g, gctx := errgroup.WithContext(ctx)
	if r.config.MaxConcurrency > 0 {
		g.SetLimit(r.config.MaxConcurrency)
	}

	slots := make(map[record.Category][]record.Object, len(record.Categories))
	submitted := 0
	for _, category := range record.Categories {
		urls := filterURLs(primary.References[category])
		results := make([]record.Object, len(urls))
		slots[category] = results

		for i, url := range urls {
			submitted++
			g.Go(func() error {
				obj, err := r.fetcher.Fetch(gctx, url)
				if err != nil {
					referenceFetchesTotal.WithLabelValues(string(category), "error").Inc()
					return &ResolutionError{ID: primary.ID, Category: category, URL: url, Err: err}
				}
				referenceFetchesTotal.WithLabelValues(string(category), "ok").Inc()
				results[i] = obj
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		r.logger.Debug().
			Err(err).
			Int("id", primary.ID).
			Int("references", submitted).
			Msg("Reference resolution failed")
		return nil, err
	}

	resolved := make(record.Resolved, len(record.Categories))
	for _, category := range record.Categories {
		resolved[category] = displayNames(category, slots[category])
	}

	r.logger.Debug().
		Int("id", primary.ID).
		Int("references", submitted).
		Dur("duration", time.Since(start)).
		Msg("References resolved")

	return resolved, nil
}

// displayNames extracts the display field of each object, dropping objects
// that lack it.
func displayNames(category record.Category, objects []record.Object) []string {
	field := category.DisplayField()
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		name, ok := obj.String(field)
		if !ok {
			droppedReferencesTotal.WithLabelValues(string(category)).Inc()
			continue
		}
		names = append(names, name)
	}
	return names
}

// filterURLs drops blank entries from a reference list.
func filterURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ResolutionError reports the first failed reference fetch of a record.
type ResolutionError struct {
	ID       int
	Category record.Category
	URL      string
	Err      error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s reference of record %d (%s): %v", e.Category, e.ID, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}
