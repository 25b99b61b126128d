// Package pipeline drives the per-id enrichment flow: fetch the primary
// record, resolve its references, normalize, persist. A failure for one id is
// logged and recorded and never stops the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/swapi-loader/pkg/logging"
	"github.com/Sternrassler/swapi-loader/pkg/record"
	"github.com/Sternrassler/swapi-loader/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	pipelineRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_pipeline_records_total",
		Help: "Records processed by final result (persisted, skipped, failed)",
	}, []string{"result"})

	pipelineStageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapi_pipeline_stage_failures_total",
		Help: "Per-id failures by pipeline stage",
	}, []string{"stage"})

	pipelineRecordDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swapi_pipeline_record_duration_seconds",
		Help:    "Time to take one id from fetch to persist",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// ErrInvalidRecord is returned for a primary record that cannot be stored.
var ErrInvalidRecord = errors.New("invalid record")

// PersonFetcher loads the primary record for an id.
type PersonFetcher interface {
	FetchPerson(ctx context.Context, id int) (record.PrimaryRecord, error)
}

// Resolver resolves every reference of a primary record.
type Resolver interface {
	Resolve(ctx context.Context, primary record.PrimaryRecord) (record.Resolved, error)
}

// Observer receives one Outcome per id, in ascending id order.
type Observer interface {
	OnOutcome(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

// OnOutcome calls f(o).
func (f ObserverFunc) OnOutcome(o Outcome) { f(o) }

// State is the position of one id in the pipeline.
type State int

const (
	StatePending State = iota
	StateFetched
	StateResolved
	StateNormalized
	StatePersisted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetched:
		return "fetched"
	case StateResolved:
		return "resolved"
	case StateNormalized:
		return "normalized"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage names used in logs and the stage failure metric.
const (
	StageFetch    = "fetch"
	StageValidate = "validate"
	StageResolve  = "resolve"
	StagePersist  = "persist"
	StageSchedule = "schedule"
)

// Outcome is the terminal result for one id.
type Outcome struct {
	ID       int
	State    State
	Inserted bool   // false for a persisted id that already existed
	Stage    string // failing stage, empty on success
	Err      error
	Duration time.Duration
}

// Range is the half-open id interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Validate rejects negative starts and inverted ranges.
func (r Range) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("range start must be >= 0, got %d", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("range end %d is before start %d", r.End, r.Start)
	}
	return nil
}

// Len is the number of ids in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Summary aggregates a Run.
type Summary struct {
	Total     int
	Persisted int // newly inserted
	Skipped   int // already present, insert was a no-op
	Failed    int
	Outcomes  []Outcome
	Duration  time.Duration
}

// Config holds pipeline configuration.
type Config struct {
	// Workers is the number of ids enriched concurrently.
	// Values <= 1 process ids strictly one after another.
	Workers int

	// Observer is notified of every outcome (optional)
	Observer Observer
}

// DefaultConfig returns the sequential configuration.
func DefaultConfig() Config {
	return Config{Workers: 1}
}

// Pipeline enriches and stores a range of ids.
type Pipeline struct {
	fetcher  PersonFetcher
	resolver Resolver
	store    store.Store
	config   Config
	logger   zerolog.Logger
}

// New creates a pipeline. The store must already have its schema.
func New(fetcher PersonFetcher, resolver Resolver, st store.Store, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		fetcher:  fetcher,
		resolver: resolver,
		store:    st,
		config:   cfg,
		logger:   logging.NewLogger("pipeline"),
	}
}

// Run processes every id in r and returns the per-id outcomes in ascending
// order. An invalid range yields an empty summary and an error log.
// Cancelling ctx stops new ids from starting; those are reported as failed.
func (p *Pipeline) Run(ctx context.Context, r Range) Summary {
	start := time.Now()

	if err := r.Validate(); err != nil {
		p.logger.Error().Err(err).Int("start", r.Start).Int("end", r.End).Msg("Invalid id range")
		return Summary{Duration: time.Since(start)}
	}

	p.logger.Info().
		Int("start", r.Start).
		Int("end", r.End).
		Int("workers", p.config.Workers).
		Msg("Starting enrichment run")

	var outcomes []Outcome
	if p.config.Workers > 1 && r.Len() > 1 {
		outcomes = p.runPool(ctx, r)
	} else {
		outcomes = p.runSequential(ctx, r)
	}

	summary := Summary{Total: len(outcomes), Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case o.State == StateFailed:
			summary.Failed++
		case o.Inserted:
			summary.Persisted++
		default:
			summary.Skipped++
		}
	}

	p.logger.Info().
		Int("total", summary.Total).
		Int("persisted", summary.Persisted).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Enrichment run complete")

	return summary
}

func (p *Pipeline) runSequential(ctx context.Context, r Range) []Outcome {
	outcomes := make([]Outcome, 0, r.Len())
	for id := r.Start; id < r.End; id++ {
		var o Outcome
		if err := ctx.Err(); err != nil {
			o = notStarted(id, err)
		} else {
			o = p.process(ctx, id)
		}
		p.report(o)
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// runPool fans ids out to a fixed set of workers. Each worker owns one id at a
// time and runs its stages in order; the collector reorders outcomes so the
// observer still sees ascending ids.
func (p *Pipeline) runPool(ctx context.Context, r Range) []Outcome {
	idQueue := make(chan int)
	results := make(chan Outcome, p.config.Workers)

	go func() {
		defer close(idQueue)
		for id := r.Start; id < r.End; id++ {
			select {
			case idQueue <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, idQueue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, r.Len())
	done := make([]bool, r.Len())
	next := 0
	for o := range results {
		slot := o.ID - r.Start
		outcomes[slot] = o
		done[slot] = true
		for next < len(done) && done[next] {
			p.report(outcomes[next])
			next++
		}
	}

	// Ids the producer never handed out.
	for ; next < len(done); next++ {
		if !done[next] {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			outcomes[next] = notStarted(r.Start+next, err)
		}
		p.report(outcomes[next])
	}

	return outcomes
}

func (p *Pipeline) worker(ctx context.Context, idQueue <-chan int, results chan<- Outcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for id := range idQueue {
		var o Outcome
		if err := ctx.Err(); err != nil {
			o = notStarted(id, err)
		} else {
			o = p.process(ctx, id)
			processed++
		}
		results <- o
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Int("records_processed", processed).
		Msg("Worker completed")
}

// process runs one id through every stage.
func (p *Pipeline) process(ctx context.Context, id int) Outcome {
	start := time.Now()
	o := Outcome{ID: id, State: StatePending}

	fail := func(stage string, err error) Outcome {
		o.State = StateFailed
		o.Stage = stage
		o.Err = err
		o.Duration = time.Since(start)
		return o
	}

	primary, err := p.fetcher.FetchPerson(ctx, id)
	if err != nil {
		return fail(StageFetch, err)
	}
	o.State = StateFetched

	if primary.ID < 0 || primary.ID != id {
		return fail(StageValidate, fmt.Errorf("%w: id %d decoded for requested id %d", ErrInvalidRecord, primary.ID, id))
	}

	resolved, err := p.resolver.Resolve(ctx, primary)
	if err != nil {
		return fail(StageResolve, err)
	}
	o.State = StateResolved

	flat := record.Normalize(primary, resolved)
	o.State = StateNormalized

	inserted, err := p.store.Upsert(ctx, flat)
	if err != nil {
		var perr *store.PersistenceError
		if !errors.As(err, &perr) {
			err = &store.PersistenceError{ID: id, Err: err}
		}
		return fail(StagePersist, err)
	}

	o.State = StatePersisted
	o.Inserted = inserted
	o.Duration = time.Since(start)
	return o
}

// report logs, counts and forwards one outcome.
func (p *Pipeline) report(o Outcome) {
	if o.State == StateFailed {
		pipelineRecordsTotal.WithLabelValues("failed").Inc()
		pipelineStageFailures.WithLabelValues(o.Stage).Inc()
		p.logger.Warn().
			Err(o.Err).
			Int("id", o.ID).
			Str("stage", o.Stage).
			Msg("Record failed")
	} else {
		pipelineRecordDuration.Observe(o.Duration.Seconds())
		if o.Inserted {
			pipelineRecordsTotal.WithLabelValues("persisted").Inc()
			p.logger.Info().Int("id", o.ID).Dur("duration", o.Duration).Msg("Record persisted")
		} else {
			pipelineRecordsTotal.WithLabelValues("skipped").Inc()
			p.logger.Debug().Int("id", o.ID).Msg("Record already stored")
		}
	}

	if p.config.Observer != nil {
		p.config.Observer.OnOutcome(o)
	}
}

func notStarted(id int, err error) Outcome {
	return Outcome{ID: id, State: StateFailed, Stage: StageSchedule, Err: err}
}
