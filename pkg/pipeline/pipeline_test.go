package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/swapi-loader/internal/testutil"
	"github.com/Sternrassler/swapi-loader/pkg/client"
	"github.com/Sternrassler/swapi-loader/pkg/record"
	"github.com/Sternrassler/swapi-loader/pkg/resolver"
	"github.com/Sternrassler/swapi-loader/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeople struct {
	records map[int]record.PrimaryRecord
	errs    map[int]error
	delay   time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakePeople(ids ...int) *fakePeople {
	f := &fakePeople{records: make(map[int]record.PrimaryRecord), errs: make(map[int]error)}
	for _, id := range ids {
		f.records[id] = record.PrimaryRecord{
			ID:         id,
			Attributes: map[string]string{"name": "person"},
			References: map[record.Category][]string{
				record.CategoryFilms: {"A New Hope"},
			},
		}
	}
	return f
}

func (f *fakePeople) FetchPerson(ctx context.Context, id int) (record.PrimaryRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return record.PrimaryRecord{}, ctx.Err()
		}
	}
	if err, ok := f.errs[id]; ok {
		return record.PrimaryRecord{}, err
	}
	rec, ok := f.records[id]
	if !ok {
		return record.PrimaryRecord{}, &client.NetworkError{URL: "people", StatusCode: 404, Class: client.ErrorClassClient}
	}
	return rec, nil
}

// echoResolver returns reference URLs as display names.
type echoResolver struct {
	errs map[int]error
}

func (r echoResolver) Resolve(_ context.Context, primary record.PrimaryRecord) (record.Resolved, error) {
	if err, ok := r.errs[primary.ID]; ok {
		return nil, err
	}
	out := make(record.Resolved)
	for c, urls := range primary.References {
		out[c] = append([]string(nil), urls...)
	}
	return out, nil
}

// flakyStore fails writes for selected ids.
type flakyStore struct {
	store.Store
	failOn map[int]error
}

func (s flakyStore) Upsert(ctx context.Context, rec record.FlatRecord) (bool, error) {
	if err, ok := s.failOn[rec.ID]; ok {
		return false, err
	}
	return s.Store.Upsert(ctx, rec)
}

type recordingObserver struct {
	mu  sync.Mutex
	ids []int
}

func (o *recordingObserver) OnOutcome(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, out.ID)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       Range
		wantErr bool
	}{
		{name: "default range", r: Range{Start: 1, End: 100}},
		{name: "empty range", r: Range{Start: 5, End: 5}},
		{name: "negative start", r: Range{Start: -1, End: 3}, wantErr: true},
		{name: "inverted", r: Range{Start: 10, End: 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRun_LukeEndToEnd(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()

	urlA := mock.SetResource("films", 1, map[string]any{"title": "A New Hope"})
	urlB := mock.SetResource("films", 2, map[string]any{"title": "Empire"})
	urlC := mock.SetResource("starships", 12, map[string]any{"name": "X-wing"})
	urlD := mock.SetResource("vehicles", 14, map[string]any{"model": "t-47 airspeeder"})
	urlE := mock.SetResource("vehicles", 30, map[string]any{"name": "Snowspeeder"})
	mock.SetPerson(1, map[string]any{
		"name":       "Luke Skywalker",
		"height":     "172",
		"mass":       "77",
		"hair_color": "blond",
		"films":      []string{urlA, urlB},
		"species":    []string{},
		"starships":  []string{urlC},
		"vehicles":   []string{urlD, urlE},
	})

	c, err := client.New(client.Config{BaseURL: mock.BaseURL(), UserAgent: "test"})
	require.NoError(t, err)
	defer c.Close()

	st := newTestStore(t)
	p := New(c, resolver.New(c, resolver.DefaultConfig()), st, DefaultConfig())

	summary := p.Run(context.Background(), Range{Start: 1, End: 2})
	require.Equal(t, 1, summary.Persisted, "outcomes: %+v", summary.Outcomes)

	got, err := st.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Luke Skywalker", got.Attributes["name"])
	assert.Equal(t, "blond", got.Attributes["hair_color"])
	require.NotNil(t, got.Films)
	assert.Equal(t, "A New Hope, Empire", *got.Films)
	assert.Nil(t, got.Species)
	require.NotNil(t, got.Starships)
	assert.Equal(t, "X-wing", *got.Starships)
	require.NotNil(t, got.Vehicles)
	assert.Equal(t, "Snowspeeder", *got.Vehicles)
}

func TestRun_Idempotent(t *testing.T) {
	people := newFakePeople(1, 2, 3, 4)
	st := newTestStore(t)
	p := New(people, echoResolver{}, st, DefaultConfig())
	ctx := context.Background()

	first := p.Run(ctx, Range{Start: 1, End: 5})
	assert.Equal(t, 4, first.Persisted)
	assert.Zero(t, first.Skipped)

	before := make(map[int]record.FlatRecord)
	for id := 1; id <= 4; id++ {
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		before[id] = rec
	}

	// A rerun with changed upstream data must not overwrite.
	people.records[2] = record.PrimaryRecord{ID: 2, Attributes: map[string]string{"name": "changed"}}
	second := p.Run(ctx, Range{Start: 1, End: 5})
	assert.Zero(t, second.Persisted)
	assert.Equal(t, 4, second.Skipped)
	assert.Zero(t, second.Failed)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for id, want := range before {
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	people := newFakePeople(1, 2, 3, 4, 5)
	people.errs[4] = &client.DecodeError{URL: "people/4", Err: client.ErrNotObject}

	resolveErr := &resolver.ResolutionError{ID: 2, Category: record.CategoryFilms, URL: "films/9", Err: errors.New("boom")}
	persistErr := errors.New("disk full")

	st := flakyStore{Store: newTestStore(t), failOn: map[int]error{5: persistErr}}
	p := New(people, echoResolver{errs: map[int]error{2: resolveErr}}, st, DefaultConfig())

	summary := p.Run(context.Background(), Range{Start: 1, End: 7})
	require.Len(t, summary.Outcomes, 6)
	assert.Equal(t, 2, summary.Persisted)
	assert.Equal(t, 4, summary.Failed)

	wantState := []State{StatePersisted, StateFailed, StatePersisted, StateFailed, StateFailed, StateFailed}
	wantStage := []string{"", StageResolve, "", StageFetch, StagePersist, StageFetch}
	for i, o := range summary.Outcomes {
		assert.Equal(t, i+1, o.ID)
		assert.Equal(t, wantState[i], o.State, "id %d", o.ID)
		assert.Equal(t, wantStage[i], o.Stage, "id %d", o.ID)
	}

	assert.ErrorIs(t, summary.Outcomes[1].Err, resolveErr)
	assert.ErrorIs(t, summary.Outcomes[3].Err, client.ErrNotObject)

	var perr *store.PersistenceError
	require.ErrorAs(t, summary.Outcomes[4].Err, &perr)
	assert.Equal(t, 5, perr.ID)
	assert.ErrorIs(t, summary.Outcomes[4].Err, persistErr)

	for _, id := range []int{1, 3} {
		_, err := st.Get(context.Background(), id)
		assert.NoError(t, err, "id %d should be persisted", id)
	}
	for _, id := range []int{2, 4, 5, 6} {
		_, err := st.Get(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrNotFound, "id %d", id)
	}
}

func TestRun_RejectsInvalidRecord(t *testing.T) {
	people := newFakePeople(1)
	people.records[2] = record.PrimaryRecord{ID: -2}

	p := New(people, echoResolver{}, newTestStore(t), DefaultConfig())
	summary := p.Run(context.Background(), Range{Start: 1, End: 3})

	assert.Equal(t, StatePersisted, summary.Outcomes[0].State)
	assert.Equal(t, StateFailed, summary.Outcomes[1].State)
	assert.Equal(t, StageValidate, summary.Outcomes[1].Stage)
	assert.ErrorIs(t, summary.Outcomes[1].Err, ErrInvalidRecord)
}

func TestRun_InvalidRange(t *testing.T) {
	people := newFakePeople(1)
	p := New(people, echoResolver{}, newTestStore(t), DefaultConfig())

	summary := p.Run(context.Background(), Range{Start: -3, End: 2})
	assert.Zero(t, summary.Total)
	assert.Empty(t, summary.Outcomes)
}

func TestRun_SequentialByDefault(t *testing.T) {
	people := newFakePeople(1, 2, 3, 4, 5, 6)
	people.delay = 5 * time.Millisecond
	obs := &recordingObserver{}

	p := New(people, echoResolver{}, newTestStore(t), Config{Observer: obs})
	summary := p.Run(context.Background(), Range{Start: 1, End: 7})

	assert.Equal(t, 6, summary.Persisted)
	assert.EqualValues(t, 1, people.maxInFlight.Load())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, obs.ids)
}

func TestRun_WorkerPool(t *testing.T) {
	ids := make([]int, 0, 20)
	for id := 1; id <= 20; id++ {
		ids = append(ids, id)
	}
	people := newFakePeople(ids...)
	people.delay = 10 * time.Millisecond
	people.errs[7] = errors.New("upstream down")
	obs := &recordingObserver{}

	st := newTestStore(t)
	p := New(people, echoResolver{}, st, Config{Workers: 4, Observer: obs})
	summary := p.Run(context.Background(), Range{Start: 1, End: 21})

	assert.Equal(t, 20, summary.Total)
	assert.Equal(t, 19, summary.Persisted)
	assert.Equal(t, 1, summary.Failed)
	assert.Greater(t, people.maxInFlight.Load(), int64(1))
	assert.LessOrEqual(t, people.maxInFlight.Load(), int64(4))

	assert.Equal(t, ids, obs.ids, "observer must see ascending ids")
	for i, o := range summary.Outcomes {
		assert.Equal(t, i+1, o.ID)
	}
	assert.Equal(t, StateFailed, summary.Outcomes[6].State)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19, n)
}

func TestRun_Cancellation(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(map[int]string{1: "sequential", 3: "pool"}[workers], func(t *testing.T) {
			people := newFakePeople(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
			people.delay = 5 * time.Millisecond

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			obs := ObserverFunc(func(o Outcome) {
				if o.ID == 2 {
					cancel()
				}
			})

			p := New(people, echoResolver{}, newTestStore(t), Config{Workers: workers, Observer: obs})
			summary := p.Run(ctx, Range{Start: 1, End: 11})

			require.Len(t, summary.Outcomes, 10)
			assert.Equal(t, StatePersisted, summary.Outcomes[0].State)
			assert.Equal(t, StateFailed, summary.Outcomes[9].State)
			assert.ErrorIs(t, summary.Outcomes[9].Err, context.Canceled)
			assert.Equal(t, summary.Total, summary.Persisted+summary.Skipped+summary.Failed)
			assert.Less(t, summary.Persisted, 10)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "persisted", StatePersisted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
