package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/swapi-loader/internal/config"
	"github.com/Sternrassler/swapi-loader/internal/testutil"
	"github.com/Sternrassler/swapi-loader/pkg/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMock(mock *testutil.MockSWAPI) {
	film := mock.SetResource("films", 1, map[string]any{"title": "A New Hope"})
	ship := mock.SetResource("starships", 12, map[string]any{"name": "X-wing"})
	droid := mock.SetResource("species", 2, map[string]any{"name": "Droid"})

	mock.SetPerson(1, map[string]any{
		"name":      "Luke Skywalker",
		"films":     []string{film},
		"starships": []string{ship},
	})
	mock.SetPerson(2, map[string]any{
		"name":    "C-3PO",
		"films":   []string{film},
		"species": []string{droid},
	})
	// id 3 is unknown upstream and answers 404.
}

func testConfig(t *testing.T, mock *testutil.MockSWAPI) *config.Config {
	t.Helper()
	return &config.Config{
		BaseURL:          mock.BaseURL(),
		UserAgent:        "swapi-loader-test/1.0",
		HTTPTimeout:      5 * time.Second,
		StartID:          1,
		Count:            3,
		Workers:          1,
		DatabaseType:     store.DriverSQLite,
		DatabasePath:     filepath.Join(t.TempDir(), "starwars.db"),
		CacheStaleWindow: time.Hour,
		LogLevel:         "info",
	}
}

func TestRun_LoadsRange(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()
	seedMock(mock)

	cfg := testConfig(t, mock)
	summary, err := run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Persisted)
	assert.Equal(t, 1, summary.Failed)

	st, err := store.OpenSQLite(cfg.DatabasePath)
	require.NoError(t, err)
	defer st.Close()

	threepio, err := st.Get(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, threepio.Species)
	assert.Equal(t, "Droid", *threepio.Species)
	assert.Nil(t, threepio.Starships)
}

func TestRun_RerunIsNoOp(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()
	seedMock(mock)

	cfg := testConfig(t, mock)
	_, err := run(context.Background(), cfg)
	require.NoError(t, err)

	summary, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, summary.Persisted)
	assert.Equal(t, 2, summary.Skipped)
}

func TestRun_WithRedisCache(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()
	seedMock(mock)

	mr := miniredis.RunT(t)
	cfg := testConfig(t, mock)
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.Workers = 2

	summary, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Persisted)
	assert.NotEmpty(t, mr.Keys(), "responses should be cached")
}

func TestRun_UnreachableRedisRunsUncached(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()
	seedMock(mock)

	cfg := testConfig(t, mock)
	cfg.RedisURL = "127.0.0.1:1"

	summary, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Persisted)
}

func TestRun_StoreFailureAborts(t *testing.T) {
	mock := testutil.NewMockSWAPI()
	defer mock.Close()
	seedMock(mock)

	cfg := testConfig(t, mock)
	cfg.DatabaseType = "oracle"

	_, err := run(context.Background(), cfg)
	require.Error(t, err)
	assert.Zero(t, mock.GetRequestCount(), "no id may be processed before the store is ready")
}

func TestNewRedisClient(t *testing.T) {
	c, err := newRedisClient("redis://localhost:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", c.Options().Addr)
	assert.Equal(t, 2, c.Options().DB)
	c.Close()

	c, err = newRedisClient("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", c.Options().Addr)
	c.Close()

	_, err = newRedisClient("redis://localhost:6379/notadb")
	assert.Error(t, err)
}
