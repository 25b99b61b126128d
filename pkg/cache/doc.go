// Package cache provides a Redis-backed response cache for SWAPI resources.
//
// Reference resources (films, species, starships, vehicles) are shared by many
// characters, so a single run requests the same URL many times. The cache keeps
// the last response body per URL together with its validators:
//
// - Fresh entries (before Expires) are served without a request
// - Stale entries with an ETag or Last-Modified are revalidated with a
//   conditional request (If-None-Match / If-Modified-Since)
// - A 304 Not Modified response extends the entry and reuses the cached body
// - Entries stay in Redis for Expires + StaleWindow, then Redis evicts them
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, cache.DefaultStaleWindow)
//
//	key := cache.CacheKey{URL: "https://swapi.dev/api/films/1/"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream
//	}
//
// # Metrics
//
//   - swapi_cache_hits_total{state="fresh|stale"} - Cache hits
//   - swapi_cache_misses_total - Cache misses
//   - swapi_304_responses_total - Successful revalidations
//   - swapi_cache_errors_total{operation} - Cache operation errors
//
// The cache is optional. Without it every resource is fetched fresh per run.
package cache
