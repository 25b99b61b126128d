package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "swapi"

// CacheKey identifies a cached resource by its absolute URL.
type CacheKey struct {
	URL string
}

// String generates a deterministic cache key string.
// Scheme and host are lower-cased, trailing slashes dropped and query
// parameters sorted, so equivalent URLs share one entry.
//
// Example:
//
//	swapi:https://swapi.dev/api/films/1
func (k CacheKey) String() string {
	u, err := url.Parse(strings.TrimSpace(k.URL))
	if err != nil || u.Host == "" {
		return KeyPrefix + ":" + strings.TrimRight(strings.TrimSpace(k.URL), "/")
	}

	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteString(":")
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(strings.TrimRight(u.Path, "/"))

	query := u.Query()
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for key := range query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for i, key := range keys {
			if i == 0 {
				b.WriteString("?")
			} else {
				b.WriteString("&")
			}
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(query.Get(key))
		}
	}

	return b.String()
}
