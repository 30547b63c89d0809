// Package cache provides the openFDA response cache.
//
// Entries are raw upstream response bodies stamped with the time they arrived.
// An entry is served only while now - StoredAt < TTL; after that it behaves as
// absent. Error-shaped responses are never stored, so failures do not stick.
//
// Two backends implement Store:
//
//   - MemoryStore: in-process map with an LRU bound (MaxEntries), stale removal on
//     lookup and an optional janitor sweep.
//   - RedisStore: shared by all gateway replicas, expiry handled by Redis plus the
//     same StoredAt check on read.
//
// # Basic Usage
//
//	store := cache.NewMemoryStore(time.Hour, cache.WithMaxEntries(5000))
//	store.StartJanitor(ctx, time.Minute)
//
//	key := cache.Key{
//		Endpoint: "drug/event.json",
//		Params:   url.Values{"count": []string{"patient.patientsex"}},
//	}.String()
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream, then store.Set(ctx, key, body)
//	}
//
// # Metrics
//
//   - openfda_cache_hits_total{layer} - Fresh hits
//   - openfda_cache_misses_total{layer} - Misses, stale lookups included
//   - openfda_cache_evictions_total{layer,reason} - Expired or capacity evictions
//   - openfda_cache_entries{layer} - Physically present entries
//   - openfda_cache_errors_total{operation} - Backend errors
package cache
