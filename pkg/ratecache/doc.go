// Package ratecache caches jurisdiction tax rates in a key/value store.
//
// Keys have the form rate:{STATE}:{county}:{city}:{zip}. The Service is the
// only writer of those keys: it fetches on miss with single-flight
// coalescing, never returns a record past its expiration date, supports
// pattern and jurisdiction invalidation, curated warmup and preloading of
// frequently looked up rates. A cache store outage degrades lookups to
// upstream pass-through instead of failing them.
//
// Two stores are provided: ValkeyStore for production and MemoryStore for
// development and tests.
package ratecache
