package ratecache

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Stats is a read-only snapshot of cache activity.
type Stats struct {
	Hits                 int64      `json:"hits"`
	Misses               int64      `json:"misses"`
	HitRate              float64    `json:"hitRate"`
	DegradedReads        int64      `json:"degradedReads"`
	UpstreamFetches      int64      `json:"upstreamFetches"`
	UpstreamErrors       int64      `json:"upstreamErrors"`
	Invalidated          int64      `json:"invalidated"`
	SupersededFetches    int64      `json:"supersededFetches"`
	Keys                 int64      `json:"keys"`
	TrackedJurisdictions int        `json:"trackedJurisdictions"`
	StoreAvailable       bool       `json:"storeAvailable"`
	LastWarmup           *time.Time `json:"lastWarmup,omitempty"`
}

// ExpiringEntry is a cached rate close to its expiration date or TTL.
type ExpiringEntry struct {
	Key            string        `json:"key"`
	ExpirationDate *time.Time    `json:"expirationDate,omitempty"`
	TTL            time.Duration `json:"ttl"`
}

// GetCacheStats returns counters and the current key count. A store outage
// is reported in the snapshot, not as an error.
func (s *Service) GetCacheStats(ctx context.Context) *Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := &Stats{
		Hits:              hits,
		Misses:            misses,
		DegradedReads:     s.degraded.Load(),
		UpstreamFetches:   s.fetches.Load(),
		UpstreamErrors:    s.fetchErrors.Load(),
		Invalidated:       s.invalidations.Load(),
		SupersededFetches: s.stale.Load(),
		LastWarmup:        s.lastWarmup.Load(),
		StoreAvailable:    true,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}

	s.mu.Lock()
	st.TrackedJurisdictions = len(s.accesses)
	s.mu.Unlock()

	size, err := s.GetCacheSize(ctx)
	if err != nil {
		st.StoreAvailable = false
		st.Keys = -1
	} else {
		st.Keys = size
	}
	return st
}

// GetCacheSize returns the number of rate keys in the store.
func (s *Service) GetCacheSize(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	keys, err := s.store.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// GetExpiringSoon lists entries whose rate expiration date or store TTL falls
// within the window, soonest first.
func (s *Service) GetExpiringSoon(ctx context.Context, within time.Duration) ([]ExpiringEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	keys, err := s.store.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	now := s.now()
	deadline := now.Add(within)

	var out []ExpiringEntry
	for _, key := range keys {
		raw, found, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		ttl, err := s.store.TTL(ctx, key)
		if err != nil {
			return nil, err
		}

		byDate := entry.Record.ExpirationDate != nil && !entry.Record.ExpirationDate.After(deadline)
		byTTL := ttl >= 0 && ttl <= within
		if byDate || byTTL {
			out = append(out, ExpiringEntry{Key: key, ExpirationDate: entry.Record.ExpirationDate, TTL: ttl})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].remaining(now) < out[j].remaining(now) })
	return out, nil
}

func (e ExpiringEntry) remaining(now time.Time) time.Duration {
	r := e.TTL
	if e.ExpirationDate != nil {
		if d := e.ExpirationDate.Sub(now); r < 0 || d < r {
			r = d
		}
	}
	return r
}
