package ratecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultWarmupJurisdictions is the curated set of high-traffic jurisdictions.
func DefaultWarmupJurisdictions() []Jurisdiction {
	return []Jurisdiction{
		{State: "CA", County: "los angeles", City: "los angeles", Zip: "90001"},
		{State: "CA", County: "san francisco", City: "san francisco", Zip: "94103"},
		{State: "CA", County: "san diego", City: "san diego", Zip: "92101"},
		{State: "NY", County: "new york", City: "new york", Zip: "10001"},
		{State: "TX", County: "harris", City: "houston", Zip: "77002"},
		{State: "TX", County: "travis", City: "austin", Zip: "78701"},
		{State: "FL", County: "miami-dade", City: "miami", Zip: "33101"},
		{State: "IL", County: "cook", City: "chicago", Zip: "60601"},
		{State: "WA", County: "king", City: "seattle", Zip: "98101"},
		{State: "AZ", County: "maricopa", City: "phoenix", Zip: "85001"},
	}
}

// WarmupResult summarizes a warmup or preload run.
type WarmupResult struct {
	Requested int           `json:"requested"`
	Populated int           `json:"populated"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// WarmupCache fetches and caches the curated jurisdictions. Running it again
// refreshes the same keys and never adds duplicates.
func (s *Service) WarmupCache(ctx context.Context) (*WarmupResult, error) {
	res, err := s.populate(ctx, s.warmupList)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.lastWarmup.Store(&now)
	s.logger.Infow("cache warmup finished", "populated", res.Populated, "failed", res.Failed, "duration", res.Duration)
	return res, nil
}

// PreloadFrequentlyAccessedRates refreshes the limit most frequently looked up
// jurisdictions, as tracked by Lookup.
func (s *Service) PreloadFrequentlyAccessedRates(ctx context.Context, limit int) (*WarmupResult, error) {
	top := s.FrequentJurisdictions(limit)
	res, err := s.populate(ctx, top)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("frequent rates preloaded", "populated", res.Populated, "failed", res.Failed)
	return res, nil
}

// FrequentJurisdictions returns up to limit jurisdictions ordered by lookup
// count, most frequent first.
func (s *Service) FrequentJurisdictions(limit int) []Jurisdiction {
	s.mu.Lock()
	counts := make([]accessCount, 0, len(s.accesses))
	for _, a := range s.accesses {
		counts = append(counts, *a)
	}
	s.mu.Unlock()

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].last.After(counts[j].last)
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	out := make([]Jurisdiction, len(counts))
	for i, c := range counts {
		out[i] = c.jurisdiction
	}
	return out
}

func (s *Service) populate(ctx context.Context, list []Jurisdiction) (*WarmupResult, error) {
	start := time.Now()
	res := &WarmupResult{Requested: len(list)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmupWorkers)

	for _, j := range list {
		g.Go(func() error {
			n, err := j.Normalize()
			if err == nil {
				key, _ := n.Key()
				epoch := s.epoch.Load()
				var rec *RateRecord
				rec, err = s.fetch(gctx, n)
				if err == nil {
					err = s.writeIfCurrent(gctx, key, rec, epoch)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err.Error())
				return nil
			}
			res.Populated++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}
