package ratecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// fakeFetcher returns a fixed rate per state and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	rates   map[string]float64
	expires map[string]time.Time
	fail    map[string]error
	calls   atomic.Int32
	perKey  map[string]int

	// When gate is set every fetch blocks until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		rates:   map[string]float64{"CA": 7.25, "TX": 6.25, "NY": 4.0},
		expires: map[string]time.Time{},
		fail:    map[string]error{},
		perKey:  map[string]int{},
	}
}

func (f *fakeFetcher) FetchRate(ctx context.Context, j Jurisdiction) (*RateRecord, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.perKey[j.String()]++
	if err := f.fail[j.State]; err != nil {
		return nil, err
	}
	rate, ok := f.rates[j.State]
	if !ok {
		return nil, errors.Newf("no rate for %s", j.State)
	}
	rec := &RateRecord{BaseRate: rate, Source: "fake", EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if exp, ok := f.expires[j.State]; ok {
		e := exp
		rec.ExpirationDate = &e
	}
	return rec, nil
}

func (f *fakeFetcher) setRate(state string, rate float64) {
	f.mu.Lock()
	f.rates[state] = rate
	f.mu.Unlock()
}

// countingStore counts Get calls on top of a MemoryStore.
type countingStore struct {
	*MemoryStore
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.gets.Add(1)
	return c.MemoryStore.Get(ctx, key)
}

var (
	laJurisdiction  = Jurisdiction{State: "CA", City: "LosAngeles", Zip: "90210"}
	txJurisdiction  = Jurisdiction{State: "tx", County: "Travis", City: "Austin", Zip: "78701"}
	txHouston       = Jurisdiction{State: "TX", County: "Harris", City: "Houston", Zip: "77002"}
	nyJurisdiction  = Jurisdiction{State: "NY", County: "New York", City: "New York", Zip: "10001"}
	smallWarmupList = []Jurisdiction{laJurisdiction, txJurisdiction, nyJurisdiction}
)
