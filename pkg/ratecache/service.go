package ratecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/security"
)

// Defaults for Service.
const (
	DefaultTTL          = 24 * time.Hour
	DefaultStoreTimeout = 2 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

// Fetcher fetches authoritative rates from upstream.
type Fetcher interface {
	FetchRate(ctx context.Context, j Jurisdiction) (*RateRecord, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, j Jurisdiction) (*RateRecord, error)

func (f FetcherFunc) FetchRate(ctx context.Context, j Jurisdiction) (*RateRecord, error) {
	return f(ctx, j)
}

// Service owns key design, invalidation, warmup and preloading over a Store.
// It is the only writer of rate keys.
type Service struct {
	store   Store
	fetcher Fetcher
	logger  *zap.SugaredLogger
	now     func() time.Time

	ttl           time.Duration
	storeTimeout  time.Duration
	fetchTimeout  time.Duration
	warmupList    []Jurisdiction
	warmupWorkers int

	group singleflight.Group
	// epoch counts invalidations and refreshes. writeMu orders them against
	// populate writes so a fetch started before one is never stored after it.
	epoch   atomic.Uint64
	writeMu sync.RWMutex
	stale   atomic.Int64

	mu       sync.Mutex
	accesses map[string]*accessCount

	hits          atomic.Int64
	misses        atomic.Int64
	degraded      atomic.Int64
	fetches       atomic.Int64
	fetchErrors   atomic.Int64
	invalidations atomic.Int64
	lastWarmup    atomic.Pointer[time.Time]
}

type accessCount struct {
	jurisdiction Jurisdiction
	count        int64
	last         time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTTL sets the store TTL for entries. The record's expiration date still
// bounds what a hit may return.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithStoreTimeout bounds each cache store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithFetchTimeout bounds each upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithWarmupList replaces the curated warmup jurisdictions.
func WithWarmupList(list []Jurisdiction) Option {
	return func(s *Service) {
		s.warmupList = append([]Jurisdiction(nil), list...)
	}
}

// WithWarmupConcurrency bounds parallel fetches during warmup and preload.
func WithWarmupConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.warmupWorkers = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a rate cache service.
func NewService(store Store, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		store:         store,
		fetcher:       fetcher,
		logger:        zap.NewNop().Sugar(),
		now:           time.Now,
		ttl:           DefaultTTL,
		storeTimeout:  DefaultStoreTimeout,
		fetchTimeout:  DefaultFetchTimeout,
		warmupList:    DefaultWarmupJurisdictions(),
		warmupWorkers: 4,
		accesses:      make(map[string]*accessCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ratecache")
	return s
}

// Ping checks the cache store.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Ping(ctx)
}

// Close closes the cache store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Lookup returns the rate for a jurisdiction. A hit never returns a record
// whose expiration date has passed. On a miss the rate is fetched upstream,
// cached and returned; concurrent misses for the same key share one fetch.
// If the cache store is unavailable the rate is served from upstream without
// caching and the read does not fail.
func (s *Service) Lookup(ctx context.Context, j Jurisdiction) (*LookupResult, error) {
	n, err := j.Normalize()
	if err != nil {
		return nil, err
	}
	key, _ := n.Key()
	s.recordAccess(key, n)

	entry, found, err := s.read(ctx, key)
	if err != nil {
		s.degraded.Add(1)
		s.logger.Warnw("cache store unavailable, serving from upstream", "key", key, "error", err)
		rec, fetchErr := s.fetchShared(ctx, key, n, false)
		if fetchErr != nil {
			return nil, fetchErr
		}
		return &LookupResult{Key: key, Record: rec, Degraded: true}, nil
	}

	if found && !entry.Record.Expired(s.now()) {
		s.hits.Add(1)
		return &LookupResult{Key: key, Record: &entry.Record, Hit: true}, nil
	}
	if found {
		s.logger.Debugw("cached rate past expiration date", "key", key, "expiration", entry.Record.ExpirationDate)
	}

	s.misses.Add(1)
	rec, err := s.fetchShared(ctx, key, n, true)
	if err != nil {
		return nil, err
	}
	return &LookupResult{Key: key, Record: rec}, nil
}

// Peek reads the cached record without fetching, access tracking or expiry
// filtering.
func (s *Service) Peek(ctx context.Context, j Jurisdiction) (*RateRecord, bool, error) {
	key, err := j.Key()
	if err != nil {
		return nil, false, err
	}
	entry, found, err := s.read(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return &entry.Record, true, nil
}

// Refresh replaces the cached record for a jurisdiction (invalidate then
// repopulate). Concurrent refreshes of one key are last-writer-wins.
func (s *Service) Refresh(ctx context.Context, j Jurisdiction, rec RateRecord) error {
	n, err := j.Normalize()
	if err != nil {
		return err
	}
	key, _ := n.Key()
	rec.Jurisdiction = n

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.epoch.Add(1)

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if _, err := s.store.Delete(sctx, key); err != nil {
		return err
	}
	return s.write(ctx, key, &rec)
}

// InvalidateCache removes every rate entry, or only keys matching a glob
// pattern within the rate namespace. It returns the number of keys removed.
func (s *Service) InvalidateCache(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" {
		pattern = KeyPrefix + "*"
	}
	if err := security.ValidatePattern(pattern, KeyPrefix); err != nil {
		return 0, err
	}
	return s.invalidate(ctx, []string{pattern})
}

// InvalidateForJurisdiction removes all entries for a state, or for one
// county, city or zip within it.
func (s *Service) InvalidateForJurisdiction(ctx context.Context, state, jurisdiction string) (int64, error) {
	patterns, err := JurisdictionPatterns(state, jurisdiction)
	if err != nil {
		return 0, err
	}
	return s.invalidate(ctx, patterns)
}

func (s *Service) invalidate(ctx context.Context, patterns []string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.epoch.Add(1)

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var keys []string
	for _, p := range patterns {
		matched, err := s.store.Keys(ctx, p)
		if err != nil {
			return 0, err
		}
		for _, k := range matched {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.store.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}
	s.invalidations.Add(n)
	s.logger.Infow("cache invalidated", "patterns", patterns, "count", n)
	return n, nil
}

func (s *Service) read(ctx context.Context, key string) (*Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrCacheStoreUnavailable) {
			err = errors.Mark(err, core.ErrCacheStoreUnavailable)
		}
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Warnw("discarding undecodable cache entry", "key", key, "error", err)
		return nil, false, nil
	}
	return &entry, true, nil
}

// writeIfCurrent stores a fetched record unless an invalidation or refresh
// ran after epoch was read. A superseded record is dropped, not an error.
func (s *Service) writeIfCurrent(ctx context.Context, key string, rec *RateRecord, epoch uint64) error {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	if s.epoch.Load() != epoch {
		s.stale.Add(1)
		s.logger.Debugw("dropping fetch superseded by invalidation", "key", key)
		return nil
	}
	return s.write(ctx, key, rec)
}

func (s *Service) write(ctx context.Context, key string, rec *RateRecord) error {
	if rec.Expired(s.now()) {
		return nil
	}
	ttl := s.ttl
	if rec.ExpirationDate != nil {
		if until := rec.ExpirationDate.Sub(s.now()); until < ttl {
			ttl = until
		}
	}
	raw, err := json.Marshal(Entry{Key: key, Record: *rec, PopulatedAt: s.now(), TTL: ttl})
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.Set(ctx, key, raw, ttl); err != nil {
		if !errors.Is(err, core.ErrCacheStoreUnavailable) {
			err = errors.Mark(err, core.ErrCacheStoreUnavailable)
		}
		return err
	}
	return nil
}

// fetchShared coalesces concurrent fetches of one key into a single upstream
// call. The shared fetch is detached from any single caller's cancellation.
func (s *Service) fetchShared(ctx context.Context, key string, j Jurisdiction, populate bool) (*RateRecord, error) {
	epoch := s.epoch.Load()
	flight := fmt.Sprintf("%d|%t|%s", epoch, populate, key)
	ch := s.group.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		rec, err := s.fetch(fctx, j)
		if err != nil {
			return nil, err
		}
		if populate {
			if err := s.writeIfCurrent(fctx, key, rec, epoch); err != nil {
				s.degraded.Add(1)
				s.logger.Warnw("cache populate failed, serving uncached", "key", key, "error", err)
			}
		}
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*RateRecord)
		return &rec, nil
	}
}

func (s *Service) fetch(ctx context.Context, j Jurisdiction) (*RateRecord, error) {
	s.fetches.Add(1)
	rec, err := s.fetcher.FetchRate(ctx, j)
	if err == nil && rec == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		s.fetchErrors.Add(1)
		if !errors.Is(err, core.ErrUpstreamFetchFailed) {
			err = errors.Mark(err, core.ErrUpstreamFetchFailed)
		}
		return nil, errors.Wrapf(err, "fetch %s", j)
	}
	rec.Jurisdiction = j
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now()
	}
	return rec, nil
}

func (s *Service) recordAccess(key string, j Jurisdiction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accesses[key]
	if !ok {
		a = &accessCount{jurisdiction: j}
		s.accesses[key] = a
	}
	a.count++
	a.last = s.now()
}
