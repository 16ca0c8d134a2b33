package rateupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/jobctx"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/security"
)

// Source fetches every published rate of a state.
type Source interface {
	FetchState(ctx context.Context, state string) ([]*ratecache.RateRecord, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, state string) ([]*ratecache.RateRecord, error)

func (f SourceFunc) FetchState(ctx context.Context, state string) ([]*ratecache.RateRecord, error) {
	return f(ctx, state)
}

// Cache is the part of the rate cache used by updates.
type Cache interface {
	Peek(ctx context.Context, j ratecache.Jurisdiction) (*ratecache.RateRecord, bool, error)
	Refresh(ctx context.Context, j ratecache.Jurisdiction, rec ratecache.RateRecord) error
}

var _ Cache = (*ratecache.Service)(nil)

// AuditLog records update outcomes.
type AuditLog interface {
	LogEvent(ctx context.Context, e *audit.Entry) error
}

// DefaultTrackedStates are updated when a payload names no states.
var DefaultTrackedStates = []string{"AZ", "CA", "FL", "IL", "NY", "TX", "WA"}

// Updater processes tax-rate-update jobs.
type Updater struct {
	source      Source
	cache       Cache
	audit       AuditLog
	publisher   message.Publisher
	logger      *zap.SugaredLogger
	tracked     []string
	concurrency int
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) UpdaterOption {
	return func(u *Updater) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithTrackedStates replaces the states updated by default.
func WithTrackedStates(states []string) UpdaterOption {
	return func(u *Updater) {
		if len(states) > 0 {
			u.tracked = append([]string(nil), states...)
		}
	}
}

// WithStateConcurrency bounds how many states are fetched in parallel.
func WithStateConcurrency(n int) UpdaterOption {
	return func(u *Updater) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithPublisher publishes RateChanged messages on TopicRateChanged.
func WithPublisher(p message.Publisher) UpdaterOption {
	return func(u *Updater) { u.publisher = p }
}

// NewUpdater creates an Updater.
func NewUpdater(source Source, cache Cache, log AuditLog, opts ...UpdaterOption) *Updater {
	u := &Updater{
		source:      source,
		cache:       cache,
		audit:       log,
		logger:      zap.NewNop().Sugar(),
		tracked:     DefaultTrackedStates,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "rateupdate")
	return u
}

// TrackedStates returns the states updated by default.
func (u *Updater) TrackedStates() []string {
	return append([]string(nil), u.tracked...)
}

// Process runs one update. Every jurisdiction touched gets exactly one audit
// entry. If every state fails to fetch the error is marked
// core.ErrUpstreamFetchFailed so the job is retried; if only some fail the
// summary reports a partial outcome.
func (u *Updater) Process(ctx context.Context, p Payload) (*Summary, error) {
	start := time.Now()
	states, err := u.resolveStates(p.States)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	var only string
	if p.Jurisdiction != "" {
		if only, err = security.NormalizeSegment(p.Jurisdiction); err != nil {
			return nil, core.NoRetry(err)
		}
	}

	sum := &Summary{States: states, JobID: jobctx.JobIDFromContext(ctx), StartedAt: start}
	log := u.logger.With("job_id", sum.JobID, "trigger", p.Trigger)
	log.Infow("rate update started", "states", states, "jurisdiction", only, "force", p.Force)

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, state := range states {
		g.Go(func() error {
			st, err := u.updateState(gctx, state, only, p, sum.JobID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", state, err))
				return nil
			}
			sum.Jurisdictions += st.jurisdictions
			sum.UpdatedRates += st.updated
			sum.UnchangedRates += st.unchanged
			sum.Refreshed += st.refreshed
			sum.Anomalies += st.anomalies
			sum.CacheFailures += st.cacheFailures
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(sum.Errors)
	sum.Duration = time.Since(start)

	switch {
	case failed == 0:
		sum.Outcome = OutcomeSuccess
	case failed < len(states):
		sum.Outcome = OutcomePartial
	default:
		sum.Outcome = OutcomeFailure
		log.Warnw("rate update failed for every state", "errors", sum.Errors)
		return nil, errors.Mark(errors.Newf("all %d states failed: %v", len(states), sum.Errors), core.ErrUpstreamFetchFailed)
	}

	log.Infow("rate update finished",
		"outcome", sum.Outcome,
		"updated", sum.UpdatedRates,
		"unchanged", sum.UnchangedRates,
		"refreshed", sum.Refreshed,
		"anomalies", sum.Anomalies,
		"duration", sum.Duration)
	return sum, nil
}

func (u *Updater) resolveStates(in []string) ([]string, error) {
	if len(in) == 0 {
		in = u.tracked
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n, err := security.NormalizeState(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

type stateResult struct {
	jurisdictions int
	updated       int
	unchanged     int
	refreshed     int
	anomalies     int
	cacheFailures int
}

func (u *Updater) updateState(ctx context.Context, state, only string, p Payload, jobID string) (*stateResult, error) {
	records, err := u.source.FetchState(ctx, state)
	if err != nil {
		_ = u.audit.LogEvent(ctx, &audit.Entry{
			Type:     audit.EventUpdateFailed,
			State:    state,
			Severity: audit.SeverityWarning,
			Message:  security.SanitizeErrorMessage(err.Error()),
			JobID:    jobID,
		})
		return nil, err
	}

	res := &stateResult{}
	for _, rec := range records {
		rec.Jurisdiction.State = state
		j, err := rec.Jurisdiction.Normalize()
		if err != nil {
			u.logger.Warnw("skipping malformed jurisdiction from source", "state", state, "error", err)
			continue
		}
		if only != "" && j.County != only && j.City != only && j.Zip != only {
			continue
		}
		key, _ := j.Key()
		res.jurisdictions++

		old, found, err := u.cache.Peek(ctx, j)
		if err != nil {
			u.logger.Warnw("cache read failed, treating as no baseline", "key", key, "error", err)
			found = false
		}
		changed := !found || !sameRate(old, rec)

		// Unchanged entries keep their TTL unless the run is forced.
		if changed || p.Force {
			if err := u.cache.Refresh(ctx, j, *rec); err != nil {
				res.cacheFailures++
				u.logger.Warnw("cache refresh failed", "key", key, "error", err)
			} else {
				res.refreshed++
			}
		}

		entry := &audit.Entry{
			State:        state,
			Jurisdiction: j.Label(),
			NewRate:      &rec.BaseRate,
			JobID:        jobID,
			Details:      detailsJSON(key, rec, p),
		}
		if found {
			entry.OldRate = &old.BaseRate
		}
		if changed {
			entry.Type = audit.EventRateChanged
			entry.Message = changeMessage(old, found, rec)
		} else {
			entry.Type = audit.EventRateUnchanged
			entry.Message = "checked, unchanged"
		}
		_ = u.audit.LogEvent(ctx, entry)

		if !changed {
			res.unchanged++
			continue
		}
		res.updated++
		anomaly := entry.Type == audit.EventRateAnomaly
		if anomaly {
			res.anomalies++
		}
		u.publish(RateChanged{
			Key:        key,
			State:      state,
			OldRate:    entry.OldRate,
			NewRate:    rec.BaseRate,
			Anomaly:    anomaly,
			AuditID:    entry.ID,
			JobID:      jobID,
			DetectedAt: time.Now(),
		})
	}
	return res, nil
}

func sameRate(old, rec *ratecache.RateRecord) bool {
	if old.BaseRate != rec.BaseRate || len(old.CategoryRates) != len(rec.CategoryRates) {
		return false
	}
	for k, v := range rec.CategoryRates {
		if ov, ok := old.CategoryRates[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func changeMessage(old *ratecache.RateRecord, found bool, rec *ratecache.RateRecord) string {
	if !found {
		return fmt.Sprintf("rate recorded at %.4g%% (no cached baseline)", rec.BaseRate)
	}
	return fmt.Sprintf("rate changed %.4g%% -> %.4g%%", old.BaseRate, rec.BaseRate)
}

func detailsJSON(key string, rec *ratecache.RateRecord, p Payload) string {
	raw, err := json.Marshal(map[string]any{
		"key":           key,
		"source":        rec.Source,
		"effectiveDate": rec.EffectiveDate,
		"categoryRates": rec.CategoryRates,
		"trigger":       p.Trigger,
		"force":         p.Force,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

func (u *Updater) publish(ev RateChanged) {
	if u.publisher == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		u.logger.Errorw("encode rate change", "key", ev.Key, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := u.publisher.Publish(TopicRateChanged, msg); err != nil {
		u.logger.Warnw("publish rate change", "key", ev.Key, "error", err)
	}
}
