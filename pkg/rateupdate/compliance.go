package rateupdate

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/audit"
)

// Accuracy thresholds, in percent of cached rates matching the source.
const (
	AccuracyPassScore    = 95
	AccuracyWarningScore = 80
)

// ComplianceRecorder stores compliance check results.
type ComplianceRecorder interface {
	RecordComplianceCheck(ctx context.Context, c *audit.ComplianceCheck) error
}

// ComplianceChecker processes compliance-monitoring jobs: it compares the
// cached rates of each state with the source and records an accuracy check.
type ComplianceChecker struct {
	source   Source
	cache    Cache
	recorder ComplianceRecorder
	tracked  []string
	logger   *zap.SugaredLogger
}

// NewComplianceChecker creates a ComplianceChecker. Empty tracked uses
// DefaultTrackedStates.
func NewComplianceChecker(source Source, cache Cache, recorder ComplianceRecorder, tracked []string, logger *zap.SugaredLogger) *ComplianceChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(tracked) == 0 {
		tracked = DefaultTrackedStates
	}
	return &ComplianceChecker{
		source:   source,
		cache:    cache,
		recorder: recorder,
		tracked:  tracked,
		logger:   logger.With("component", "compliance"),
	}
}

// Check runs one accuracy check per state and returns the recorded checks.
func (c *ComplianceChecker) Check(ctx context.Context, p CheckPayload) ([]audit.ComplianceCheck, error) {
	u := &Updater{tracked: c.tracked}
	states, err := u.resolveStates(p.States)
	if err != nil {
		return nil, err
	}

	out := make([]audit.ComplianceCheck, 0, len(states))
	for _, state := range states {
		check := c.checkState(ctx, state)
		if err := c.recorder.RecordComplianceCheck(ctx, check); err != nil {
			return out, err
		}
		out = append(out, *check)
	}
	return out, nil
}

func (c *ComplianceChecker) checkState(ctx context.Context, state string) *audit.ComplianceCheck {
	check := &audit.ComplianceCheck{Type: audit.CheckAccuracy, State: state}

	records, err := c.source.FetchState(ctx, state)
	if err != nil {
		check.Status = audit.CheckWarning
		check.Details = detailString(map[string]any{"error": err.Error()})
		c.logger.Warnw("compliance check could not reach source", "state", state, "error", err)
		return check
	}

	var total, matched, missing int
	var mismatched []string
	for _, rec := range records {
		rec.Jurisdiction.State = state
		j, err := rec.Jurisdiction.Normalize()
		if err != nil {
			continue
		}
		total++
		cached, found, err := c.cache.Peek(ctx, j)
		switch {
		case err != nil || !found:
			missing++
		case sameRate(cached, rec):
			matched++
		default:
			key, _ := j.Key()
			mismatched = append(mismatched, key)
		}
	}

	check.Score = score(matched, total-missing)
	switch {
	case check.Score >= AccuracyPassScore:
		check.Status = audit.CheckPass
	case check.Score >= AccuracyWarningScore:
		check.Status = audit.CheckWarning
	default:
		check.Status = audit.CheckFail
	}
	check.Details = detailString(map[string]any{
		"total":      total,
		"matched":    matched,
		"uncached":   missing,
		"mismatched": mismatched,
	})
	c.logger.Infow("compliance check", "state", state, "score", check.Score, "status", check.Status)
	return check
}

// score is the matched share of compared rates; nothing to compare is a pass.
func score(matched, compared int) int {
	if compared <= 0 {
		return 100
	}
	return matched * 100 / compared
}

func detailString(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
