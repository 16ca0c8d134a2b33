package ratecache

import (
	"time"
)

// RateRecord is an authoritative rate for one jurisdiction.
type RateRecord struct {
	Jurisdiction   Jurisdiction       `json:"jurisdiction"`
	BaseRate       float64            `json:"baseRate"`
	CategoryRates  map[string]float64 `json:"categoryRates,omitempty"`
	EffectiveDate  time.Time          `json:"effectiveDate"`
	ExpirationDate *time.Time         `json:"expirationDate,omitempty"`
	Source         string             `json:"source"`
	FetchedAt      time.Time          `json:"fetchedAt"`
}

// Expired reports whether the rate's own expiration date has passed.
func (r *RateRecord) Expired(now time.Time) bool {
	return r.ExpirationDate != nil && !now.Before(*r.ExpirationDate)
}

// RateFor returns the category override if present, otherwise the base rate.
func (r *RateRecord) RateFor(category string) float64 {
	if rate, ok := r.CategoryRates[category]; ok {
		return rate
	}
	return r.BaseRate
}

// Entry is the value stored under a rate key.
type Entry struct {
	Key         string        `json:"key"`
	Record      RateRecord    `json:"record"`
	PopulatedAt time.Time     `json:"populatedAt"`
	TTL         time.Duration `json:"ttl"`
}

// LookupResult is returned by Service.Lookup.
type LookupResult struct {
	Key    string      `json:"key"`
	Record *RateRecord `json:"record"`
	// Hit is false when the record was fetched upstream for this call.
	Hit bool `json:"hit"`
	// Degraded is true when the cache store was unavailable and the record
	// was served straight from upstream.
	Degraded bool `json:"degraded,omitempty"`
}
