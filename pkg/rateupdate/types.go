package rateupdate

import (
	"time"
)

// TopicRateChanged carries RateChanged messages.
const TopicRateChanged = "tax-rates.changed"

// Trigger says what started an update.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerEmergency Trigger = "emergency"
	TriggerManual    Trigger = "manual"
	TriggerCustom    Trigger = "custom"
	TriggerBoot      Trigger = "boot"
)

// Payload is the tax-rate-update job payload.
type Payload struct {
	// States to update; empty means every tracked state.
	States []string `json:"states,omitempty"`
	// Jurisdiction narrows the update to one county, city or zip.
	Jurisdiction string  `json:"jurisdiction,omitempty"`
	Force        bool    `json:"force,omitempty"`
	Trigger      Trigger `json:"trigger,omitempty"`
	ScheduleID   string  `json:"scheduleId,omitempty"`
	RequestedBy  string  `json:"requestedBy,omitempty"`
}

// Outcome is the terminal result of an update.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Summary is stored as the job result.
type Summary struct {
	Outcome        Outcome       `json:"outcome"`
	States         []string      `json:"states"`
	Jurisdictions  int           `json:"jurisdictions"`
	UpdatedRates   int           `json:"updatedRates"`
	UnchangedRates int           `json:"unchangedRates"`
	Refreshed      int           `json:"refreshed"`
	Anomalies      int           `json:"anomalies"`
	CacheFailures  int           `json:"cacheFailures,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	JobID          string        `json:"jobId,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
}

// RateChanged is published for every jurisdiction whose rate changed.
type RateChanged struct {
	Key        string    `json:"key"`
	State      string    `json:"state"`
	OldRate    *float64  `json:"oldRate,omitempty"`
	NewRate    float64   `json:"newRate"`
	Anomaly    bool      `json:"anomaly"`
	AuditID    string    `json:"auditId"`
	JobID      string    `json:"jobId,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
}

// EmailNotification is the email-notifications job payload.
type EmailNotification struct {
	Template string         `json:"template"`
	Subject  string         `json:"subject"`
	Data     map[string]any `json:"data"`
}

// CheckPayload is the compliance-monitoring job payload.
type CheckPayload struct {
	States []string `json:"states,omitempty"`
}
