package model

import (
	"database/sql"
	"time"
)

// LedgerEntry is one immutable unit of recorded spend. The request ID is the
// primary key; retried requests collapse onto a single row.
type LedgerEntry struct {
	RequestID    string    `db:"request_id" json:"request_id"`
	CallerKey    string    `db:"caller_key" json:"caller_key"`
	ProviderID   string    `db:"provider_id" json:"provider_id"`
	AmountMicros int64     `db:"amount_micros" json:"amount_micros"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// BudgetRow is a persisted per-caller spend ceiling.
type BudgetRow struct {
	CallerKey       string    `db:"caller_key" json:"caller_key"`
	Window          string    `db:"window" json:"window"`
	SoftLimitMicros int64     `db:"soft_limit_micros" json:"soft_limit_micros"`
	HardLimitMicros int64     `db:"hard_limit_micros" json:"hard_limit_micros"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ProviderOverride pins locally-configured registry fields that a discovery
// refresh must never overwrite.
type ProviderOverride struct {
	ProviderID   string         `db:"provider_id" json:"provider_id"`
	PriorityRank sql.NullInt64  `db:"priority_rank" json:"priority_rank,omitempty"`
	Disabled     bool           `db:"disabled" json:"disabled"`
	PricingJSON  sql.NullString `db:"pricing_json" json:"pricing_json,omitempty"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// HardwareProfileRecord caches the last detected profile across restarts.
type HardwareProfileRecord struct {
	ID          int64     `db:"id" json:"id"`
	ProfileJSON string    `db:"profile_json" json:"profile_json"`
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
}

// SwapDecision is one row of the substitution audit trail.
type SwapDecision struct {
	ID        string    `db:"id" json:"id"`
	Category  string    `db:"category" json:"category"`
	FromModel string    `db:"from_model" json:"from_model"`
	ToModel   string    `db:"to_model" json:"to_model"`
	Trigger   string    `db:"trigger" json:"trigger"`
	Outcome   string    `db:"outcome" json:"outcome"`
	Diagnosis string    `db:"diagnosis" json:"diagnosis"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CallerSpend is the aggregate used to rebuild budget windows at boot.
type CallerSpend struct {
	CallerKey    string `db:"caller_key" json:"caller_key"`
	AmountMicros int64  `db:"amount_micros" json:"amount_micros"`
	RequestCount int64  `db:"request_count" json:"request_count"`
}
