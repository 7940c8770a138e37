package store

import (
	"context"
	"time"

	"github.com/voragate/gateway/internal/store/model"
)

type contextKey string

const (
	// ContextKeyCallerKey carries the authenticated caller identity.
	ContextKeyCallerKey contextKey = "caller_key"
)

// Repository is the main contract for the data layer.
type Repository interface {
	Ledger() LedgerRepository
	Budgets() BudgetRepository
	Overrides() OverrideRepository
	Profiles() ProfileRepository
	Swaps() SwapRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type LedgerRepository interface {
	// Append stores an entry; a duplicate request ID is silently ignored so
	// retried recordings stay idempotent.
	Append(ctx context.Context, entry *model.LedgerEntry) error
	// Get returns a single entry by request ID.
	Get(ctx context.Context, requestID string) (*model.LedgerEntry, error)
	// Since returns all entries for a caller created at or after the cutoff.
	Since(ctx context.Context, callerKey string, cutoff time.Time) ([]model.LedgerEntry, error)
	// SpendSince aggregates per-caller spend since the cutoff, for rebuilding
	// in-memory windows at boot.
	SpendSince(ctx context.Context, cutoff time.Time) ([]model.CallerSpend, error)
	// Prune deletes entries older than the cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type BudgetRepository interface {
	Upsert(ctx context.Context, row *model.BudgetRow) error
	Get(ctx context.Context, callerKey string) (*model.BudgetRow, error)
	List(ctx context.Context) ([]model.BudgetRow, error)
}

type OverrideRepository interface {
	Upsert(ctx context.Context, o *model.ProviderOverride) error
	List(ctx context.Context) ([]model.ProviderOverride, error)
}

type ProfileRepository interface {
	// Save replaces the cached profile.
	Save(ctx context.Context, rec *model.HardwareProfileRecord) error
	// Latest returns the most recently captured profile, if any.
	Latest(ctx context.Context) (*model.HardwareProfileRecord, error)
}

type SwapRepository interface {
	// Append records a swap decision in the audit trail.
	Append(ctx context.Context, d *model.SwapDecision) error
	// Recent returns the last N decisions, newest first.
	Recent(ctx context.Context, limit int) ([]model.SwapDecision, error)
}
