package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	// Create a repository instance that uses the transaction
	txRepo := &SqliteRepository{
		db:       r.db, // Keep the original DB handle
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Ledger() store.LedgerRepository {
	return &ledgerRepo{db: r.executor}
}

func (r *SqliteRepository) Budgets() store.BudgetRepository {
	return &budgetRepo{db: r.executor}
}

func (r *SqliteRepository) Overrides() store.OverrideRepository {
	return &overrideRepo{db: r.executor}
}

func (r *SqliteRepository) Profiles() store.ProfileRepository {
	return &profileRepo{db: r.executor}
}

func (r *SqliteRepository) Swaps() store.SwapRepository {
	return &swapRepo{db: r.executor}
}

type ledgerRepo struct {
	db DB
}

func (r *ledgerRepo) Append(ctx context.Context, entry *model.LedgerEntry) error {
	// OR IGNORE keeps recording idempotent per request_id
	query := `
	INSERT OR IGNORE INTO cost_ledger (request_id, caller_key, provider_id, amount_micros, created_at)
	VALUES (:request_id, :caller_key, :provider_id, :amount_micros, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, entry)
	return err
}

func (r *ledgerRepo) Get(ctx context.Context, requestID string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	query := `SELECT * FROM cost_ledger WHERE request_id = ?`
	if err := r.db.GetContext(ctx, &entry, query, requestID); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepo) Since(ctx context.Context, callerKey string, cutoff time.Time) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	query := `SELECT * FROM cost_ledger WHERE caller_key = ? AND created_at >= ? ORDER BY created_at ASC`
	err := r.db.SelectContext(ctx, &entries, query, callerKey, cutoff)
	return entries, err
}

func (r *ledgerRepo) SpendSince(ctx context.Context, cutoff time.Time) ([]model.CallerSpend, error) {
	var spend []model.CallerSpend
	query := `
	SELECT caller_key,
	       SUM(amount_micros) AS amount_micros,
	       COUNT(*) AS request_count
	FROM cost_ledger
	WHERE created_at >= ?
	GROUP BY caller_key`
	err := r.db.SelectContext(ctx, &spend, query, cutoff)
	return spend, err
}

func (r *ledgerRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cost_ledger WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type budgetRepo struct {
	db DB
}

func (r *budgetRepo) Upsert(ctx context.Context, row *model.BudgetRow) error {
	query := `
	INSERT INTO budget_configs (caller_key, window, soft_limit_micros, hard_limit_micros, updated_at)
	VALUES (:caller_key, :window, :soft_limit_micros, :hard_limit_micros, :updated_at)
	ON CONFLICT(caller_key) DO UPDATE SET
		window = excluded.window,
		soft_limit_micros = excluded.soft_limit_micros,
		hard_limit_micros = excluded.hard_limit_micros,
		updated_at = excluded.updated_at`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *budgetRepo) Get(ctx context.Context, callerKey string) (*model.BudgetRow, error) {
	var row model.BudgetRow
	query := `SELECT * FROM budget_configs WHERE caller_key = ?`
	if err := r.db.GetContext(ctx, &row, query, callerKey); err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *budgetRepo) List(ctx context.Context) ([]model.BudgetRow, error) {
	var rows []model.BudgetRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM budget_configs`)
	return rows, err
}

type overrideRepo struct {
	db DB
}

func (r *overrideRepo) Upsert(ctx context.Context, o *model.ProviderOverride) error {
	query := `
	INSERT INTO provider_overrides (provider_id, priority_rank, disabled, pricing_json, updated_at)
	VALUES (:provider_id, :priority_rank, :disabled, :pricing_json, :updated_at)
	ON CONFLICT(provider_id) DO UPDATE SET
		priority_rank = excluded.priority_rank,
		disabled = excluded.disabled,
		pricing_json = excluded.pricing_json,
		updated_at = excluded.updated_at`
	_, err := r.db.NamedExecContext(ctx, query, o)
	return err
}

func (r *overrideRepo) List(ctx context.Context) ([]model.ProviderOverride, error) {
	var overrides []model.ProviderOverride
	err := r.db.SelectContext(ctx, &overrides, `SELECT * FROM provider_overrides`)
	return overrides, err
}

type profileRepo struct {
	db DB
}

func (r *profileRepo) Save(ctx context.Context, rec *model.HardwareProfileRecord) error {
	// Single-row cache: wipe and insert beats versioning for a local profile.
	if _, err := r.db.ExecContext(ctx, `DELETE FROM hardware_profiles`); err != nil {
		return err
	}
	query := `
	INSERT INTO hardware_profiles (profile_json, captured_at)
	VALUES (:profile_json, :captured_at)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	return err
}

func (r *profileRepo) Latest(ctx context.Context) (*model.HardwareProfileRecord, error) {
	var rec model.HardwareProfileRecord
	query := `SELECT * FROM hardware_profiles ORDER BY captured_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &rec, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

type swapRepo struct {
	db DB
}

func (r *swapRepo) Append(ctx context.Context, d *model.SwapDecision) error {
	query := `
	INSERT INTO swap_decisions (id, category, from_model, to_model, "trigger", outcome, diagnosis, created_at)
	VALUES (:id, :category, :from_model, :to_model, :trigger, :outcome, :diagnosis, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, d)
	return err
}

func (r *swapRepo) Recent(ctx context.Context, limit int) ([]model.SwapDecision, error) {
	var decisions []model.SwapDecision
	query := `SELECT * FROM swap_decisions ORDER BY created_at DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &decisions, query, limit)
	return decisions, err
}
