package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/pkg/api"
)

type nopIngestor struct {
	appended []*model.LedgerEntry
}

func (n *nopIngestor) Append(entry *model.LedgerEntry) { n.appended = append(n.appended, entry) }
func (n *nopIngestor) Start(ctx context.Context)      {}
func (n *nopIngestor) Stop()                          {}

type stubLedger struct {
	spends map[time.Duration][]model.CallerSpend
	now    time.Time
}

func (s *stubLedger) Append(ctx context.Context, entry *model.LedgerEntry) error { return nil }
func (s *stubLedger) Get(ctx context.Context, requestID string) (*model.LedgerEntry, error) {
	return nil, nil
}
func (s *stubLedger) Since(ctx context.Context, callerKey string, cutoff time.Time) ([]model.LedgerEntry, error) {
	return nil, nil
}
func (s *stubLedger) SpendSince(ctx context.Context, cutoff time.Time) ([]model.CallerSpend, error) {
	return s.spends[s.now.Sub(cutoff)], nil
}
func (s *stubLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) { return 0, nil }

func newTestTracker(limits []config.BudgetConfig) (*Tracker, *nopIngestor, *time.Time) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ing := &nopIngestor{}
	t := NewTracker(limits, ing, zap.NewNop())
	t.now = func() time.Time { return now }
	return t, ing, &now
}

func dayLimit(caller string, soft, hard int64) config.BudgetConfig {
	return config.BudgetConfig{
		CallerKey:       caller,
		Window:          api.WindowDay,
		SoftLimitMicros: soft,
		HardLimitMicros: hard,
	}
}

func TestCheckBudget_HardLimit(t *testing.T) {
	tr, _, _ := newTestTracker([]config.BudgetConfig{dayLimit("team-a", 0, 1000)})

	tr.Record("req-1", "team-a", "openai", 950)

	// 950 + 100 crosses the ceiling.
	err := tr.CheckBudget("team-a", 100)
	require.Error(t, err)
	assert.Equal(t, api.KindBudgetExceeded, api.KindOf(err))

	// 950 + 50 lands exactly on it and is still admitted.
	assert.NoError(t, tr.CheckBudget("team-a", 50))
}

func TestCheckBudget_SoftOnlyLimitStillAlerts(t *testing.T) {
	tr, _, _ := newTestTracker([]config.BudgetConfig{dayLimit("team-a", 500, 0)})

	tr.Record("req-1", "team-a", "openai", 490)

	// No hard ceiling: spend past the soft limit is admitted but flagged.
	assert.NoError(t, tr.CheckBudget("team-a", 100))

	tr.mu.Lock()
	softHit := tr.callers["team-a"].softHit
	tr.mu.Unlock()
	assert.True(t, softHit, "soft limit crossing must register without a hard limit")

	// Arbitrarily large spend never rejects when only a soft limit is set.
	assert.NoError(t, tr.CheckBudget("team-a", 1_000_000_000))
}

func TestCheckBudget_UnconfiguredCallerAdmitted(t *testing.T) {
	tr, _, _ := newTestTracker(nil)
	tr.Record("req-1", "anonymous", "openai", 1_000_000_000)
	assert.NoError(t, tr.CheckBudget("anonymous", 1_000_000_000))
}

func TestRecord_IdempotentByRequestID(t *testing.T) {
	tr, ing, _ := newTestTracker([]config.BudgetConfig{dayLimit("team-a", 0, 1000)})

	tr.Record("req-1", "team-a", "openai", 400)
	tr.Record("req-1", "team-a", "openai", 400)
	tr.Record("req-1", "team-a", "openai", 400)

	report := tr.Usage("team-a", api.WindowDay)
	assert.Equal(t, int64(400), report.SpentMicros)
	assert.Equal(t, int64(1), report.RequestCount)
	assert.Len(t, ing.appended, 1, "only the first recording reaches the ledger")
}

func TestCheckBudget_WindowSlides(t *testing.T) {
	tr, _, now := newTestTracker([]config.BudgetConfig{
		{CallerKey: "team-a", Window: api.WindowHour, HardLimitMicros: 1000},
	})

	tr.Record("req-1", "team-a", "openai", 1000)
	require.Error(t, tr.CheckBudget("team-a", 1))

	*now = now.Add(61 * time.Minute)
	assert.NoError(t, tr.CheckBudget("team-a", 1))
}

func TestUsage_ReportsLimits(t *testing.T) {
	tr, _, _ := newTestTracker([]config.BudgetConfig{dayLimit("team-a", 800, 1000)})

	tr.Record("req-1", "team-a", "openai", 300)
	tr.Record("req-2", "team-a", "anthropic", 200)

	report := tr.Usage("team-a", api.WindowDay)
	assert.Equal(t, int64(500), report.SpentMicros)
	assert.Equal(t, int64(2), report.RequestCount)
	assert.Equal(t, int64(800), report.SoftLimitMicros)
	assert.Equal(t, int64(1000), report.HardLimitMicros)

	// A window other than the configured one reports spend without limits.
	hourly := tr.Usage("team-a", api.WindowHour)
	assert.Equal(t, int64(500), hourly.SpentMicros)
	assert.Zero(t, hourly.HardLimitMicros)
}

func TestRestore_SeedsWindows(t *testing.T) {
	tr, _, now := newTestTracker([]config.BudgetConfig{dayLimit("team-a", 0, 1000)})

	ledger := &stubLedger{
		now: *now,
		spends: map[time.Duration][]model.CallerSpend{
			api.WindowHour.Duration():  {{CallerKey: "team-a", AmountMicros: 100, RequestCount: 1}},
			api.WindowDay.Duration():   {{CallerKey: "team-a", AmountMicros: 900, RequestCount: 4}},
			api.WindowMonth.Duration(): {{CallerKey: "team-a", AmountMicros: 5000, RequestCount: 20}},
		},
	}
	require.NoError(t, tr.Restore(context.Background(), ledger))

	assert.Equal(t, int64(100), tr.Usage("team-a", api.WindowHour).SpentMicros)
	assert.Equal(t, int64(900), tr.Usage("team-a", api.WindowDay).SpentMicros)
	assert.Equal(t, int64(5000), tr.Usage("team-a", api.WindowMonth).SpentMicros)

	// Restored spend participates in admission: 900 + 200 > 1000.
	err := tr.CheckBudget("team-a", 200)
	require.Error(t, err)
	assert.Equal(t, api.KindBudgetExceeded, api.KindOf(err))
}
