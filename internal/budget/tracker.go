// Package budget enforces per-caller spend ceilings over rolling windows.
// All accounting is in integer micro-currency-units; admission checks run
// synchronously against in-memory windows while persistence trails behind
// through the ingestor.
package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/pkg/api"
)

// Limit is one caller's configured ceiling. Crossing the soft limit logs a
// warning; crossing the hard limit rejects before dispatch.
type Limit struct {
	Window          api.Window
	SoftLimitMicros int64
	HardLimitMicros int64
}

type spendEntry struct {
	at     time.Time
	micros int64
}

type callerState struct {
	entries []spendEntry
	// seeds rebuilt from the ledger at boot, one aggregate per window. Each
	// seed ages out after one full window length.
	seeds    map[api.Window]seed
	softHit  bool
	recorded map[string]struct{}
}

type seed struct {
	at     time.Time
	micros int64
	count  int64
}

// Tracker keeps per-caller rolling spend and answers admission checks. One
// mutex guards everything; the hot path is a map lookup plus a slice walk.
type Tracker struct {
	mu      sync.Mutex
	callers map[string]*callerState
	limits  map[string]Limit

	ingestor Ingestor
	logger   *zap.Logger
	now      func() time.Time
}

func NewTracker(limits []config.BudgetConfig, ingestor Ingestor, logger *zap.Logger) *Tracker {
	t := &Tracker{
		callers:  make(map[string]*callerState),
		limits:   make(map[string]Limit),
		ingestor: ingestor,
		logger:   logger,
		now:      time.Now,
	}
	for _, l := range limits {
		t.limits[l.CallerKey] = Limit{
			Window:          l.Window,
			SoftLimitMicros: l.SoftLimitMicros,
			HardLimitMicros: l.HardLimitMicros,
		}
	}
	return t
}

// SetLimit installs or replaces one caller's ceiling at runtime.
func (t *Tracker) SetLimit(callerKey string, l Limit) {
	t.mu.Lock()
	t.limits[callerKey] = l
	t.mu.Unlock()
}

func (t *Tracker) stateLocked(callerKey string) *callerState {
	cs, ok := t.callers[callerKey]
	if !ok {
		cs = &callerState{
			seeds:    make(map[api.Window]seed),
			recorded: make(map[string]struct{}),
		}
		t.callers[callerKey] = cs
	}
	return cs
}

// spendLocked sums live entries plus any still-valid seed for the window.
func (t *Tracker) spendLocked(cs *callerState, w api.Window, now time.Time) (int64, int64) {
	cutoff := now.Add(-w.Duration())

	var micros, count int64
	for _, e := range cs.entries {
		if e.at.After(cutoff) {
			micros += e.micros
			count++
		}
	}
	if s, ok := cs.seeds[w]; ok && s.at.After(cutoff) {
		micros += s.micros
		count += s.count
	}
	return micros, count
}

// CheckBudget admits or rejects an estimated spend before dispatch. Callers
// with no configured limit are always admitted.
func (t *Tracker) CheckBudget(callerKey string, estimateMicros int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[callerKey]
	if !ok || (limit.HardLimitMicros <= 0 && limit.SoftLimitMicros <= 0) {
		return nil
	}

	now := t.now()
	cs := t.stateLocked(callerKey)
	spent, _ := t.spendLocked(cs, limit.Window, now)

	if limit.HardLimitMicros > 0 && spent+estimateMicros > limit.HardLimitMicros {
		return api.BudgetExceededError(callerKey, limit.Window)
	}

	if limit.SoftLimitMicros > 0 && spent+estimateMicros > limit.SoftLimitMicros {
		if !cs.softHit {
			cs.softHit = true
			t.logger.Warn("caller crossed soft budget limit",
				zap.String("caller_key", callerKey),
				zap.String("window", string(limit.Window)),
				zap.Int64("spent_micros", spent),
				zap.Int64("soft_limit_micros", limit.SoftLimitMicros),
			)
		}
	} else {
		cs.softHit = false
	}
	return nil
}

// Record books actual spend after a completed call. Recording the same
// request ID twice is a no-op, so router retries cannot double-charge.
func (t *Tracker) Record(requestID, callerKey, providerID string, micros int64) {
	now := t.now()

	t.mu.Lock()
	cs := t.stateLocked(callerKey)
	if _, dup := cs.recorded[requestID]; dup {
		t.mu.Unlock()
		return
	}
	cs.recorded[requestID] = struct{}{}
	cs.entries = append(cs.entries, spendEntry{at: now, micros: micros})
	t.pruneLocked(cs, now)
	t.mu.Unlock()

	t.ingestor.Append(&model.LedgerEntry{
		RequestID:    requestID,
		CallerKey:    callerKey,
		ProviderID:   providerID,
		AmountMicros: micros,
		CreatedAt:    now,
	})
}

// pruneLocked drops entries older than the longest window. The recorded set
// is cleared wholesale when the entry list empties out.
func (t *Tracker) pruneLocked(cs *callerState, now time.Time) {
	cutoff := now.Add(-api.WindowMonth.Duration())
	i := 0
	for i < len(cs.entries) && !cs.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		cs.entries = cs.entries[i:]
		if len(cs.entries) == 0 {
			cs.recorded = make(map[string]struct{})
		}
	}
}

// Usage reports a caller's aggregate over one window, alongside any
// configured limits.
func (t *Tracker) Usage(callerKey string, w api.Window) api.UsageReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := api.UsageReport{CallerKey: callerKey, Window: w}
	cs, ok := t.callers[callerKey]
	if ok {
		report.SpentMicros, report.RequestCount = t.spendLocked(cs, w, t.now())
	}
	if limit, ok := t.limits[callerKey]; ok && limit.Window == w {
		report.SoftLimitMicros = limit.SoftLimitMicros
		report.HardLimitMicros = limit.HardLimitMicros
	}
	return report
}

// Restore rebuilds window aggregates from the ledger after a restart. It
// seeds one aggregate per window length; precision returns as live entries
// accumulate.
func (t *Tracker) Restore(ctx context.Context, ledger store.LedgerRepository) error {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range []api.Window{api.WindowHour, api.WindowDay, api.WindowMonth} {
		spends, err := ledger.SpendSince(ctx, now.Add(-w.Duration()))
		if err != nil {
			return err
		}
		for _, s := range spends {
			cs := t.stateLocked(s.CallerKey)
			cs.seeds[w] = seed{at: now, micros: s.AmountMicros, count: s.RequestCount}
		}
	}

	t.logger.Info("budget windows restored", zap.Int("callers", len(t.callers)))
	return nil
}
