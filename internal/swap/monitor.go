package swap

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Signals is the slice of hardware probing the monitor needs.
type Signals interface {
	OnBattery(ctx context.Context) bool
	UsedMemoryFraction(ctx context.Context) float64
}

// Monitor samples memory and power state on an interval and pulses the
// controller's triggers. Downgrades fire as soon as pressure crosses the
// threshold; upgrades wait for a sustained quiet period so a brief lull does
// not thrash models back and forth.
type Monitor struct {
	ctrl     *Controller
	signals  Signals
	interval time.Duration
	idleWait time.Duration
	logger   *zap.Logger

	onBattery  bool
	quietSince time.Time
}

func NewMonitor(ctrl *Controller, signals Signals, interval, idleWait time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		ctrl:     ctrl,
		signals:  signals,
		interval: interval,
		idleWait: idleWait,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.onBattery = m.signals.OnBattery(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if battery := m.signals.OnBattery(ctx); battery != m.onBattery {
		m.onBattery = battery
		m.logger.Info("power source changed", zap.Bool("on_battery", battery))
		m.ctrl.ReportPowerChange(ctx, battery)
		m.quietSince = time.Time{}
		return
	}

	used := m.signals.UsedMemoryFraction(ctx)
	if used >= m.ctrl.pressure {
		m.quietSince = time.Time{}
		statuses := m.ctrl.Statuses()
		if len(statuses) > 1 {
			// Folding categories onto a shared model frees more memory than
			// stepping each down a rung.
			names := make([]string, 0, len(statuses))
			for _, st := range statuses {
				names = append(names, st.Category)
			}
			if err := m.ctrl.Consolidate(ctx, names); err != nil {
				m.logger.Warn("consolidation skipped", zap.Error(err))
			}
		}
		for _, st := range m.ctrl.Statuses() {
			if err := m.ctrl.ReportMemoryPressure(ctx, st.Category, used); err != nil {
				m.logger.Warn("pressure downgrade skipped",
					zap.String("category", st.Category),
					zap.Error(err),
				)
			}
		}
		return
	}

	if m.quietSince.IsZero() {
		m.quietSince = time.Now()
		return
	}
	if m.idleWait > 0 && time.Since(m.quietSince) < m.idleWait {
		return
	}
	for _, st := range m.ctrl.Statuses() {
		if err := m.ctrl.TryIdleUpgrade(ctx, st.Category, used); err != nil {
			m.logger.Warn("idle upgrade skipped",
				zap.String("category", st.Category),
				zap.Error(err),
			)
		}
	}
	m.quietSince = time.Now()
}
