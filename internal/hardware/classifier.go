package hardware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/pkg/api"
)

// Classifier owns the cached hardware profile. Probing is expensive, so a
// profile is captured once, persisted, and reused until it goes stale: older
// than the rescan interval or captured under a different power source.
type Classifier struct {
	prober   Prober
	profiles store.ProfileRepository
	rescan   time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	current *Profile
	now     func() time.Time
}

func NewClassifier(prober Prober, profiles store.ProfileRepository, rescan time.Duration, logger *zap.Logger) *Classifier {
	if rescan <= 0 {
		rescan = 7 * 24 * time.Hour
	}
	return &Classifier{
		prober:   prober,
		profiles: profiles,
		rescan:   rescan,
		logger:   logger,
		now:      time.Now,
	}
}

// Load restores the persisted profile or performs a first-launch probe.
// Single-threaded: call before serving traffic.
func (c *Classifier) Load(ctx context.Context) error {
	rec, err := c.profiles.Latest(ctx)
	if err == nil && rec != nil {
		var p Profile
		if err := json.Unmarshal([]byte(rec.ProfileJSON), &p); err == nil {
			c.mu.Lock()
			c.current = &p
			c.mu.Unlock()
			c.logger.Info("hardware profile restored",
				zap.String("tier", p.Tier().DisplayName()),
				zap.Time("captured_at", p.CapturedAt),
			)
			return nil
		}
		c.logger.Warn("cached hardware profile unreadable, reprobing", zap.Error(err))
	}

	_, err = c.ForceRescan(ctx)
	return err
}

// Current returns the cached profile and whether it has gone stale. A stale
// profile is still served; callers decide whether to trigger a rescan.
func (c *Classifier) Current(ctx context.Context) (Profile, bool) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if cur == nil {
		p, err := c.ForceRescan(ctx)
		if err != nil {
			return Profile{}, true
		}
		return p, false
	}
	stale := c.isStale(ctx, *cur)
	if stale {
		c.logger.Warn("serving stale hardware profile",
			zap.String("kind", string(api.KindStaleHardwareProfile)),
			zap.Time("captured_at", cur.CapturedAt),
		)
	}
	return *cur, stale
}

func (c *Classifier) isStale(ctx context.Context, p Profile) bool {
	if c.now().Sub(p.CapturedAt) > c.rescan {
		return true
	}
	return c.prober.OnBattery(ctx) != p.OnBattery
}

// ForceRescan probes immediately, persists the result and replaces the
// cached profile.
func (c *Classifier) ForceRescan(ctx context.Context) (Profile, error) {
	p, err := c.prober.Probe(ctx)
	if err != nil {
		return Profile{}, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Profile{}, err
	}
	if err := c.profiles.Save(ctx, &model.HardwareProfileRecord{
		ProfileJSON: string(raw),
		CapturedAt:  p.CapturedAt,
	}); err != nil {
		c.logger.Error("failed to persist hardware profile", zap.Error(err))
	}

	c.mu.Lock()
	c.current = &p
	c.mu.Unlock()
	c.logger.Info("hardware profile captured",
		zap.Float64("ram_gb", p.RAMGB),
		zap.Float64("accel_gb", p.AccelGB),
		zap.String("accel", string(p.AccelKind)),
		zap.String("tier", p.Tier().DisplayName()),
		zap.Float64("disk_free_gb", p.DiskFreeGB),
		zap.Bool("on_battery", p.OnBattery),
	)
	return p, nil
}

// Info renders the caller-facing tier view from the cached profile.
func (c *Classifier) Info(ctx context.Context) api.TierInfo {
	p, stale := c.Current(ctx)
	effective := p.EffectiveTier()
	return api.TierInfo{
		NominalTier:          int(p.Tier()),
		EffectiveTier:        int(effective),
		DisplayName:          effective.DisplayName(),
		Summary:              p.Summary(),
		CapturedAt:           p.CapturedAt,
		Stale:                stale,
		LocalImageGeneration: effective.SupportsLocalImageGen(),
		Local3DGeneration:    effective.SupportsLocal3DGen(),
		PremiumSpeech:        effective.SupportsPremiumTTS(),
		VoiceCloning:         effective.SupportsVoiceCloning(),
	}
}
