package hardware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/store/model"
)

type fakeProber struct {
	profile Profile
	battery bool
	probes  int
}

func (f *fakeProber) Probe(ctx context.Context) (Profile, error) {
	f.probes++
	p := f.profile
	p.OnBattery = f.battery
	return p, nil
}

func (f *fakeProber) OnBattery(ctx context.Context) bool { return f.battery }

type fakeProfiles struct {
	saved *model.HardwareProfileRecord
}

func (f *fakeProfiles) Save(ctx context.Context, rec *model.HardwareProfileRecord) error {
	f.saved = rec
	return nil
}

func (f *fakeProfiles) Latest(ctx context.Context) (*model.HardwareProfileRecord, error) {
	return f.saved, nil
}

func newTestClassifier(p Profile) (*Classifier, *fakeProber, *fakeProfiles) {
	prober := &fakeProber{profile: p}
	repo := &fakeProfiles{}
	c := NewClassifier(prober, repo, 7*24*time.Hour, zap.NewNop())
	return c, prober, repo
}

func TestClassifier_LoadProbesOnFirstLaunch(t *testing.T) {
	c, prober, repo := newTestClassifier(Profile{
		RAMGB: 16, AccelGB: 8, DiskFreeGB: 100, CapturedAt: time.Now().UTC(),
	})

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 1, prober.probes)
	require.NotNil(t, repo.saved)

	got, stale := c.Current(context.Background())
	assert.False(t, stale)
	assert.Equal(t, TierHigh, got.Tier())
}

func TestClassifier_LoadReusesPersistedProfile(t *testing.T) {
	base := Profile{RAMGB: 6, DiskFreeGB: 50, CapturedAt: time.Now().UTC()}
	c1, _, repo := newTestClassifier(base)
	require.NoError(t, c1.Load(context.Background()))

	// A fresh classifier over the same store must not reprobe.
	prober2 := &fakeProber{profile: base}
	c2 := NewClassifier(prober2, repo, 7*24*time.Hour, zap.NewNop())
	require.NoError(t, c2.Load(context.Background()))
	assert.Zero(t, prober2.probes)

	got, stale := c2.Current(context.Background())
	assert.False(t, stale)
	assert.Equal(t, TierLow, got.Tier())
}

func TestClassifier_StaleAfterRescanInterval(t *testing.T) {
	c, _, _ := newTestClassifier(Profile{RAMGB: 16, AccelGB: 8, DiskFreeGB: 100})
	require.NoError(t, c.Load(context.Background()))

	c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, stale := c.Current(context.Background())
	assert.True(t, stale)
}

func TestClassifier_StaleOnPowerSourceChange(t *testing.T) {
	c, prober, _ := newTestClassifier(Profile{
		RAMGB: 16, AccelGB: 8, DiskFreeGB: 100, CapturedAt: time.Now().UTC(),
	})
	require.NoError(t, c.Load(context.Background()))

	_, stale := c.Current(context.Background())
	require.False(t, stale)

	// Unplugging flips the quick battery check against the cached profile.
	prober.battery = true
	_, stale = c.Current(context.Background())
	assert.True(t, stale)
}

func TestClassifier_ForceRescanReplacesProfile(t *testing.T) {
	c, prober, _ := newTestClassifier(Profile{RAMGB: 6, DiskFreeGB: 50})
	require.NoError(t, c.Load(context.Background()))

	prober.profile = Profile{RAMGB: 64, AccelGB: 24, DiskFreeGB: 500, CapturedAt: time.Now().UTC()}
	got, err := c.ForceRescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierUltra, got.Tier())

	cur, _ := c.Current(context.Background())
	assert.Equal(t, TierUltra, cur.Tier())
}

func TestClassifier_InfoReflectsEffectiveTier(t *testing.T) {
	// Ultra hardware constrained to the high tier by disk.
	c, _, _ := newTestClassifier(Profile{RAMGB: 64, AccelGB: 24, DiskFreeGB: 20})
	require.NoError(t, c.Load(context.Background()))

	info := c.Info(context.Background())
	assert.Equal(t, int(TierUltra), info.NominalTier)
	assert.Equal(t, int(TierHigh), info.EffectiveTier)
	assert.True(t, info.LocalImageGeneration)
	assert.True(t, info.PremiumSpeech)
	assert.False(t, info.Local3DGeneration)
	assert.False(t, info.VoiceCloning)
}
