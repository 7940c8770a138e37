package hardware

import (
	"fmt"
	"time"
)

// AccelKind names the acceleration framework backing the detected GPU.
type AccelKind string

const (
	AccelNone  AccelKind = "none"
	AccelCUDA  AccelKind = "cuda"
	AccelROCm  AccelKind = "rocm"
	AccelMetal AccelKind = "metal"
)

// Profile is a snapshot of detected hardware. AccelGB covers discrete VRAM
// and, on Apple Silicon, the unified-memory share usable by the GPU.
type Profile struct {
	RAMGB      float64   `json:"ram_gb"`
	AccelGB    float64   `json:"accel_gb"`
	AccelKind  AccelKind `json:"accel_kind"`
	GPUName    string    `json:"gpu_name,omitempty"`
	CPUCores   int       `json:"cpu_cores"`
	DiskFreeGB float64   `json:"disk_free_gb"`
	OnBattery  bool      `json:"on_battery"`
	Platform   string    `json:"platform"`
	CapturedAt time.Time `json:"captured_at"`
}

// Tier classifies the profile by RAM and accelerator memory alone, ignoring
// disk constraints.
func (p Profile) Tier() Tier {
	return Classify(p.RAMGB, p.AccelGB)
}

// EffectiveTier walks down from the nominal tier until a tier's model
// footprint fits in free disk space. It never walks up.
func (p Profile) EffectiveTier() Tier {
	nominal := p.Tier()
	for t := nominal; t > TierUltraLow; t-- {
		if p.DiskFreeGB >= t.ModelFootprintGB() {
			return t
		}
	}
	return TierUltraLow
}

// Summary renders the profile for a settings panel or status endpoint.
func (p Profile) Summary() string {
	accel := "N/A"
	if p.AccelGB > 0 {
		accel = fmt.Sprintf("%.1f GB (%s)", p.AccelGB, p.AccelKind)
	}
	gpu := p.GPUName
	if gpu == "" {
		gpu = "None detected"
	}
	power := "AC Power"
	if p.OnBattery {
		power = "Battery"
	}
	return fmt.Sprintf("%s\nRAM: %.1f GB | Accel: %s | CPU: %d cores\nGPU: %s\nDisk free: %.1f GB | Power: %s",
		p.Tier().DisplayName(), p.RAMGB, accel, p.CPUCores, gpu, p.DiskFreeGB, power)
}
