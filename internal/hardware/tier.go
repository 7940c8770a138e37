// Package hardware profiles the host machine and classifies it into one of
// five device tiers. The tier drives which local models the gateway offers
// and which premium capabilities stay available offline.
package hardware

// Tier is one of the five device classes, ordered weakest to strongest.
type Tier int

const (
	// TierUltraLow covers 2-4GB RAM machines with no GPU.
	TierUltraLow Tier = iota + 1
	// TierLow covers 4-8GB RAM machines with no GPU.
	TierLow
	// TierMid covers 8-16GB RAM machines with an iGPU or entry GPU.
	TierMid
	// TierHigh covers 16-32GB RAM machines with a 6-12GB discrete GPU.
	TierHigh
	// TierUltra covers 32GB+ RAM machines with 16GB+ accelerator memory.
	TierUltra
)

// Classify maps RAM and accelerator memory onto a tier. Accelerator memory
// of zero means no usable GPU.
func Classify(ramGB, accelGB float64) Tier {
	switch {
	case ramGB >= 32 && accelGB >= 16:
		return TierUltra
	case ramGB >= 16 && accelGB >= 6:
		return TierHigh
	case ramGB >= 8:
		return TierMid
	case ramGB >= 4:
		return TierLow
	default:
		return TierUltraLow
	}
}

func (t Tier) DisplayName() string {
	switch t {
	case TierUltraLow:
		return "Ultra-Low-End (Tier 1)"
	case TierLow:
		return "Low-End (Tier 2)"
	case TierMid:
		return "Mid-Range (Tier 3)"
	case TierHigh:
		return "High-End (Tier 4)"
	case TierUltra:
		return "Ultra-High-End (Tier 5)"
	}
	return "Unknown"
}

// ModelFootprintGB is the disk footprint of the full local model set for the
// tier.
func (t Tier) ModelFootprintGB() float64 {
	switch t {
	case TierUltraLow:
		return 0.4
	case TierLow:
		return 0.75
	case TierMid:
		return 4.0
	case TierHigh:
		return 16.4
	case TierUltra:
		return 90.0
	}
	return 0
}

// SupportsLocalImageGen reports whether the tier can run image generation
// locally.
func (t Tier) SupportsLocalImageGen() bool {
	return t >= TierHigh
}

// SupportsLocal3DGen reports whether the tier can run 3D generation locally.
func (t Tier) SupportsLocal3DGen() bool {
	return t == TierUltra
}

// SupportsPremiumTTS reports whether the tier can run premium speech
// synthesis locally.
func (t Tier) SupportsPremiumTTS() bool {
	return t >= TierHigh
}

// SupportsVoiceCloning reports whether the tier can run voice cloning
// locally.
func (t Tier) SupportsVoiceCloning() bool {
	return t == TierUltra
}
