package api

import "time"

// TierInfo is the caller-facing view of the device classification.
type TierInfo struct {
	NominalTier   int       `json:"nominal_tier"`
	EffectiveTier int       `json:"effective_tier"`
	DisplayName   string    `json:"display_name"`
	Summary       string    `json:"summary"`
	CapturedAt    time.Time `json:"captured_at"`
	Stale         bool      `json:"stale"`

	// Capability predicates derived from the effective tier.
	LocalImageGeneration bool `json:"local_image_generation"`
	Local3DGeneration    bool `json:"local_3d_generation"`
	PremiumSpeech        bool `json:"premium_speech"`
	VoiceCloning         bool `json:"voice_cloning"`
}
