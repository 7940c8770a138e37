package api

import "time"

// Capability is a category of work a provider can perform.
type Capability string

const (
	CapabilityTextGeneration  Capability = "text.generation"
	CapabilityEmbeddings      Capability = "text.embeddings"
	CapabilitySpeechSynthesis Capability = "speech.synthesis"
	CapabilityTranscription   Capability = "speech.transcription"
	CapabilityImageGeneration Capability = "image.generation"
)

// Category groups capabilities into the two provider families the
// gateway routes between.
type Category string

const (
	CategoryLanguage Category = "language-intelligence"
	CategoryMedia    Category = "media-generation"
)

// CategoryOf maps a capability onto its provider category.
func CategoryOf(c Capability) Category {
	switch c {
	case CapabilityImageGeneration, CapabilitySpeechSynthesis:
		return CategoryMedia
	default:
		return CategoryLanguage
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Request is the ephemeral unit of work submitted to the gateway. The ID is
// the idempotency key for cost recording; retries of the same logical request
// must reuse it.
type Request struct {
	ID         string     `json:"id"`
	Capability Capability `json:"capability" binding:"required"`
	Payload    Payload    `json:"payload"`
	CallerKey  string     `json:"caller_key"`
	Priority   Priority   `json:"priority"`
	Deadline   time.Time  `json:"deadline,omitempty"`
}

// Payload describes the work without the gateway understanding it. Token
// estimates feed the budget pre-check; adapters interpret the rest.
type Payload struct {
	Prompt               string            `json:"prompt,omitempty"`
	EstimatedInputTokens int               `json:"estimated_input_tokens,omitempty"`
	MaxOutputTokens      int               `json:"max_output_tokens,omitempty"`
	Artifacts            int               `json:"artifacts,omitempty"`
	Options              map[string]string `json:"options,omitempty"`
}

// Usage is what an adapter reports back after a completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Artifacts    int `json:"artifacts"`
}

// Outcome is the terminal result of a routed request.
type Outcome struct {
	RequestID  string        `json:"request_id"`
	ProviderID string        `json:"provider_id"`
	ModelID    string        `json:"model_id,omitempty"`
	Output     string        `json:"output,omitempty"`
	Usage      Usage         `json:"usage"`
	CostMicros int64         `json:"cost_micros"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency_ms"`
}

// RequestState tracks an asynchronously submitted request handle.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateStreaming RequestState = "streaming"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
)

// RequestStatus is returned by the status endpoint for a handle.
type RequestStatus struct {
	Handle  string       `json:"handle"`
	State   RequestState `json:"state"`
	Outcome *Outcome     `json:"outcome,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Window names a rolling accounting window.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Valid reports whether w is one of the supported windows.
func (w Window) Valid() bool {
	switch w {
	case WindowHour, WindowDay, WindowMonth:
		return true
	}
	return false
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// UsageReport aggregates a caller's ledger over one window.
type UsageReport struct {
	CallerKey       string `json:"caller_key"`
	Window          Window `json:"window"`
	SpentMicros     int64  `json:"spent_micros"`
	RequestCount    int64  `json:"request_count"`
	SoftLimitMicros int64  `json:"soft_limit_micros,omitempty"`
	HardLimitMicros int64  `json:"hard_limit_micros,omitempty"`
}

// Pricing is a per-(provider, model) price schedule in integer
// micro-currency-units, mirroring upstream per-1k-token price sheets.
type Pricing struct {
	InputMicrosPer1K  int64 `json:"input_micros_per_1k" mapstructure:"input_micros_per_1k"`
	OutputMicrosPer1K int64 `json:"output_micros_per_1k" mapstructure:"output_micros_per_1k"`
	PerArtifactMicros int64 `json:"per_artifact_micros" mapstructure:"per_artifact_micros"`
}

// Cost prices a usage record against this schedule. Integer math throughout;
// sub-1k token counts round down the same way the upstream billers do.
func (p Pricing) Cost(u Usage) int64 {
	cost := (int64(u.InputTokens) * p.InputMicrosPer1K) / 1000
	cost += (int64(u.OutputTokens) * p.OutputMicrosPer1K) / 1000
	cost += int64(u.Artifacts) * p.PerArtifactMicros
	return cost
}

// Estimate prices a payload before dispatch for the budget pre-check.
func (p Pricing) Estimate(payload Payload) int64 {
	return p.Cost(Usage{
		InputTokens:  payload.EstimatedInputTokens,
		OutputTokens: payload.MaxOutputTokens,
		Artifacts:    payload.Artifacts,
	})
}
