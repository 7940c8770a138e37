package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/pkg/api"
)

const (
	// SourceConfig marks descriptors from local configuration; discovery
	// refreshes never overwrite them.
	SourceConfig = "config"
	// SourceDiscovery marks descriptors merged in from a discovery feed.
	SourceDiscovery = "discovery"
)

// Descriptor is the immutable-by-convention record for a known provider.
// Health lives next to it inside the registry and is mutated only through
// ReportOutcome.
type Descriptor struct {
	ID           string           `json:"id"`
	Category     api.Category     `json:"category"`
	Capabilities []api.Capability `json:"capabilities"`
	Pricing      api.Pricing      `json:"pricing"`
	PriorityRank int              `json:"priority_rank"`
	Local        bool             `json:"local"`
	Workload     string           `json:"workload,omitempty"`
	ModelID      string           `json:"model_id,omitempty"`
	Source       string           `json:"source"`
}

func (d Descriptor) supports(c api.Capability) bool {
	for _, cap := range d.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Candidate is a snapshot of one provider eligible to serve a request.
type Candidate struct {
	Descriptor
	Health  HealthState
	Latency time.Duration
}

// ProviderStatus is the observability view of one registered provider.
type ProviderStatus struct {
	Descriptor
	Health           HealthState   `json:"health"`
	ErrorRate        float64       `json:"error_rate"`
	Latency          time.Duration `json:"latency_ewma_ms"`
	UnavailableUntil time.Time     `json:"unavailable_until,omitempty"`
}

// DiscoverySnapshot is a periodic feed of externally discovered providers.
type DiscoverySnapshot struct {
	Providers []Descriptor
}

// Override pins locally administered fields against discovery merges.
type Override struct {
	ProviderID   string
	PriorityRank *int
	Disabled     bool
	Pricing      *api.Pricing
}

// Registry holds descriptors and live health state for every known provider.
// The map is guarded by one RWMutex; per-provider mutation happens under each
// entry's own lock so feedback for one provider never stalls lookups of
// another.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	activeMu sync.RWMutex
	active   map[string]string // workload category -> active model id

	logger *zap.Logger
	now    func() time.Time
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		active:  make(map[string]string),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a descriptor. Registering an id twice fails with
// DuplicateProvider regardless of capability set.
func (r *Registry) Register(d Descriptor) error {
	if d.Source == "" {
		d.Source = SourceConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.ID]; exists {
		return api.DuplicateProviderError(d.ID)
	}

	r.entries[d.ID] = newEntry(d)
	r.logger.Info("provider registered",
		zap.String("provider", d.ID),
		zap.String("category", string(d.Category)),
		zap.String("source", d.Source),
	)
	return nil
}

// Lookup returns the ranked candidate list for a capability: a snapshot
// ordered by (health, priority rank, latency, cost) with the id as the
// deterministic tie-break. Unavailable providers stay excluded until their
// cooldown expires; local model slots only surface their active model.
func (r *Registry) Lookup(capability api.Capability) []Candidate {
	now := r.now()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := e.desc
		health := e.healthLocked(now)
		latency := e.latencyEWMA
		disabled := e.disabled
		e.mu.Unlock()

		if disabled || !d.supports(capability) {
			continue
		}
		if health == Unavailable {
			continue
		}
		if d.Local && d.Workload != "" {
			if active := r.ActiveModel(d.Workload); active != "" && active != d.ModelID {
				continue
			}
		}
		candidates = append(candidates, Candidate{Descriptor: d, Health: health, Latency: latency})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Health != b.Health {
			return a.Health < b.Health
		}
		if a.PriorityRank != b.PriorityRank {
			return a.PriorityRank < b.PriorityRank
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		ac, bc := costScore(a.Pricing), costScore(b.Pricing)
		if ac != bc {
			return ac < bc
		}
		return a.ID < b.ID
	})

	return candidates
}

func costScore(p api.Pricing) int64 {
	return p.InputMicrosPer1K + p.OutputMicrosPer1K + p.PerArtifactMicros
}

// ReportOutcome feeds one call result into the provider's rolling error-rate
// window. Health transitions derive from the window, never from a single
// failure.
func (r *Registry) ReportOutcome(providerID string, success bool, kind api.ErrorKind, latency time.Duration) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.now()

	e.mu.Lock()
	before := e.healthLocked(now)
	e.record(success, latency)

	if success {
		// A success after a cooldown retry resets the backoff ladder.
		if !e.unavailableUntil.IsZero() && now.After(e.unavailableUntil) {
			e.unavailableUntil = time.Time{}
			e.cooldown = 0
		}
	} else if e.windowFull() && e.failureRate() >= hardFailureRate {
		e.markUnavailable(now)
	}
	after := e.healthLocked(now)
	until := e.unavailableUntil
	e.mu.Unlock()

	if before != after {
		fields := []zap.Field{
			zap.String("provider", providerID),
			zap.String("from", before.String()),
			zap.String("to", after.String()),
			zap.String("kind", string(kind)),
		}
		if after == Unavailable {
			fields = append(fields, zap.Time("until", until))
		}
		r.logger.Warn("provider health transition", fields...)
	}
}

// Refresh merges a discovery snapshot. Locally configured descriptors are
// authoritative: only discovery-sourced entries are updated, and new
// providers come in marked as discovered.
func (r *Registry) Refresh(snapshot DiscoverySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range snapshot.Providers {
		d.Source = SourceDiscovery
		existing, ok := r.entries[d.ID]
		if !ok {
			r.entries[d.ID] = newEntry(d)
			r.logger.Info("provider discovered", zap.String("provider", d.ID))
			continue
		}

		existing.mu.Lock()
		if existing.desc.Source == SourceDiscovery && !existing.overridden {
			existing.desc = d
		}
		existing.mu.Unlock()
	}
}

// ApplyOverride pins administered fields for a provider. Overridden entries
// are skipped by future discovery merges.
func (r *Registry) ApplyOverride(o Override) {
	r.mu.RLock()
	e, ok := r.entries[o.ProviderID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if o.PriorityRank != nil {
		e.desc.PriorityRank = *o.PriorityRank
	}
	if o.Pricing != nil {
		e.desc.Pricing = *o.Pricing
	}
	e.disabled = o.Disabled
	e.overridden = true
}

// SetActiveModel records the swap controller's choice of active model for a
// workload category. Lookup reflects it immediately.
func (r *Registry) SetActiveModel(workload, modelID string) {
	r.activeMu.Lock()
	r.active[workload] = modelID
	r.activeMu.Unlock()
}

// ActiveModel returns the active model for a workload category, or "".
func (r *Registry) ActiveModel(workload string) string {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()
	return r.active[workload]
}

// List returns the status of every registered provider, sorted by id.
func (r *Registry) List() []ProviderStatus {
	now := r.now()

	r.mu.RLock()
	statuses := make([]ProviderStatus, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		statuses = append(statuses, ProviderStatus{
			Descriptor:       e.desc,
			Health:           e.healthLocked(now),
			ErrorRate:        e.failureRate(),
			Latency:          e.latencyEWMA,
			UnavailableUntil: e.unavailableUntil,
		})
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
