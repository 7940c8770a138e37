// Package gateway is the routing core: it takes validated requests, walks
// the ranked candidate list from the registry, enforces rate and budget
// ceilings, and dispatches to provider adapters with retry and fallback.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/adapter"
	"github.com/voragate/gateway/internal/budget"
	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/hardware"
	"github.com/voragate/gateway/internal/ratelimit"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/pkg/api"
)

// Service is the facade the HTTP layer talks to.
type Service struct {
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	budget     *budget.Tracker
	classifier *hardware.Classifier

	adaptersMu sync.RWMutex
	adapters   map[string]adapter.Adapter

	inflightMu sync.Mutex
	inflight   map[string]int // drain key -> executing requests

	handlesMu sync.Mutex
	handles   map[string]*handleEntry
	handleTTL time.Duration

	attemptTimeout time.Duration
	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration

	logger *zap.Logger
	now    func() time.Time
}

func New(
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	tracker *budget.Tracker,
	classifier *hardware.Classifier,
	cfg config.RouterConfig,
	logger *zap.Logger,
) *Service {
	s := &Service{
		registry:       reg,
		limiter:        limiter,
		budget:         tracker,
		classifier:     classifier,
		adapters:       make(map[string]adapter.Adapter),
		inflight:       make(map[string]int),
		handles:        make(map[string]*handleEntry),
		handleTTL:      time.Duration(cfg.HandleTTLSeconds) * time.Second,
		attemptTimeout: cfg.AttemptTimeout(),
		maxRetries:     cfg.MaxRetries,
		backoffBase:    time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		backoffCap:     time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		logger:         logger,
		now:            time.Now,
	}
	if s.handleTTL <= 0 {
		s.handleTTL = 10 * time.Minute
	}
	if s.attemptTimeout <= 0 {
		s.attemptTimeout = 30 * time.Second
	}
	return s
}

// RegisterAdapter binds an adapter to its provider id. The registry entry
// must exist separately; a candidate without an adapter is skipped at
// dispatch time.
func (s *Service) RegisterAdapter(providerID string, a adapter.Adapter) {
	s.adaptersMu.Lock()
	s.adapters[providerID] = a
	s.adaptersMu.Unlock()
}

func (s *Service) adapterFor(providerID string) (adapter.Adapter, bool) {
	s.adaptersMu.RLock()
	a, ok := s.adapters[providerID]
	s.adaptersMu.RUnlock()
	return a, ok
}

// InFlight reports executing requests for a drain key. The swap controller
// polls this during drain, keyed by the workload slot it is swapping.
func (s *Service) InFlight(key string) int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[key]
}

// drainKey picks the in-flight counter for a candidate: the workload slot
// when one is configured (the key swaps drain on), the broad category
// otherwise.
func drainKey(cand registry.Candidate) string {
	if cand.Workload != "" {
		return cand.Workload
	}
	return string(cand.Category)
}

func (s *Service) enterFlight(category string) {
	s.inflightMu.Lock()
	s.inflight[category]++
	s.inflightMu.Unlock()
}

func (s *Service) exitFlight(category string) {
	s.inflightMu.Lock()
	if s.inflight[category] > 0 {
		s.inflight[category]--
	}
	s.inflightMu.Unlock()
}

// Usage reports a caller's spend over a window.
func (s *Service) Usage(callerKey string, w api.Window) (api.UsageReport, error) {
	if !w.Valid() {
		return api.UsageReport{}, api.NewError(400, "window must be hour, day or month", nil)
	}
	return s.budget.Usage(callerKey, w), nil
}

// DeviceTier returns the current hardware classification.
func (s *Service) DeviceTier(ctx context.Context) api.TierInfo {
	return s.classifier.Info(ctx)
}

// ForceRescan reprobes the hardware immediately and returns the fresh view.
func (s *Service) ForceRescan(ctx context.Context) (api.TierInfo, error) {
	if _, err := s.classifier.ForceRescan(ctx); err != nil {
		return api.TierInfo{}, err
	}
	return s.classifier.Info(ctx), nil
}

// Providers returns the status of every registered provider.
func (s *Service) Providers() []registry.ProviderStatus {
	return s.registry.List()
}

// normalize fills request defaults. The ID doubles as the idempotency key
// for cost recording, so one is always assigned before dispatch.
func (s *Service) normalize(req *api.Request) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
}
