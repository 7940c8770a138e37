// Package swap coordinates dynamic substitution of the active local model
// per workload category. Each category runs an independent state machine;
// in-flight requests always finish on the model they started on.
package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/pkg/api"
)

// State is the per-category lifecycle phase.
type State string

const (
	StateIdle        State = "idle"
	StateLoaded      State = "loaded"
	StateSwappingOut State = "swapping_out"
)

// Trigger is the reason a swap was initiated, recorded in the audit trail.
type Trigger string

const (
	TriggerMemoryPressure  Trigger = "memory_pressure"
	TriggerTierChange      Trigger = "tier_change"
	TriggerIdleUpgrade     Trigger = "idle_upgrade"
	TriggerPowerTransition Trigger = "power_transition"
	TriggerConsolidation   Trigger = "consolidation"
	TriggerManual          Trigger = "manual"
)

// Loader stages, activates and tears down local models. Prepare is allowed
// to be slow (downloads, warmup); Activate must be fast.
type Loader interface {
	Prepare(ctx context.Context, category, modelID string) error
	Activate(ctx context.Context, category, modelID string) error
	Decommission(ctx context.Context, category, modelID string) error
}

// Registrar is the registry surface the controller annotates so lookups
// route new requests to the active model.
type Registrar interface {
	SetActiveModel(workload, modelID string)
	ActiveModel(workload string) string
}

// InFlightFunc reports how many requests are still executing against a
// category's current model. The controller polls it during the drain grace.
type InFlightFunc func(category string) int

type categoryState struct {
	mu       sync.Mutex
	state    State
	model    string
	ladder   []string // model IDs ordered smallest to largest
	rung     int
	swapping bool // guards the swap sequence; the lock itself stays short-held
}

// Controller owns one state machine per workload category and serializes
// swaps within each. Swaps in different categories proceed independently.
type Controller struct {
	mu         sync.RWMutex
	categories map[string]*categoryState

	loader   Loader
	registry Registrar
	swaps    store.SwapRepository
	inflight InFlightFunc

	drainGrace time.Duration
	pressure   float64
	logger     *zap.Logger
	now        func() time.Time
}

func NewController(
	loader Loader,
	registry Registrar,
	swaps store.SwapRepository,
	inflight InFlightFunc,
	cfg config.SwapConfig,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		categories: make(map[string]*categoryState),
		loader:     loader,
		registry:   registry,
		swaps:      swaps,
		inflight:   inflight,
		drainGrace: cfg.DrainGrace(),
		pressure:   cfg.MemoryPressureThreshold,
		logger:     logger,
		now:        time.Now,
	}
}

// Configure installs a category's model ladder without loading anything.
// The ladder is ordered smallest to largest footprint.
func (c *Controller) Configure(category string, ladder []string) {
	c.mu.Lock()
	c.categories[category] = &categoryState{state: StateIdle, ladder: ladder}
	c.mu.Unlock()
}

func (c *Controller) category(name string) (*categoryState, bool) {
	c.mu.RLock()
	cs, ok := c.categories[name]
	c.mu.RUnlock()
	return cs, ok
}

// Bootstrap loads each category's initial model, chosen as the largest rung
// of its ladder.
func (c *Controller) Bootstrap(ctx context.Context) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		cs, _ := c.category(name)
		if len(cs.ladder) == 0 {
			continue
		}
		top := len(cs.ladder) - 1
		if err := c.SwapTo(ctx, name, cs.ladder[top], TriggerManual); err != nil {
			return err
		}
	}
	return nil
}

// SwapTo replaces the active model for a category. The sequence is: prepare
// the incoming model, flip the registry annotation, drain the outgoing
// model, decommission it. A failure before the flip leaves the old model
// serving; the audit trail records either way. The category lock is only
// held to flip state; the slow loader and drain phases run outside it so
// status reads and trigger checks never stall behind a pull.
func (c *Controller) SwapTo(ctx context.Context, category, toModel string, trigger Trigger) error {
	cs, ok := c.category(category)
	if !ok {
		return api.SwapFailedError(category, toModel, errors.New("unknown workload category"))
	}

	cs.mu.Lock()
	if cs.swapping {
		cs.mu.Unlock()
		return api.SwapFailedError(category, toModel, errors.New("swap already in progress"))
	}
	fromModel := cs.model
	if fromModel == toModel {
		cs.mu.Unlock()
		return nil
	}
	cs.swapping = true
	cs.state = StateSwappingOut
	cs.mu.Unlock()

	fail := func(err error) error {
		cs.mu.Lock()
		cs.state = c.settledState(fromModel)
		cs.swapping = false
		cs.mu.Unlock()
		c.audit(category, fromModel, toModel, trigger, "failed", err.Error())
		return api.SwapFailedError(category, toModel, err)
	}

	c.logger.Info("model swap started",
		zap.String("category", category),
		zap.String("from", fromModel),
		zap.String("to", toModel),
		zap.String("trigger", string(trigger)),
	)

	if err := c.loader.Prepare(ctx, category, toModel); err != nil {
		return fail(err)
	}

	if err := c.loader.Activate(ctx, category, toModel); err != nil {
		// Roll back: the staged model is torn down and the old one keeps
		// serving untouched.
		if derr := c.loader.Decommission(ctx, category, toModel); derr != nil {
			c.logger.Error("failed to tear down staged model",
				zap.String("category", category),
				zap.String("model", toModel),
				zap.Error(derr),
			)
		}
		return fail(err)
	}

	// From here new requests route to the incoming model.
	c.registry.SetActiveModel(category, toModel)

	c.drain(ctx, category)

	if fromModel != "" {
		if err := c.loader.Decommission(ctx, category, fromModel); err != nil {
			c.logger.Error("failed to decommission outgoing model",
				zap.String("category", category),
				zap.String("model", fromModel),
				zap.Error(err),
			)
		}
	}

	cs.mu.Lock()
	cs.model = toModel
	cs.rung = rungOf(cs.ladder, toModel)
	cs.state = StateLoaded
	cs.swapping = false
	cs.mu.Unlock()
	c.audit(category, fromModel, toModel, trigger, "completed", "")

	c.logger.Info("model swap completed",
		zap.String("category", category),
		zap.String("model", toModel),
	)
	return nil
}

func (c *Controller) settledState(model string) State {
	if model == "" {
		return StateIdle
	}
	return StateLoaded
}

// drain waits for in-flight requests on the category to finish, up to the
// grace period. Requests still running after the grace keep their model
// until they complete; only new work moves.
func (c *Controller) drain(ctx context.Context, category string) {
	if c.inflight == nil || c.drainGrace <= 0 {
		return
	}

	deadline := c.now().Add(c.drainGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for c.inflight(category) > 0 {
		if c.now().After(deadline) {
			c.logger.Warn("drain grace elapsed with requests in flight",
				zap.String("category", category),
				zap.Int("in_flight", c.inflight(category)),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) audit(category, from, to string, trigger Trigger, outcome, diagnosis string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.swaps.Append(ctx, &model.SwapDecision{
		ID:        uuid.New().String(),
		Category:  category,
		FromModel: from,
		ToModel:   to,
		Trigger:   string(trigger),
		Outcome:   outcome,
		Diagnosis: diagnosis,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		c.logger.Error("failed to record swap decision", zap.Error(err))
	}
}

// ReportMemoryPressure steps the category one rung down its ladder when the
// used fraction crosses the configured threshold.
func (c *Controller) ReportMemoryPressure(ctx context.Context, category string, usedFraction float64) error {
	if usedFraction < c.pressure {
		return nil
	}
	cs, ok := c.category(category)
	if !ok {
		return nil
	}

	cs.mu.Lock()
	rung := cs.rung
	busy := cs.swapping
	var target string
	if !busy && rung > 0 {
		target = cs.ladder[rung-1]
	}
	cs.mu.Unlock()

	if target == "" {
		// Already on the smallest model, or a swap is underway.
		return nil
	}
	return c.SwapTo(ctx, category, target, TriggerMemoryPressure)
}

// TryIdleUpgrade steps the category one rung up when pressure has receded.
func (c *Controller) TryIdleUpgrade(ctx context.Context, category string, usedFraction float64) error {
	if usedFraction >= c.pressure {
		return nil
	}
	cs, ok := c.category(category)
	if !ok {
		return nil
	}

	cs.mu.Lock()
	rung := cs.rung
	var target string
	if !cs.swapping && rung < len(cs.ladder)-1 {
		target = cs.ladder[rung+1]
	}
	cs.mu.Unlock()

	if target == "" {
		return nil
	}
	return c.SwapTo(ctx, category, target, TriggerIdleUpgrade)
}

// ReportPowerChange reacts to power source transitions: plugging into mains
// steps every settled category one rung up, dropping to battery steps one
// rung down to shed draw. Failed swaps are logged and skipped; the remaining
// categories still move.
func (c *Controller) ReportPowerChange(ctx context.Context, onBattery bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		cs, _ := c.category(name)

		cs.mu.Lock()
		rung := cs.rung
		settled := cs.state == StateLoaded
		var target string
		if settled {
			if onBattery && rung > 0 {
				target = cs.ladder[rung-1]
			} else if !onBattery && rung < len(cs.ladder)-1 {
				target = cs.ladder[rung+1]
			}
		}
		cs.mu.Unlock()

		if target == "" {
			continue
		}
		if err := c.SwapTo(ctx, name, target, TriggerPowerTransition); err != nil {
			c.logger.Warn("power transition swap skipped",
				zap.String("category", name),
				zap.Error(err),
			)
		}
	}
}

// Consolidate moves the named categories onto one shared model when a model
// appears in every ladder, freeing the memory held by the others. The shared
// model chosen is the largest common rung so capability is not lost.
func (c *Controller) Consolidate(ctx context.Context, categories []string) error {
	if len(categories) < 2 {
		return nil
	}

	shared := ""
	first, ok := c.category(categories[0])
	if !ok {
		return nil
	}
	first.mu.Lock()
	ladder := append([]string(nil), first.ladder...)
	first.mu.Unlock()

	// Walk the first ladder top-down and keep the largest model every other
	// category can also serve.
	for i := len(ladder) - 1; i >= 0 && shared == ""; i-- {
		candidate := ladder[i]
		common := true
		for _, name := range categories[1:] {
			cs, ok := c.category(name)
			if !ok {
				return nil
			}
			cs.mu.Lock()
			present := ladderHas(cs.ladder, candidate)
			cs.mu.Unlock()
			if !present {
				common = false
				break
			}
		}
		if common {
			shared = candidate
		}
	}
	if shared == "" {
		return nil
	}

	var firstErr error
	for _, name := range categories {
		if err := c.SwapTo(ctx, name, shared, TriggerConsolidation); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status is the observability view of one category.
type Status struct {
	Category string   `json:"category"`
	State    State    `json:"state"`
	Model    string   `json:"model,omitempty"`
	Ladder   []string `json:"ladder"`
}

// Statuses returns every category's current state.
func (c *Controller) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.categories))
	for name, cs := range c.categories {
		cs.mu.Lock()
		out = append(out, Status{
			Category: name,
			State:    cs.state,
			Model:    cs.model,
			Ladder:   cs.ladder,
		})
		cs.mu.Unlock()
	}
	return out
}

func ladderHas(ladder []string, model string) bool {
	for _, m := range ladder {
		if m == model {
			return true
		}
	}
	return false
}

func rungOf(ladder []string, model string) int {
	for i, m := range ladder {
		if m == model {
			return i
		}
	}
	return 0
}
