package registry

import (
	"sync"
	"time"
)

// HealthState orders from best to worst so candidate sorting can compare it
// directly.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unavailable
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

const (
	// healthWindowSize is the number of recent calls the error rate is
	// computed over.
	healthWindowSize = 20

	// degradeFailures is the absolute failure count in the window that flips
	// a provider to Degraded (>50% of the window). Below a full window a
	// handful of failures never demotes.
	degradeFailures = healthWindowSize/2 + 1

	// hardFailureRate pushes a Degraded provider to Unavailable when nearly
	// every recent call fails.
	hardFailureRate = 0.8

	cooldownBase = 30 * time.Second
	cooldownMax  = 10 * time.Minute

	// latencyAlpha is the EWMA smoothing factor for latency samples.
	latencyAlpha = 0.2
)

type entry struct {
	mu   sync.Mutex
	desc Descriptor

	window    [healthWindowSize]bool // true = failure
	windowLen int
	windowPos int
	failures  int

	latencyEWMA      time.Duration
	unavailableUntil time.Time
	cooldown         time.Duration

	disabled   bool
	overridden bool
}

func newEntry(d Descriptor) *entry {
	return &entry{desc: d}
}

// record pushes one outcome into the ring buffer and updates the latency
// EWMA. Caller holds e.mu.
func (e *entry) record(success bool, latency time.Duration) {
	failed := !success
	if e.windowLen == healthWindowSize {
		if e.window[e.windowPos] {
			e.failures--
		}
	} else {
		e.windowLen++
	}
	e.window[e.windowPos] = failed
	if failed {
		e.failures++
	}
	e.windowPos = (e.windowPos + 1) % healthWindowSize

	if latency > 0 {
		if e.latencyEWMA == 0 {
			e.latencyEWMA = latency
		} else {
			e.latencyEWMA = time.Duration(float64(e.latencyEWMA)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
		}
	}
}

func (e *entry) windowFull() bool { return e.windowLen == healthWindowSize }

func (e *entry) failureRate() float64 {
	if e.windowLen == 0 {
		return 0
	}
	return float64(e.failures) / float64(e.windowLen)
}

// markUnavailable starts (or doubles) the exponential cooldown.
// Caller holds e.mu.
func (e *entry) markUnavailable(now time.Time) {
	if e.cooldown == 0 {
		e.cooldown = cooldownBase
	} else {
		e.cooldown *= 2
		if e.cooldown > cooldownMax {
			e.cooldown = cooldownMax
		}
	}
	e.unavailableUntil = now.Add(e.cooldown)
}

// healthLocked derives the current state from the window and cooldown.
// Caller holds e.mu.
func (e *entry) healthLocked(now time.Time) HealthState {
	if !e.unavailableUntil.IsZero() && now.Before(e.unavailableUntil) {
		return Unavailable
	}
	if e.failures >= degradeFailures {
		return Degraded
	}
	return Healthy
}
