// Package ratelimit implements a sliding-window limiter keyed by
// (caller, provider). Unlike a token bucket it can answer "when will the
// oldest in-window entry expire", which is what the retry-after hint needs.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/store/cache"
	"github.com/voragate/gateway/pkg/api"
)

const shardCount = 32

// Limits bounds one window: a request count and an optional unit budget
// (estimated tokens or artifacts). A zero MaxUnits disables the unit check.
type Limits struct {
	Window      time.Duration
	MaxRequests int
	MaxUnits    int64
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Reservation releases the admitted slot if the request is abandoned
	// before dispatch. Nil when the request was rejected.
	Reservation *Reservation
}

// Reservation identifies one admitted entry so cancellation can return its
// capacity to the window.
type Reservation struct {
	key   string
	stamp time.Time
	units int64
}

type slot struct {
	at    time.Time
	units int64
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]slot
}

// Limiter admits requests against per-key sliding windows. State is
// in-memory and sharded; an optional cache checkpoint survives restarts on a
// best-effort basis.
type Limiter struct {
	shards [shardCount]*shard
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func New(limits Limits, logger *zap.Logger) *Limiter {
	l := &Limiter{limits: limits, logger: logger, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string][]slot)}
	}
	return l
}

// Key builds the canonical window key for a caller/provider pair.
func Key(callerKey, providerID string) string {
	return callerKey + "/" + providerID
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// TryAcquire admits one request carrying the given unit estimate, or rejects
// it with a retry-after hint derived from the oldest in-window entry. The
// check and the insert are atomic per key.
func (l *Limiter) TryAcquire(key string, units int64) Decision {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	window := pruneLocked(s.windows[key], now, l.limits.Window)

	overRequests := l.limits.MaxRequests > 0 && len(window)+1 > l.limits.MaxRequests
	overUnits := false
	if l.limits.MaxUnits > 0 {
		var inWindow int64
		for _, sl := range window {
			inWindow += sl.units
		}
		overUnits = inWindow+units > l.limits.MaxUnits
	}

	if overRequests || overUnits {
		s.windows[key] = window
		retryAfter := l.limits.Window
		if len(window) > 0 {
			retryAfter = window[0].at.Add(l.limits.Window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	stamp := now
	s.windows[key] = append(window, slot{at: stamp, units: units})
	return Decision{Allowed: true, Reservation: &Reservation{key: key, stamp: stamp, units: units}}
}

// Release returns a reservation's capacity, used when a request is cancelled
// before any provider call happened. Releasing twice is harmless.
func (l *Limiter) Release(r *Reservation) {
	if r == nil {
		return
	}
	s := l.shardFor(r.key)

	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windows[r.key]
	for i, sl := range window {
		if sl.at.Equal(r.stamp) && sl.units == r.units {
			s.windows[r.key] = append(window[:i], window[i+1:]...)
			return
		}
	}
}

// pruneLocked drops entries older than the window.
func pruneLocked(window []slot, now time.Time, span time.Duration) []slot {
	cutoff := now.Add(-span)
	i := 0
	for i < len(window) && !window[i].at.After(cutoff) {
		i++
	}
	return window[i:]
}

// checkpoint is the serialized form persisted to the cache.
type checkpoint struct {
	Windows map[string][]checkpointSlot `json:"windows"`
}

type checkpointSlot struct {
	At    time.Time `json:"at"`
	Units int64     `json:"units"`
}

const checkpointKey = "ratelimit:checkpoint"

// Checkpoint snapshots all live windows into the cache. Best effort; a
// failed write only costs restart fidelity.
func (l *Limiter) Checkpoint(ctx context.Context, c cache.CacheService) error {
	now := l.now()
	cp := checkpoint{Windows: make(map[string][]checkpointSlot)}

	for _, s := range l.shards {
		s.mu.Lock()
		for key, window := range s.windows {
			window = pruneLocked(window, now, l.limits.Window)
			if len(window) == 0 {
				delete(s.windows, key)
				continue
			}
			s.windows[key] = window
			out := make([]checkpointSlot, len(window))
			for i, sl := range window {
				out[i] = checkpointSlot{At: sl.at, Units: sl.units}
			}
			cp.Windows[key] = out
		}
		s.mu.Unlock()
	}

	if err := c.Set(ctx, checkpointKey, cp, l.limits.Window); err != nil {
		return fmt.Errorf("ratelimit: checkpoint: %w", err)
	}
	return nil
}

// Restore loads the last checkpoint. A miss is not an error; stale entries
// age out on the first TryAcquire against each key.
func (l *Limiter) Restore(ctx context.Context, c cache.CacheService) error {
	var cp checkpoint
	if err := c.Get(ctx, checkpointKey, &cp); err != nil {
		if err == cache.ErrMiss {
			return nil
		}
		return fmt.Errorf("ratelimit: restore: %w", err)
	}

	restored := 0
	for key, slots := range cp.Windows {
		s := l.shardFor(key)
		window := make([]slot, len(slots))
		for i, cs := range slots {
			window[i] = slot{at: cs.At, units: cs.Units}
		}
		s.mu.Lock()
		s.windows[key] = window
		s.mu.Unlock()
		restored += len(slots)
	}
	if restored > 0 {
		l.logger.Info("rate limiter restored", zap.Int("entries", restored))
	}
	return nil
}

// RejectError maps a denial onto the caller-facing error.
func RejectError(d Decision) error {
	return api.RateLimitedError(d.RetryAfter)
}
