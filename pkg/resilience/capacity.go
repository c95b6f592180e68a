package resilience

import (
	"sync"
	"time"

	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/metrics"
)

// CostMode represents the effective cost mode of the engine
type CostMode string

const (
	// ModeNormal means full context windows and autonomous chaining are allowed
	ModeNormal CostMode = "normal"
	// ModeAutoReduced means the breaker tripped on capacity pressure
	ModeAutoReduced CostMode = "auto-reduced"
	// ModeManualReduced means the user forced low-cost mode; it wins over auto
	ModeManualReduced CostMode = "manual-reduced"
)

const (
	stressWindow    = 2 * time.Minute
	hardWindow      = 5 * time.Minute
	stressThreshold = 2
	hardThreshold   = 4
	recoveryStreak  = 10
)

// CapacityBreakerConfig holds configuration for the capacity breaker
type CapacityBreakerConfig struct {
	// BackoffMin is the floor for the autonomous-chaining backoff window
	BackoffMin time.Duration
	// OnModeChange is invoked exactly once per effective mode transition
	OnModeChange func(reduced bool, mode CostMode)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultCapacityBreakerConfig returns a default breaker configuration
func DefaultCapacityBreakerConfig() CapacityBreakerConfig {
	return CapacityBreakerConfig{
		BackoffMin: 90 * time.Second,
	}
}

// CapacityBreaker tracks provider-capacity failures in sliding time windows
// and flips the process-wide cost-reduced flag. Only user-initiated turns
// move its state in either direction; autonomous turns never trip it.
type CapacityBreaker struct {
	mu            sync.Mutex
	failures      []time.Time
	auto          bool
	manual        bool
	successStreak int
	backoffUntil  time.Time
	cfg           CapacityBreakerConfig
	log           *logger.Logger
}

// NewCapacityBreaker creates a new capacity breaker
func NewCapacityBreaker(cfg CapacityBreakerConfig, log *logger.Logger) *CapacityBreaker {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 90 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CapacityBreaker{cfg: cfg, log: log}
}

// RecordFailure records a capacity-pressure failure. Autonomous turns are
// ignored entirely. retryAfter is the provider's hint; the backoff window is
// max(BackoffMin, retryAfter) from now.
func (b *CapacityBreaker) RecordFailure(userInitiated bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()

	backoff := b.cfg.BackoffMin
	if retryAfter > backoff {
		backoff = retryAfter
	}
	b.backoffUntil = now.Add(backoff)

	if !userInitiated {
		b.log.Debug("capacity failure on autonomous turn ignored by breaker")
		return
	}

	metrics.CapacityFailuresTotal.Inc()
	b.failures = append(b.failures, now)
	b.prune(now)
	b.successStreak = 0

	if b.auto || b.manual {
		return
	}

	stress, hard := 0, 0
	for _, t := range b.failures {
		if now.Sub(t) <= stressWindow {
			stress++
		}
		if now.Sub(t) <= hardWindow {
			hard++
		}
	}

	if stress >= stressThreshold || hard >= hardThreshold {
		wasReduced := b.reducedLocked()
		b.auto = true
		b.successStreak = 0
		b.log.Warn("capacity breaker tripped",
			"stress_count", stress,
			"hard_count", hard,
		)
		b.notifyLocked(wasReduced)
	}
}

// RecordSuccess counts a successful turn toward auto-recovery. Only
// user-initiated turns advance the streak.
func (b *CapacityBreaker) RecordSuccess(userInitiated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !userInitiated || !b.auto {
		return
	}

	b.successStreak++
	if b.successStreak >= recoveryStreak {
		wasReduced := b.reducedLocked()
		b.auto = false
		b.successStreak = 0
		b.failures = nil
		b.log.Info("capacity breaker recovered", "streak", recoveryStreak)
		b.notifyLocked(wasReduced)
	}
}

// SetManual toggles user-forced low-cost mode. Enabling clears all auto
// bookkeeping; disabling does not re-enable auto-reduced mode.
func (b *CapacityBreaker) SetManual(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasReduced := b.reducedLocked()
	b.manual = enabled
	if enabled {
		b.auto = false
		b.failures = nil
		b.successStreak = 0
	}
	b.notifyLocked(wasReduced)
}

// Reduced reports whether the engine is in any cost-reduced mode
func (b *CapacityBreaker) Reduced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reducedLocked()
}

// Mode returns the effective cost mode
func (b *CapacityBreaker) Mode() CostMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.manual:
		return ModeManualReduced
	case b.auto:
		return ModeAutoReduced
	default:
		return ModeNormal
	}
}

// BackoffElapsed reports whether the capacity backoff window has passed,
// so autonomous chaining may resume
func (b *CapacityBreaker) BackoffElapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.cfg.Now().Before(b.backoffUntil)
}

func (b *CapacityBreaker) reducedLocked() bool {
	return b.auto || b.manual
}

func (b *CapacityBreaker) prune(now time.Time) {
	kept := b.failures[:0]
	for _, t := range b.failures {
		if now.Sub(t) <= hardWindow {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// notifyLocked emits the mode-change notification when the effective reduced
// flag actually flipped. No-op toggles stay silent.
func (b *CapacityBreaker) notifyLocked(wasReduced bool) {
	reduced := b.reducedLocked()
	if reduced == wasReduced {
		return
	}
	if reduced {
		metrics.CostReducedMode.Set(1)
	} else {
		metrics.CostReducedMode.Set(0)
	}
	if b.cfg.OnModeChange != nil {
		mode := ModeNormal
		switch {
		case b.manual:
			mode = ModeManualReduced
		case b.auto:
			mode = ModeAutoReduced
		}
		b.cfg.OnModeChange(reduced, mode)
	}
}
