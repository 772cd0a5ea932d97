package session

import (
	"time"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
)

// FPSConfig holds the adaptive frame rate thresholds.
type FPSConfig struct {
	Min      int
	Max      int
	Baseline int
	Step     int
	// HighWater and LowWater are outbound pending-byte marks.
	HighWater        int
	LowWater         int
	IncreaseCooldown time.Duration
	DecreaseInterval time.Duration
	IdleAfter        time.Duration
}

func FPSConfigFrom(cfg config.StreamConfig) FPSConfig {
	return FPSConfig{
		Min:              cfg.MinFPS,
		Max:              cfg.MaxFPS,
		Baseline:         cfg.BaselineFPS,
		Step:             cfg.FPSStep,
		HighWater:        cfg.HighWater,
		LowWater:         cfg.LowWater,
		IncreaseCooldown: cfg.IncreaseCooldown,
		DecreaseInterval: cfg.DecreaseInterval,
		IdleAfter:        cfg.IdleAfter,
	}
}

// AdaptiveFPS tracks one session's target frame rate. Every mutation
// leaves current within [Min, Max]. It is not safe for concurrent use; the
// owning Session serializes access.
type AdaptiveFPS struct {
	cfg          FPSConfig
	current      int
	idle         bool
	lastActivity time.Time
	lastIncrease time.Time
	lastDecrease time.Time
}

func NewAdaptiveFPS(cfg FPSConfig, now time.Time) *AdaptiveFPS {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Step < 1 {
		cfg.Step = 1
	}
	f := &AdaptiveFPS{
		cfg:          cfg,
		lastActivity: now,
		lastIncrease: now,
	}
	f.current = f.clamp(cfg.Baseline)
	return f
}

func (f *AdaptiveFPS) clamp(v int) int {
	return max(f.cfg.Min, min(v, f.cfg.Max))
}

func (f *AdaptiveFPS) Current() int { return f.current }
func (f *AdaptiveFPS) Idle() bool   { return f.idle }

// Interval is the minimum spacing between two frames at the current rate.
func (f *AdaptiveFPS) Interval() time.Duration {
	return time.Second / time.Duration(f.current)
}

// CheckIdle drops to the minimum rate once no activity has been seen for
// IdleAfter. It reports whether the session just became idle.
func (f *AdaptiveFPS) CheckIdle(now time.Time) bool {
	if f.idle || f.cfg.IdleAfter <= 0 || now.Sub(f.lastActivity) < f.cfg.IdleAfter {
		return false
	}
	f.idle = true
	f.current = f.cfg.Min
	return true
}

// ApplyBackpressure adjusts the rate from the connection's pending bytes
// and reports whether it changed.
func (f *AdaptiveFPS) ApplyBackpressure(buffered int, now time.Time) bool {
	prev := f.current

	switch {
	case buffered > f.cfg.HighWater:
		if !f.lastDecrease.IsZero() && now.Sub(f.lastDecrease) < f.cfg.DecreaseInterval {
			return false
		}
		f.current = f.clamp(f.current - f.cfg.Step)
		f.lastDecrease = now
	case buffered < f.cfg.LowWater:
		if f.idle || now.Sub(f.lastIncrease) < f.cfg.IncreaseCooldown {
			return false
		}
		f.current = f.clamp(f.current + f.cfg.Step)
		f.lastIncrease = now
	}

	return f.current != prev
}

// Activity records user input: idle is cleared and the rate is restored to
// at least the baseline.
func (f *AdaptiveFPS) Activity(now time.Time) {
	f.lastActivity = now
	f.idle = false
	f.current = f.clamp(max(f.current, f.cfg.Baseline))
}
