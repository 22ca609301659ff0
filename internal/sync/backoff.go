package sync

import (
	"math"
	"math/rand"
	"time"

	"pos-sync-service/internal/config"
)

// Backoff maps a retry count to the delay before the next attempt:
// Base * Multiplier^(n-1), capped at Max, spread by +/- Jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       30 * time.Second,
		Max:        time.Hour,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

func BackoffFromConfig(cfg config.RetryConfig) Backoff {
	b := DefaultBackoff()
	if cfg.BaseDelay > 0 {
		b.Base = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		b.Max = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.JitterRatio >= 0 && cfg.JitterRatio < 1 {
		b.Jitter = cfg.JitterRatio
	}
	return b
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		//nolint:gosec // jitter only
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = float64(b.Base)
	}
	return time.Duration(d)
}
