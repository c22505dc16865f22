package refresh

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff bounds one refresh cycle's retries and the cooldown that follows a failed cycle.
type Backoff struct {
	// Attempts is the number of fetches per cycle, first try included.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// RateLimitPause is the minimum wait after the source reports throttling.
	RateLimitPause time.Duration
	// Cooldown suppresses scheduled refreshes after a cycle ends in failure.
	Cooldown time.Duration
	// Jitter returns a multiplier applied to each delay. Nil uses a uniform
	// factor in [0.7, 1.3).
	Jitter func() float64
}

// DefaultBackoff mirrors the service defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:       5,
		Base:           500 * time.Millisecond,
		Max:            5 * time.Second,
		RateLimitPause: 5 * time.Second,
		Cooldown:       30 * time.Second,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = def.Attempts
	}
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Cooldown < 0 {
		b.Cooldown = 0
	}
	if b.RateLimitPause < 0 {
		b.RateLimitPause = 0
	}
	if b.Jitter == nil {
		b.Jitter = func() float64 { return 0.7 + 0.6*rand.Float64() }
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based): Base doubled
// per attempt, capped at Max, then scaled by jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter != nil {
		d *= b.Jitter()
	}
	return time.Duration(d)
}
