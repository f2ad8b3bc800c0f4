package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-based). Attempt 1 waits
// InitialDelay; later attempts grow by Multiplier, capped at MaxDelay. With
// Jitter the result is scaled by a factor in [0.5, 1.5) drawn from rng, or
// by 0.5 when rng is nil.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return b.InitialDelay
	}
	growth := math.Max(b.Multiplier, 1)
	delay := float64(b.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		factor := 0.5
		if rng != nil {
			factor += rng.Float64()
		}
		delay *= factor
	}
	return time.Duration(delay)
}
