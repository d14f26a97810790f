// Package retry re-issues ledger operations that failed transiently.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy is a deterministic exponential backoff. There is no jitter: items that fail
// together retry together.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (p Policy) Validate() error {
	if p.InitialDelay <= 0 || p.MaxDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("retry max delay %s is below initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Backoff returns min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
