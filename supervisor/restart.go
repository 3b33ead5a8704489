package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// RestartPolicy governs whether a dispatch loop that fails fatally is
// rebound and rerun before its error is declared terminal.
//
// The zero value disables restarts entirely: the first fatal loop
// error fails the run.  That is the supervisor's default, so a crash
// is never papered over unless the caller opts in.
type RestartPolicy struct {
	// MaxAttempts is the number of restarts allowed per service.
	// Zero disables restarting.
	MaxAttempts int
	// BaseDelay is the wait before the first restart (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps the backoff (default 60s).
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt (default 2.0).
	Multiplier float64
	// Jitter adds ±25% randomisation to each delay.
	Jitter bool
}

// DefaultRestartPolicy mirrors the classic supervision defaults:
// five attempts starting at one second, doubling up to a minute.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (p RestartPolicy) enabled() bool { return p.MaxAttempts > 0 }

// delay computes the backoff before the given 1-based attempt.
func (p RestartPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if p.Jitter {
		quarter := d * 0.25
		d += (rand.Float64() * 2 * quarter) - quarter
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
