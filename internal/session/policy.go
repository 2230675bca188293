package session

import (
	"math"
	"time"
)

// ReconnectPolicy computes the delay before each reconnect attempt. With
// Multiplier 1 and Initial equal to Max the delay is fixed; MaxAttempts 0
// retries forever.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultReconnectPolicy retries every five seconds without limit.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:    5 * time.Second,
		Max:        5 * time.Second,
		Multiplier: 1,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Delay returns the wait before attempt (zero based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	return time.Duration(math.Min(delay, float64(p.Max)))
}

func (p ReconnectPolicy) exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
