package entities

import "time"

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectCap         = 10 * time.Second
)

// ReconnectPolicy tracks the exponential backoff budget of the connection
type ReconnectPolicy struct {
	Attempts    int
	MaxAttempts int
	BaseDelay   time.Duration
	Cap         time.Duration
	// Enabled is true only for auto-initiated connects
	Enabled bool
}

// DefaultReconnectPolicy returns the policy used when nothing is configured
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: DefaultMaxReconnectAttempts,
		BaseDelay:   DefaultReconnectBaseDelay,
		Cap:         DefaultReconnectCap,
	}
}

// Delay returns min(BaseDelay * 2^Attempts, Cap)
func (p *ReconnectPolicy) Delay() time.Duration {
	delay := p.BaseDelay
	for i := 0; i < p.Attempts; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	return min(delay, p.Cap)
}

// CanRetry reports whether another reconnect may be scheduled
func (p *ReconnectPolicy) CanRetry() bool {
	return p.Enabled && p.Attempts < p.MaxAttempts
}

// Exhausted reports whether auto-reconnect was enabled but its budget is used up
func (p *ReconnectPolicy) Exhausted() bool {
	return p.Enabled && p.Attempts >= p.MaxAttempts
}

// Advance consumes one attempt and returns its 1-based number and the delay before it
func (p *ReconnectPolicy) Advance() (attempt int, delay time.Duration) {
	delay = p.Delay()
	p.Attempts++
	return p.Attempts, delay
}

// Reset restores the full budget; called on every successful open and manual disconnect
func (p *ReconnectPolicy) Reset() {
	p.Attempts = 0
}
