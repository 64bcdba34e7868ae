package netbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy controls reconnection after a socket failure.
type ReconnectPolicy struct {
	// Interval is the delay between attempts. Zero disables reconnection.
	Interval time.Duration

	// MaxAttempts bounds consecutive failed attempts before giving up.
	// Zero means unlimited.
	MaxAttempts int

	// Jitter randomizes each delay by up to this fraction of Interval
	// (0.2 means +/-20%).
	Jitter float64
}

// Enabled reports whether the connection reconnects at all.
func (p ReconnectPolicy) Enabled() bool {
	return p.Interval > 0
}

// NewBackOff returns the back-off driving the reconnect loop.
// It returns backoff.Stop once the policy is exhausted.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	if !p.Enabled() {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = p.Interval
	b.Multiplier = 1
	b.RandomizationFactor = p.Jitter
	b.Reset()

	if p.MaxAttempts <= 0 {
		return b
	}
	return &attemptLimit{BackOff: b, max: p.MaxAttempts}
}

// attemptLimit stops a back-off after max delays until Reset.
type attemptLimit struct {
	backoff.BackOff
	max   int
	tries int
}

func (a *attemptLimit) NextBackOff() time.Duration {
	if a.tries >= a.max {
		return backoff.Stop
	}
	a.tries++
	return a.BackOff.NextBackOff()
}

func (a *attemptLimit) Reset() {
	a.tries = 0
	a.BackOff.Reset()
}
