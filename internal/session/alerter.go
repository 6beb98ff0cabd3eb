package session

import (
	"sync"
	"time"
)

// DefaultAlertInterval is the minimum gap between two flash alerts pushed
// to the same client. Unmatched batches can arrive with every interim
// transcript; flashing faster than this just flickers the reciter's
// screen.
const DefaultAlertInterval = 300 * time.Millisecond

// Alerter rate-limits flash alerts. Safe for concurrent use.
type Alerter struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
}

// NewAlerter returns an [Alerter] that allows at most one alert per min.
// A non-positive min falls back to [DefaultAlertInterval].
func NewAlerter(min time.Duration) *Alerter {
	if min <= 0 {
		min = DefaultAlertInterval
	}
	return &Alerter{min: min}
}

// Allow reports whether an alert may fire now. A true result consumes the
// slot; the next alert is allowed once the interval has passed.
func (a *Alerter) Allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if !a.last.IsZero() && now.Sub(a.last) < a.min {
		return false
	}
	a.last = now
	return true
}
