package credguard

import "time"

// LockoutPolicy computes brute-force lock expiries as a pure function of the
// failure count. After Threshold failures the lock duration doubles per
// additional failure up to MaxBackoffSteps doublings, then stays constant
// (defaults: 15m, 30m, 60m, 120m cap).
type LockoutPolicy struct {
	Threshold        uint32
	BaseLockDuration time.Duration
	MaxBackoffSteps  uint32
}

// LockUntil returns the lock expiry for the given failure count, or the zero
// time when the count is below the threshold.
func (p LockoutPolicy) LockUntil(attempts uint32, now time.Time) time.Time {
	if p.Threshold == 0 || attempts < p.Threshold {
		return time.Time{}
	}
	steps := attempts - p.Threshold
	if steps > p.MaxBackoffSteps {
		steps = p.MaxBackoffSteps
	}
	return now.Add(p.BaseLockDuration * (1 << steps))
}

// Status evaluates a counter pair at the given instant.
func (p LockoutPolicy) Status(state LockoutState, now time.Time) LockoutStatus {
	if state.LockedUntil.IsZero() || !state.LockedUntil.After(now) {
		return LockoutStatus{Allowed: true}
	}
	return LockoutStatus{Allowed: false, RetryAfter: state.LockedUntil.Sub(now)}
}
