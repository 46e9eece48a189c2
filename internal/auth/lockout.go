package auth

import "time"

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 30 * time.Minute
)

// LockoutPolicy decides when consecutive verification failures lock an
// account. It holds no state; the counters live on the Account record.
type LockoutPolicy struct {
	MaxFailures  int
	LockDuration time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxFailures: defaultMaxAttempts, LockDuration: defaultLockWindow}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = defaultMaxAttempts
	}
	if p.LockDuration <= 0 {
		p.LockDuration = defaultLockWindow
	}
	return p
}

// Locked reports whether the state blocks verification at now and for how long.
func (p LockoutPolicy) Locked(state LockState, now time.Time) (bool, time.Duration) {
	if state.LockUntil == nil || !now.Before(*state.LockUntil) {
		return false, 0
	}
	return true, state.LockUntil.Sub(now)
}

// RegisterFailure returns the state after one more failed verification.
// A locked state is returned unchanged so failures during a lock are not counted.
func (p LockoutPolicy) RegisterFailure(state LockState, now time.Time) LockState {
	p = p.normalized()
	if locked, _ := p.Locked(state, now); locked {
		return state
	}

	next := LockState{FailedLoginCount: state.FailedLoginCount + 1, LockUntil: state.LockUntil}
	if next.FailedLoginCount >= p.MaxFailures {
		until := now.UTC().Add(p.LockDuration)
		next.LockUntil = &until
	}
	return next
}

func (p LockoutPolicy) NeedsReset(state LockState) bool {
	return state.FailedLoginCount > 0 || state.LockUntil != nil
}
