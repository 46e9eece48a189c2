package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountInactive     = errors.New("account is disabled")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserInactive        = errors.New("user not found or inactive")
	ErrWrongPassword       = errors.New("current password is incorrect")
	ErrInvalidResetToken   = errors.New("reset link is invalid or has expired")
	ErrAccountNotFound     = errors.New("account not found")
	ErrStoreUnavailable    = errors.New("store unavailable")

	errStaleRefreshGeneration = errors.New("stale refresh generation")
)

type ErrLoginLocked struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// RetryAfterSeconds rounds up and never reports less than one second.
func (e ErrLoginLocked) RetryAfterSeconds() int {
	seconds := int(math.Ceil(e.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%s: %w (%w)", op, err, ErrStoreUnavailable)
}
