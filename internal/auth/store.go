package auth

import (
	"context"
	"time"
)

// AccountStore is the persistence the auth core needs. Lookups return
// ErrAccountNotFound on a miss; infrastructure failures satisfy
// errors.Is(err, ErrStoreUnavailable).
type AccountStore interface {
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	FindAccountByID(ctx context.Context, id string) (Account, error)
	FindAccountByResetToken(ctx context.Context, tokenHash string, now time.Time) (Account, error)
	CreateAccount(ctx context.Context, account Account) (Account, error)
	UpdateAccount(ctx context.Context, id string, update AccountUpdate, now time.Time) (Account, error)

	// RecordLoginFailure applies policy to the stored lock state atomically.
	RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (LockState, error)
	RecordLogin(ctx context.Context, id, ip string, now time.Time) error

	// AdvanceRefreshGeneration bumps the generation only if it still equals
	// expected, and returns the new value.
	AdvanceRefreshGeneration(ctx context.Context, id string, expected int64, now time.Time) (int64, error)

	ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}
