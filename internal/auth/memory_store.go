package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process. It backs tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Account
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) FindAccountByEmail(_ context.Context, email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *MemoryStore) FindAccountByID(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (s *MemoryStore) FindAccountByResetToken(_ context.Context, tokenHash string, now time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tokenHash == "" {
		return Account{}, ErrAccountNotFound
	}
	for _, account := range s.byID {
		if account.ResetTokenHash != tokenHash {
			continue
		}
		if account.ResetTokenExpiry == nil || !account.ResetTokenExpiry.After(now) {
			return Account{}, ErrAccountNotFound
		}
		return cloneAccount(account), nil
	}
	return Account{}, ErrAccountNotFound
}

func (s *MemoryStore) CreateAccount(_ context.Context, account Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(account.Email)
	if _, exists := s.byEmail[email]; exists {
		return Account{}, ErrDuplicateEmail
	}
	account.Email = email
	s.byID[account.ID] = cloneAccount(account)
	s.byEmail[email] = account.ID
	return cloneAccount(account), nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, id string, update AccountUpdate, now time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}

	if update.Username != nil {
		account.Username = *update.Username
	}
	if update.Avatar != nil {
		account.Avatar = *update.Avatar
	}
	if update.Bio != nil {
		account.Bio = *update.Bio
	}
	if update.PasswordHash != nil {
		account.PasswordHash = *update.PasswordHash
	}
	if update.ResetTokenHash != nil {
		account.ResetTokenHash = *update.ResetTokenHash
	}
	if update.ResetTokenExpiry != nil {
		expiry := update.ResetTokenExpiry.UTC()
		account.ResetTokenExpiry = &expiry
	}
	if update.ClearResetToken {
		account.ResetTokenHash = ""
		account.ResetTokenExpiry = nil
	}
	if update.ClearLockout {
		account.FailedLoginCount = 0
		account.LockUntil = nil
	}
	if update.BumpRefreshGeneration {
		account.RefreshGeneration++
	}
	account.UpdatedAt = now.UTC()

	s.byID[id] = account
	return cloneAccount(account), nil
}

func (s *MemoryStore) RecordLoginFailure(_ context.Context, id string, policy LockoutPolicy, now time.Time) (LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.byID[id]
	if !ok {
		return LockState{}, ErrAccountNotFound
	}

	state := policy.RegisterFailure(account.LockState(), now)
	account.FailedLoginCount = state.FailedLoginCount
	account.LockUntil = state.LockUntil
	account.UpdatedAt = now.UTC()
	s.byID[id] = account

	return cloneAccount(account).LockState(), nil
}

func (s *MemoryStore) RecordLogin(_ context.Context, id, ip string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.byID[id]
	if !ok {
		return ErrAccountNotFound
	}

	at := now.UTC()
	account.LoginCount++
	account.LastLoginAt = &at
	account.LastLoginIP = ip
	account.UpdatedAt = at
	s.byID[id] = account
	return nil
}

func (s *MemoryStore) AdvanceRefreshGeneration(_ context.Context, id string, expected int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.byID[id]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if account.RefreshGeneration != expected {
		return 0, errStaleRefreshGeneration
	}

	account.RefreshGeneration++
	account.UpdatedAt = now.UTC()
	s.byID[id] = account
	return account.RefreshGeneration, nil
}

func (s *MemoryStore) ClearExpiredResetTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, account := range s.byID {
		if account.ResetTokenExpiry != nil && account.ResetTokenExpiry.Before(now) {
			account.ResetTokenHash = ""
			account.ResetTokenExpiry = nil
			s.byID[id] = account
			cleared++
		}
	}
	return cleared, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneAccount(account Account) Account {
	account.LockUntil = cloneTime(account.LockUntil)
	account.ResetTokenExpiry = cloneTime(account.ResetTokenExpiry)
	account.LastLoginAt = cloneTime(account.LastLoginAt)
	return account
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
