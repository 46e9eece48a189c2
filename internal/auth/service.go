package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nevis-backend/internal/observability"
)

const (
	defaultResetTokenTTL = 15 * time.Minute
	resetTokenBytes      = 32
	mailTimeout          = 30 * time.Second
	defaultSiteURL       = "http://localhost:5500"
)

// Mailer delivers account emails. Sends run in the background and a failure
// never changes the outcome of the operation that triggered it.
type Mailer interface {
	SendWelcome(ctx context.Context, to, username string) error
	SendPasswordReset(ctx context.Context, to, username, link string) error
}

type EventRecorder interface {
	AuthEvent(event, outcome string)
}

type SecurityConfig struct {
	MaxAttempts           int
	LockDuration          time.Duration
	ResetTokenTTL         time.Duration
	SiteURL               string
	StrictRefreshRotation bool
}

type Service struct {
	store          AccountStore
	hasher         *Hasher
	tokens         *TokenService
	lockout        LockoutPolicy
	logger         *observability.Logger
	mailer         Mailer
	events         EventRecorder
	now            func() time.Time
	resetTTL       time.Duration
	siteURL        string
	strictRotation bool
	background     sync.WaitGroup
}

func NewService(store AccountStore, hasher *Hasher, tokens *TokenService, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		lockout:  DefaultLockoutPolicy(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		resetTTL: defaultResetTokenTTL,
		siteURL:  defaultSiteURL,
	}
}

func (s *Service) WithSecurityConfig(cfg SecurityConfig) {
	if cfg.MaxAttempts > 0 {
		s.lockout.MaxFailures = cfg.MaxAttempts
	}
	if cfg.LockDuration > 0 {
		s.lockout.LockDuration = cfg.LockDuration
	}
	if cfg.ResetTokenTTL > 0 {
		s.resetTTL = cfg.ResetTokenTTL
	}
	if siteURL := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/"); siteURL != "" {
		s.siteURL = siteURL
	}
	s.strictRotation = cfg.StrictRefreshRotation
}

func (s *Service) WithMailer(mailer Mailer) {
	s.mailer = mailer
}

func (s *Service) WithEvents(events EventRecorder) {
	s.events = events
}

func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Wait blocks until background email sends have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) Register(ctx context.Context, email, password string, profile Profile) (Account, error) {
	email = normalizeEmail(email)

	if _, err := s.store.FindAccountByEmail(ctx, email); err == nil {
		s.record("register", "duplicate")
		return Account{}, ErrDuplicateEmail
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return Account{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	now := s.now().UTC()
	account, err := s.store.CreateAccount(ctx, Account{
		ID:           id.String(),
		Username:     strings.TrimSpace(profile.Username),
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		Active:       true,
		Avatar:       strings.TrimSpace(profile.Avatar),
		Bio:          strings.TrimSpace(profile.Bio),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			s.record("register", "duplicate")
		}
		return Account{}, err
	}

	s.record("register", "success")
	s.logger.Info("user_registered", map[string]any{"user_id": account.ID})

	if s.mailer != nil {
		to, username := account.Email, account.Username
		s.dispatch("welcome_email_failed", account.ID, func(ctx context.Context) error {
			return s.mailer.SendWelcome(ctx, to, username)
		})
	}

	return account, nil
}

// Login verifies credentials through the lockout gate and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password, ip string) (LoginResult, error) {
	now := s.now().UTC()

	account, err := s.store.FindAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, err
		}
		if err := s.hasher.VerifyDummy(ctx, password); err != nil {
			return LoginResult{}, err
		}
		s.record("login", "invalid")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.checkPassword(ctx, &account, password, now); err != nil {
		var locked ErrLoginLocked
		switch {
		case errors.As(err, &locked):
			s.record("login", "locked")
			s.logger.Warn("login_locked", map[string]any{"user_id": account.ID, "ip": ip})
		case errors.Is(err, ErrInvalidCredentials):
			s.record("login", "invalid")
			s.logger.Info("login_failed", map[string]any{"user_id": account.ID, "ip": ip})
		}
		return LoginResult{}, err
	}

	if !account.Active {
		s.record("login", "inactive")
		return LoginResult{}, ErrAccountInactive
	}

	if err := s.store.RecordLogin(ctx, account.ID, ip, now); err != nil {
		return LoginResult{}, err
	}
	account.LoginCount++
	account.LastLoginAt = &now
	account.LastLoginIP = ip

	tokens, err := s.tokens.Issue(account)
	if err != nil {
		return LoginResult{}, err
	}

	s.record("login", "success")
	s.logger.Info("user_logged_in", map[string]any{"user_id": account.ID, "ip": ip})
	return LoginResult{Account: account, Tokens: tokens}, nil
}

// checkPassword runs the lockout state machine for one verification attempt.
// On success the account's lockout fields are cleared in place.
func (s *Service) checkPassword(ctx context.Context, account *Account, password string, now time.Time) error {
	if locked, remaining := s.lockout.Locked(account.LockState(), now); locked {
		return ErrLoginLocked{Until: *account.LockUntil, RetryAfter: remaining}
	}

	valid, err := s.hasher.Verify(ctx, password, account.PasswordHash)
	if err != nil {
		return err
	}

	if !valid {
		state, err := s.store.RecordLoginFailure(ctx, account.ID, s.lockout, now)
		if err != nil {
			return err
		}
		account.FailedLoginCount = state.FailedLoginCount
		account.LockUntil = state.LockUntil
		if locked, remaining := s.lockout.Locked(state, now); locked {
			return ErrLoginLocked{Until: *state.LockUntil, RetryAfter: remaining}
		}
		return ErrInvalidCredentials
	}

	if s.lockout.NeedsReset(account.LockState()) {
		if _, err := s.store.UpdateAccount(ctx, account.ID, AccountUpdate{ClearLockout: true}, now); err != nil {
			return err
		}
		account.FailedLoginCount = 0
		account.LockUntil = nil
	}
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	verification := s.tokens.VerifyRefresh(refreshToken)
	if !verification.Valid {
		s.record("refresh", "invalid")
		return Tokens{}, ErrInvalidRefreshToken
	}
	claims := verification.Claims

	account, err := s.store.FindAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.record("refresh", "inactive")
			return Tokens{}, ErrUserInactive
		}
		return Tokens{}, err
	}
	if !account.Active {
		s.record("refresh", "inactive")
		return Tokens{}, ErrUserInactive
	}

	// Password changes and resets bump the generation, retiring older refresh tokens.
	if claims.Generation != account.RefreshGeneration {
		s.record("refresh", "superseded")
		return Tokens{}, ErrInvalidRefreshToken
	}

	if s.strictRotation {
		generation, err := s.store.AdvanceRefreshGeneration(ctx, account.ID, claims.Generation, s.now().UTC())
		if err != nil {
			if errors.Is(err, errStaleRefreshGeneration) {
				s.record("refresh", "superseded")
				s.logger.Warn("refresh_replay_rejected", map[string]any{"user_id": account.ID})
				return Tokens{}, ErrInvalidRefreshToken
			}
			return Tokens{}, err
		}
		account.RefreshGeneration = generation
	}

	tokens, err := s.tokens.Issue(account)
	if err != nil {
		return Tokens{}, err
	}
	s.record("refresh", "success")
	return tokens, nil
}

// Logout always succeeds; revocation is best effort.
func (s *Service) Logout(ctx context.Context, accessToken string) {
	s.revoke(ctx, accessToken, "logout")
	s.record("logout", "success")
}

func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword, accessToken string) error {
	now := s.now().UTC()

	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if err := s.checkPassword(ctx, &account, currentPassword, now); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.record("password_change", "wrong_password")
			return ErrWrongPassword
		}
		return err
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	if _, err := s.store.UpdateAccount(ctx, account.ID, AccountUpdate{
		PasswordHash:          &hash,
		ClearLockout:          true,
		BumpRefreshGeneration: true,
	}, now); err != nil {
		return err
	}

	s.revoke(ctx, accessToken, "password_change")
	s.record("password_change", "success")
	s.logger.Info("password_changed", map[string]any{"user_id": account.ID})
	return nil
}

// RequestPasswordReset gives the caller the same outcome whether or not the
// email is registered. Only store failures are returned, for server-side logging.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	s.record("password_reset_request", "accepted")

	account, err := s.store.FindAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}

	token, err := randomToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	hash := hashResetToken(token)
	expiry := s.now().UTC().Add(s.resetTTL)
	if _, err := s.store.UpdateAccount(ctx, account.ID, AccountUpdate{
		ResetTokenHash:   &hash,
		ResetTokenExpiry: &expiry,
	}, s.now().UTC()); err != nil {
		return err
	}

	s.logger.Info("password_reset_requested", map[string]any{"user_id": account.ID})

	if s.mailer != nil {
		link := s.siteURL + "/reset-password.html?token=" + url.QueryEscape(token)
		to, username := account.Email, account.Username
		s.dispatch("reset_email_failed", account.ID, func(ctx context.Context) error {
			return s.mailer.SendPasswordReset(ctx, to, username, link)
		})
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	now := s.now().UTC()

	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidResetToken
	}

	account, err := s.store.FindAccountByResetToken(ctx, hashResetToken(token), now)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.record("password_reset", "invalid")
			return ErrInvalidResetToken
		}
		return err
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	if _, err := s.store.UpdateAccount(ctx, account.ID, AccountUpdate{
		PasswordHash:          &hash,
		ClearResetToken:       true,
		ClearLockout:          true,
		BumpRefreshGeneration: true,
	}, now); err != nil {
		return err
	}

	s.record("password_reset", "success")
	s.logger.Info("password_reset", map[string]any{"user_id": account.ID})
	return nil
}

func (s *Service) Profile(ctx context.Context, accountID string) (Account, error) {
	return s.store.FindAccountByID(ctx, accountID)
}

func (s *Service) UpdateProfile(ctx context.Context, accountID string, update ProfileUpdate) (Account, error) {
	fields := AccountUpdate{}
	if update.Username != nil {
		username := strings.TrimSpace(*update.Username)
		fields.Username = &username
	}
	if update.Avatar != nil {
		avatar := strings.TrimSpace(*update.Avatar)
		fields.Avatar = &avatar
	}
	if update.Bio != nil {
		bio := strings.TrimSpace(*update.Bio)
		fields.Bio = &bio
	}
	return s.store.UpdateAccount(ctx, accountID, fields, s.now().UTC())
}

// BootstrapAdmin creates an admin account when the email is not registered yet.
// An existing account is left untouched.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	if _, err := s.store.FindAccountByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate account id: %w", err)
	}

	now := s.now().UTC()
	account, err := s.store.CreateAccount(ctx, Account{
		ID:           id.String(),
		Username:     "admin",
		Email:        email,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Active:       true,
		Verified:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil
		}
		return err
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": account.ID})
	return nil
}

// UnlockAccount clears the failure counter and any active lock.
func (s *Service) UnlockAccount(ctx context.Context, accountID string) (Account, error) {
	account, err := s.store.UpdateAccount(ctx, accountID, AccountUpdate{ClearLockout: true}, s.now().UTC())
	if err != nil {
		return Account{}, err
	}
	s.record("unlock", "success")
	s.logger.Info("account_unlocked", map[string]any{"user_id": account.ID})
	return account, nil
}

func (s *Service) VerifyAccess(ctx context.Context, token string) (AccessVerification, error) {
	return s.tokens.VerifyAccess(ctx, token)
}

func (s *Service) revoke(ctx context.Context, token, reason string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	if err := s.tokens.Revoke(ctx, token); err != nil {
		s.logger.Warn("token_revoke_failed", map[string]any{"reason": reason, "error": err.Error()})
		return
	}
	s.logger.Info("token_revoked", map[string]any{"reason": reason})
}

func (s *Service) dispatch(failureEvent, accountID string, send func(ctx context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()

		if err := send(ctx); err != nil {
			s.logger.Warn(failureEvent, map[string]any{"user_id": accountID, "error": err.Error()})
		}
	}()
}

func (s *Service) record(event, outcome string) {
	if s.events != nil {
		s.events.AuthEvent(event, outcome)
	}
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
