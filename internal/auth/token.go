package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "nevis-backend"
	DefaultAudience   = "nevis-client"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// Tokens without a jti are keyed in the revocation registry by their tail.
	revocationKeyTail = 20
)

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

type AccessClaims struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// AccountID is the token subject.
func (c AccessClaims) AccountID() string {
	return c.Subject
}

// RefreshClaims carries the subject only, plus the refresh generation the
// token was minted under.
type RefreshClaims struct {
	Generation int64  `json:"gen"`
	TokenType  string `json:"typ"`
	jwt.RegisteredClaims
}

type AccessVerification struct {
	Valid   bool
	Expired bool
	Revoked bool
	Claims  *AccessClaims
}

type RefreshVerification struct {
	Valid  bool
	Claims *RefreshClaims
}

// TokenService mints and checks the access/refresh pair. Access and refresh
// tokens are signed with separate secrets.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
	revocations   RevocationStore
	now           func() time.Time
}

func NewTokenService(cfg TokenConfig, revocations RevocationStore) (*TokenService, error) {
	accessSecret := strings.TrimSpace(cfg.AccessSecret)
	refreshSecret := strings.TrimSpace(cfg.RefreshSecret)
	if accessSecret == "" || refreshSecret == "" {
		return nil, fmt.Errorf("access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}

	s := &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		issuer:        DefaultIssuer,
		audience:      DefaultAudience,
		revocations:   revocations,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if cfg.AccessTTL > 0 {
		s.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		s.refreshTTL = cfg.RefreshTTL
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		s.issuer = issuer
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		s.audience = audience
	}

	return s, nil
}

func (s *TokenService) WithClock(clock func() time.Time) *TokenService {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *TokenService) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// Issue builds a fresh pair for account. It does not touch any store.
func (s *TokenService) Issue(account Account) (Tokens, error) {
	now := s.now().UTC()
	accessExpiry := now.Add(s.accessTTL)
	refreshExpiry := now.Add(s.refreshTTL)

	access := AccessClaims{
		Username:  account.Username,
		Email:     account.Email,
		Role:      account.Role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(s.accessSecret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh := RefreshClaims{
		Generation: account.RefreshGeneration,
		TokenType:  tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(s.refreshSecret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Tokens{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// VerifyAccess checks signature, expiry, issuer and audience, then the
// revocation registry. The error is reserved for registry failures; every
// token problem is reported through the verification flags.
func (s *TokenService) VerifyAccess(ctx context.Context, token string) (AccessVerification, error) {
	claims := &AccessClaims{}
	if err := s.parse(token, claims, s.accessSecret); err != nil {
		return AccessVerification{Expired: errors.Is(err, jwt.ErrTokenExpired)}, nil
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" {
		return AccessVerification{}, nil
	}

	revoked, err := s.revocations.IsRevoked(ctx, revocationKey(token, claims.ID))
	if err != nil {
		return AccessVerification{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return AccessVerification{Revoked: true}, nil
	}

	return AccessVerification{Valid: true, Claims: claims}, nil
}

// VerifyRefresh applies the same claim checks with the refresh secret.
// Refresh tokens are never looked up in the revocation registry.
func (s *TokenService) VerifyRefresh(token string) RefreshVerification {
	claims := &RefreshClaims{}
	if err := s.parse(token, claims, s.refreshSecret); err != nil {
		return RefreshVerification{}
	}
	if claims.TokenType != tokenTypeRefresh || claims.Subject == "" {
		return RefreshVerification{}
	}
	return RefreshVerification{Valid: true, Claims: claims}
}

// Revoke records token in the registry until its own expiry, capped at one
// access lifetime from now. Only tokens signed with the access secret are
// recorded; claims are not validated so an expired or otherwise rejected
// token can still be revoked.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}

	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.accessSecret, nil
	})
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("decode token: %w", jwt.ErrTokenSignatureInvalid)
	}
	if claims.ExpiresAt == nil {
		return nil
	}

	expiresAt := claims.ExpiresAt.Time
	if limit := s.now().Add(s.accessTTL); expiresAt.After(limit) {
		expiresAt = limit
	}
	return s.revocations.Revoke(ctx, revocationKey(token, claims.ID), expiresAt)
}

func (s *TokenService) parse(token string, claims jwt.Claims, secret []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return jwt.ErrTokenMalformed
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	return nil
}

func revocationKey(token, jti string) string {
	if jti = strings.TrimSpace(jti); jti != "" {
		return jti
	}
	if len(token) <= revocationKeyTail {
		return token
	}
	return token[len(token)-revocationKeyTail:]
}
