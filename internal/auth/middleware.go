package auth

import (
	"context"
	"net/http"
	"strings"

	"nevis-backend/internal/observability"
)

type AccessVerifier interface {
	VerifyAccess(ctx context.Context, token string) (AccessVerification, error)
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	AccountID string
	Username  string
	Email     string
	Role      Role
	Token     string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Middleware admits requests carrying a valid, unrevoked access token.
func Middleware(verifier AccessVerifier, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "no token provided", "NO_TOKEN")
			return
		}

		result, err := verifier.VerifyAccess(r.Context(), tokenStr)
		if err != nil {
			observability.CaptureError(r.Context(), err)
			logger.FromContext(r.Context()).Error("token_verification_failed", map[string]any{"error": err.Error()})
			writeError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable", "SERVICE_UNAVAILABLE")
			return
		}

		switch {
		case result.Valid:
		case result.Expired:
			writeError(w, http.StatusUnauthorized, "token expired", "TOKEN_EXPIRED")
			return
		case result.Revoked:
			writeError(w, http.StatusUnauthorized, "token has been revoked", "TOKEN_REVOKED")
			return
		default:
			writeError(w, http.StatusUnauthorized, "invalid token", "INVALID_TOKEN")
			return
		}

		claims := result.Claims
		ctx := WithPrincipal(r.Context(), Principal{
			AccountID: claims.AccountID(),
			Username:  claims.Username,
			Email:     claims.Email,
			Role:      claims.Role,
			Token:     tokenStr,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run inside Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || principal.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "admin access required", "FORBIDDEN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
