package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nevis-backend/internal/observability"
)

const (
	maxJSONBodyBytes  = 1 << 20
	refreshCookieName = "refreshToken"
)

type Handler struct {
	service       *Service
	logger        *observability.Logger
	secureCookies bool
}

func NewHandler(service *Service, logger *observability.Logger, secureCookies bool) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{service: service, logger: logger, secureCookies: secureCookies}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=2,max=30,username"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,strongpw"`
	Avatar   string `json:"avatar" validate:"max=500,avatarurl"`
	Bio      string `json:"bio" validate:"max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=200"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required,hexadecimal,len=64"`
	NewPassword string `json:"newPassword" validate:"required,strongpw"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,max=200"`
	NewPassword     string `json:"newPassword" validate:"required,strongpw"`
}

type updateProfileRequest struct {
	Username *string `json:"username" validate:"omitnil,min=2,max=30,username"`
	Avatar   *string `json:"avatar" validate:"omitnil,max=500,avatarurl"`
	Bio      *string `json:"bio" validate:"omitnil,max=200"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type accountResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	User    PublicAccount `json:"user"`
}

type tokenResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Token     string         `json:"token"`
	TokenType string         `json:"token_type"`
	ExpiresIn int64          `json:"expires_in"`
	User      *PublicAccount `json:"user,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	body.Avatar = strings.TrimSpace(body.Avatar)
	body.Bio = strings.TrimSpace(body.Bio)
	if !h.validate(w, &body) {
		return
	}

	account, err := h.service.Register(r.Context(), body.Email, body.Password, Profile{
		Username: body.Username,
		Avatar:   body.Avatar,
		Bio:      body.Bio,
	})
	if err != nil {
		h.handleError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse{
		Success: true,
		Message: "Account created successfully",
		User:    account.Public(),
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !h.validate(w, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password, observability.ClientIP(r))
	if err != nil {
		h.handleError(w, r, err, "failed to login")
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)

	user := result.Account.Public()
	writeJSON(w, http.StatusOK, tokenResponse{
		Success:   true,
		Message:   "Login successful",
		Token:     result.Tokens.AccessToken,
		TokenType: result.Tokens.TokenType,
		ExpiresIn: result.Tokens.ExpiresIn,
		User:      &user,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "no refresh token", "NO_REFRESH_TOKEN")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(cookie.Value))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrUserInactive) {
			h.clearRefreshCookie(w)
		}
		h.handleError(w, r, err, "failed to refresh token")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		Success:   true,
		Token:     tokens.AccessToken,
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	})
}

// Logout clears the refresh cookie even when no access token is presented.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := bearerToken(r); ok {
		h.service.Logout(r.Context(), token)
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out successfully"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !h.validate(w, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		observability.CaptureError(r.Context(), err)
		h.logger.FromContext(r.Context()).Error("password_reset_request_failed", map[string]any{"error": err.Error()})
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "If that email is registered, a reset link has been sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.Token = strings.TrimSpace(body.Token)
	if err := validateRequest(&body); err != nil {
		var invalid validationError
		if errors.As(err, &invalid) && invalid.message == "invalid reset token" {
			writeError(w, http.StatusBadRequest, ErrInvalidResetToken.Error(), "INVALID_RESET_TOKEN")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		h.handleError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password reset successfully"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no token provided", "NO_TOKEN")
		return
	}

	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}
	if !h.validate(w, &body) {
		return
	}

	err := h.service.ChangePassword(r.Context(), principal.AccountID, body.CurrentPassword, body.NewPassword, principal.Token)
	if err != nil {
		h.handleError(w, r, err, "failed to change password")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password changed successfully"})
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no token provided", "NO_TOKEN")
		return
	}

	account, err := h.service.Profile(r.Context(), principal.AccountID)
	if err != nil {
		h.handleError(w, r, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{Success: true, User: account.Public()})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no token provided", "NO_TOKEN")
		return
	}

	var body updateProfileRequest
	if !h.decode(w, r, &body) {
		return
	}
	trimPtr(body.Username)
	trimPtr(body.Avatar)
	trimPtr(body.Bio)
	if !h.validate(w, &body) {
		return
	}

	account, err := h.service.UpdateProfile(r.Context(), principal.AccountID, ProfileUpdate{
		Username: body.Username,
		Avatar:   body.Avatar,
		Bio:      body.Bio,
	})
	if err != nil {
		h.handleError(w, r, err, "failed to update profile")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		Success: true,
		Message: "Profile updated",
		User:    account.Public(),
	})
}

func (h *Handler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.PathValue("id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required", "VALIDATION_FAILED")
		return
	}

	account, err := h.service.UnlockAccount(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err, "failed to unlock account")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		Success: true,
		Message: "Account unlocked",
		User:    account.Public(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "INVALID_BODY")
		return false
	}
	return true
}

func (h *Handler) validate(w http.ResponseWriter, request any) bool {
	if err := validateRequest(request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
		return false
	}
	return true
}

// handleError maps service errors onto the HTTP contract. Anything it does not
// recognise is an infrastructure failure and goes to Sentry.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var locked ErrLoginLocked
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
		writeError(w, http.StatusLocked, "account temporarily locked due to too many failed attempts", "ACCOUNT_LOCKED")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password", "INVALID_CREDENTIALS")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is disabled", "ACCOUNT_INACTIVE")
	case errors.Is(err, ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered", "EMAIL_TAKEN")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid refresh token", "INVALID_REFRESH")
	case errors.Is(err, ErrUserInactive):
		writeError(w, http.StatusUnauthorized, "user not found or inactive", "USER_INACTIVE")
	case errors.Is(err, ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, "current password is incorrect", "WRONG_PASSWORD")
	case errors.Is(err, ErrInvalidResetToken):
		writeError(w, http.StatusBadRequest, "reset link is invalid or has expired", "INVALID_RESET_TOKEN")
	case errors.Is(err, ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "user not found", "USER_NOT_FOUND")
	case errors.Is(err, ErrStoreUnavailable):
		h.reportFailure(r, err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable", "SERVICE_UNAVAILABLE")
	default:
		h.reportFailure(r, err)
		writeError(w, http.StatusInternalServerError, fallback, "INTERNAL_ERROR")
	}
}

func (h *Handler) reportFailure(r *http.Request, err error) {
	observability.CaptureError(r.Context(), err)
	h.logger.FromContext(r.Context()).Error("request_failed", map[string]any{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	ttl := h.service.Tokens().RefreshTTL()
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func trimPtr(value *string) {
	if value != nil {
		*value = strings.TrimSpace(*value)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
