package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nevis-backend/internal/observability"
)

type RevocationPruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

type ResetTokenCleaner interface {
	ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

type Result struct {
	PrunedRevocations  int   `json:"pruned_revocations"`
	ClearedResetTokens int64 `json:"cleared_reset_tokens"`
}

// CleanupHandler lets an external scheduler trigger the same housekeeping the
// long-running server does on a ticker.
type CleanupHandler struct {
	revocations RevocationPruner
	accounts    ResetTokenCleaner
	logger      *observability.Logger
	cronSecret  string
	now         func() time.Time
}

func NewCleanupHandler(
	revocations RevocationPruner,
	accounts ResetTokenCleaner,
	logger *observability.Logger,
	cronSecret string,
) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CleanupHandler{
		revocations: revocations,
		accounts:    accounts,
		logger:      logger,
		cronSecret:  strings.TrimSpace(cronSecret),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) WithClock(clock func() time.Time) *CleanupHandler {
	if clock != nil {
		h.now = clock
	}
	return h
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		observability.CaptureError(r.Context(), err)
		h.logger.FromContext(r.Context()).Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run prunes expired revocations and clears lapsed reset tokens.
func (h *CleanupHandler) Run(ctx context.Context) (Result, error) {
	now := h.now()

	var result Result
	pruned, err := h.revocations.Prune(ctx, now)
	if err != nil {
		return result, err
	}
	result.PrunedRevocations = pruned

	if h.accounts != nil {
		cleared, err := h.accounts.ClearExpiredResetTokens(ctx, now)
		if err != nil {
			return result, err
		}
		result.ClearedResetTokens = cleared
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"pruned_revocations":   result.PrunedRevocations,
		"cleared_reset_tokens": result.ClearedResetTokens,
	})
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
