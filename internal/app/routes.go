package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"nevis-backend/internal/auth"
	"nevis-backend/internal/maintenance"
	"nevis-backend/internal/observability"
)

type routes struct {
	auth          *auth.Handler
	service       *auth.Service
	cleanup       *maintenance.CleanupHandler
	metrics       *observability.Metrics
	health        http.Handler
	logger        *observability.Logger
	authLimiter   *auth.RateLimiter
	strictLimiter *auth.RateLimiter
	trustProxy    bool
}

func newRouter(r routes) http.Handler {
	requireAuth := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(r.service, r.logger, next)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/auth/register", r.authLimiter.Middleware(http.HandlerFunc(r.auth.Register)))
	mux.Handle("POST /api/auth/login", r.authLimiter.Middleware(http.HandlerFunc(r.auth.Login)))
	mux.HandleFunc("POST /api/auth/refresh", r.auth.Refresh)
	mux.HandleFunc("POST /api/auth/logout", r.auth.Logout)
	mux.Handle("POST /api/auth/forgot-password", r.strictLimiter.Middleware(http.HandlerFunc(r.auth.ForgotPassword)))
	mux.Handle("POST /api/auth/reset-password", r.strictLimiter.Middleware(http.HandlerFunc(r.auth.ResetPassword)))
	mux.Handle("POST /api/auth/change-password", r.strictLimiter.Middleware(requireAuth(r.auth.ChangePassword)))
	mux.Handle("GET /api/auth/profile", requireAuth(r.auth.GetProfile))
	mux.Handle("PATCH /api/auth/profile", requireAuth(r.auth.UpdateProfile))
	mux.Handle("POST /api/admin/accounts/{id}/unlock",
		auth.Middleware(r.service, r.logger, auth.RequireAdmin(http.HandlerFunc(r.auth.UnlockAccount))))
	mux.HandleFunc("GET /internal/maintenance/cleanup", r.cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", r.cleanup.Handle)
	mux.Handle("GET /health", r.health)
	mux.Handle("GET /metrics", r.metrics.Handler())

	var handler http.Handler = mux
	handler = r.metrics.Middleware(handler)
	handler = observability.RequestLoggingMiddleware(r.logger, handler)
	handler = observability.RecoverMiddleware(r.logger, handler)
	handler = observability.ClientIPMiddleware(r.trustProxy, handler)
	return observability.RequestIDMiddleware(handler)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(checks map[string]pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(names))
		for _, name := range names {
			components[name] = "ok"
			if err := checks[name].Ping(ctx); err != nil {
				components[name] = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     state,
			"components": components,
			"time":       time.Now().UTC().Format(time.RFC3339),
		})
	}
}
