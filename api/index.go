package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nevis-backend/internal/app"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. Revocation pruning runs through the
// cron cleanup endpoint instead of a background ticker here.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(context.Background(), app.Options{
			LoadDotEnv:      false,
			StartBackground: false,
		})
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed", "code": "INTERNAL_ERROR"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
