package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

// HealthCheck は依存先の疎通を確認する。db.PingContext や cache.Ping を渡す。
type HealthCheck func(ctx context.Context) error

// NewHealthHandler は GET /health のハンドラーを返す。
// いずれかの確認が失敗すれば503を返す。
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
