// health.go — liveness и readiness probes.
// Live — процесс жив. Ready — БД доступна, сервис готов принимать трафик.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
)

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	pool *pgxpool.Pool
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(pool *pgxpool.Pool) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Live обрабатывает GET /health/live.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{
		Status:  "ok",
		Version: config.Version,
	})
}

// Ready обрабатывает GET /health/ready. Проверяет доступность БД.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}{
			Status: "unavailable",
			Reason: "база данных недоступна",
		})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
