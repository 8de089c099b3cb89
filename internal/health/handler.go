package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"preo-sim/internal/httputil"
)

// Handler reports liveness and, when running on Postgres, database
// reachability. With the memory backend pool is nil and readiness is
// always ok.
type Handler struct {
	pool      *pgxpool.Pool
	backend   string
	startedAt time.Time
}

func NewHandler(pool *pgxpool.Pool, backend string, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{pool: pool, backend: backend, startedAt: start}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pool.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, code, map[string]any{
		"status":  status,
		"backend": h.backend,
		"uptime":  time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}
