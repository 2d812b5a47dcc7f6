package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/framequeue/internal/api/response"
	"github.com/kiranshivaraju/framequeue/internal/worker"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerState reports on the worker loop.
type WorkerState interface {
	State() worker.State
	Heartbeat() time.Time
}

type workerView struct {
	State     string     `json:"state"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
}

type queueResponse struct {
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	Worker          workerView `json:"worker"`
}

func viewWorker(ws WorkerState) workerView {
	if ws == nil {
		return workerView{State: worker.StateStopped.String()}
	}
	v := workerView{State: ws.State().String()}
	if hb := ws.Heartbeat(); !hb.IsZero() {
		v.Heartbeat = &hb
	}
	return v
}

// NewQueueHandler returns the handler for GET /api/v1/queue.
func NewQueueHandler(q StatusReader, ws WorkerState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats(r.Context())
		if err != nil {
			slog.Warn("queue stats unavailable", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
				"Queue statistics are temporarily unavailable", nil)
			return
		}
		response.JSON(w, queueResponse{
			Pending:         stats.Pending,
			Processing:      stats.Processing,
			Completed:       stats.Completed,
			Failed:          stats.Failed,
			OldestPendingAt: stats.OldestPendingAt,
			Worker:          viewWorker(ws),
		})
	}
}

// NewHealthHandler checks database and cache connectivity and reports the
// worker and detector alongside. Only the database and cache decide the code.
func NewHealthHandler(db, ca Pinger, ws WorkerState, detector models.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		if err := db.Ping(ctx); err != nil {
			checks["database"] = "degraded"
		}
		if err := ca.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
		}
		if rd, ok := detector.(interface{ Ready(context.Context) error }); ok {
			checks["detector"] = "ok"
			if err := rd.Ready(ctx); err != nil {
				checks["detector"] = "degraded"
			}
		}
		checks["worker"] = viewWorker(ws).State

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
