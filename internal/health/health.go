// Package health implements the liveness/aggregate/detailed endpoints
// named in spec §6: GET /, GET /health, GET /health/detailed.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tosin2013/bugtriage/internal/audit"
	"github.com/tosin2013/bugtriage/internal/breaker"
)

// DBPinger probes database connectivity.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health surface.
type Handler struct {
	db      DBPinger
	breaker *breaker.Manager
	auditor *audit.Logger
}

// New builds a Handler.
func New(db DBPinger, breakerMgr *breaker.Manager, auditor *audit.Logger) *Handler {
	return &Handler{db: db, breaker: breakerMgr, auditor: auditor}
}

// Liveness handles GET /.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Health handles GET /health: aggregate status combining the DB probe
// and the worst per-service circuit-breaker state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbOK := true

	if err := h.db.Ping(r.Context()); err != nil {
		dbOK = false
		status = "critical"
	}

	level := h.breaker.SystemDegradationLevel()
	if status != "critical" {
		switch level {
		case breaker.LevelCritical, breaker.LevelOffline:
			status = "critical"
		case breaker.LevelDegraded:
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"database_ok": dbOK,
		"degradation": level.String(),
	})
}

// Detailed handles GET /health/detailed: adds operational metrics and
// the bounded state-change history.
func (h *Handler) Detailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":        h.auditor.Snapshot(),
		"state_changes":  h.breaker.History(),
		"degradation":    h.breaker.SystemDegradationLevel().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
