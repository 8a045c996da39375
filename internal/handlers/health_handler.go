package handlers

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Pinger checks a dependency.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	version  string
	mode     string
	sessions SessionReader
	db       Pinger
}

// NewHealthHandler builds the liveness endpoint. db may be nil.
func NewHealthHandler(version, mode string, sessions SessionReader, db Pinger) *HealthHandler {
	return &HealthHandler{version: version, mode: mode, sessions: sessions, db: db}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": "tyke",
		"version": h.version,
		"mode":    h.mode,
	}
	if h.sessions != nil {
		ready := 0
		list := h.sessions.List()
		for _, s := range list {
			if s.Ready {
				ready++
			}
		}
		body["sessions"] = len(list)
		body["ready_sessions"] = ready
	}

	code := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.db(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			body["database"] = "ok"
		}
	}
	writeJSON(w, code, body)
}
