package api

import (
	"net/http"
	"time"

	"github.com/twinmind/twinmind-engine/internal/connectivity"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Session       string            `json:"session"`
	QueueDepth    int               `json:"queue_depth"`
}

type HealthHandler struct {
	db        HealthChecker
	pg        HealthChecker
	conn      connectivity.Monitor
	session   SessionService
	provider  string
	version   string
	startTime time.Time
}

func NewHealthHandler(db, pg HealthChecker, conn connectivity.Monitor, session SessionService, provider, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		pg:        pg,
		conn:      conn,
		session:   session,
		provider:  provider,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Local store check
	if h.db == nil {
		checks["database"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Transcript mirror check
	if h.pg == nil {
		checks["postgres"] = "not_configured"
	} else if err := h.pg.HealthCheck(r.Context()); err != nil {
		checks["postgres"] = "error"
		degrade()
	} else {
		checks["postgres"] = "ok"
	}

	// Connectivity check
	if h.conn != nil {
		if h.conn.IsConnected() {
			checks["connectivity"] = "online"
		} else {
			checks["connectivity"] = "offline"
			degrade()
		}
	}

	checks["transcription"] = h.provider

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.session != nil {
		st := h.session.State()
		resp.Session = string(st.Status)
		resp.QueueDepth = st.Queued
	}

	WriteJSON(w, httpStatus, resp)
}
