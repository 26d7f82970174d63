package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/twinmind/twinmind-engine/internal/connectivity"
)

type ConnectivityHandler struct {
	monitor  connectivity.Monitor
	reporter ConnectivityReporter
	source   string
}

func NewConnectivityHandler(monitor connectivity.Monitor, reporter ConnectivityReporter, source string) *ConnectivityHandler {
	return &ConnectivityHandler{monitor: monitor, reporter: reporter, source: source}
}

type connectivityState struct {
	IsConnected bool   `json:"isConnected"`
	Source      string `json:"source"`
	Changed     *bool  `json:"changed,omitempty"`
}

func (h *ConnectivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, connectivityState{
		IsConnected: h.monitor != nil && h.monitor.IsConnected(),
		Source:      h.source,
	})
}

// Report accepts {"isConnected": bool} from a platform reachability bridge.
// Only available when connectivity is driven manually.
func (h *ConnectivityHandler) Report(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		WriteErrorDetail(w, http.StatusConflict, "connectivity is not reported manually", "source is "+h.source)
		return
	}
	var body struct {
		IsConnected *bool `json:"isConnected"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.IsConnected == nil {
		WriteError(w, http.StatusBadRequest, "isConnected is required")
		return
	}
	changed := h.reporter.Set(*body.IsConnected)
	if changed {
		hlog.FromRequest(r).Info().Bool("connected", *body.IsConnected).Msg("connectivity reported")
	}
	WriteJSON(w, http.StatusOK, connectivityState{
		IsConnected: *body.IsConnected,
		Source:      h.source,
		Changed:     &changed,
	})
}

func (h *ConnectivityHandler) Routes(r chi.Router) {
	r.Get("/connectivity", h.Get)
	r.Post("/connectivity", h.Report)
}
