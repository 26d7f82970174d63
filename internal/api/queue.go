package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/twinmind/twinmind-engine/internal/queue"
	"github.com/twinmind/twinmind-engine/internal/session"
)

type QueueHandler struct {
	session SessionService
}

func NewQueueHandler(s SessionService) *QueueHandler {
	return &QueueHandler{session: s}
}

type queueResponse struct {
	Entries []queue.Entry `json:"entries"`
	Total   int           `json:"total"`
	Syncing bool          `json:"syncing"`
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	entries := h.session.Queue()
	if entries == nil {
		entries = []queue.Entry{}
	}
	WriteJSON(w, http.StatusOK, queueResponse{
		Entries: entries,
		Total:   len(entries),
		Syncing: h.session.State().SyncStatus == session.SyncSyncing,
	})
}

// Drain runs one reconciliation pass and returns its outcome.
func (h *QueueHandler) Drain(w http.ResponseWriter, r *http.Request) {
	res, err := h.session.Drain(r.Context())
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, queue.ErrDrainInProgress):
		WriteError(w, http.StatusConflict, "drain already in progress")
	default:
		WriteErrorDetail(w, http.StatusInternalServerError, "drain failed", err.Error())
	}
}

// Discard permanently drops one queued segment.
func (h *QueueHandler) Discard(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	seq, err := PathInt64(r, "seq")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid sequence index")
		return
	}
	switch err := h.session.Discard(r.Context(), sessionID, seq); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		WriteError(w, http.StatusNotFound, "queue entry not found")
	default:
		WriteErrorDetail(w, http.StatusInternalServerError, "discard failed", err.Error())
	}
}

// Routes registers the read and drain routes. Discard is registered by the
// server behind RequireAuth.
func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/queue", h.List)
	r.Post("/queue/drain", h.Drain)
}
