package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/twinmind/twinmind-engine/internal/database"
)

type TranscriptsHandler struct {
	lister TranscriptLister
}

func NewTranscriptsHandler(lister TranscriptLister) *TranscriptsHandler {
	return &TranscriptsHandler{lister: lister}
}

type transcriptListResponse struct {
	Transcripts []database.Transcript `json:"transcripts"`
	Total       int                   `json:"total"`
}

// List returns saved transcripts, newest first.
func (h *TranscriptsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	all, err := h.lister.ListAll(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list transcripts")
		WriteError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	start, end := p.Window(len(all))
	page := all[start:end]
	if page == nil {
		page = []database.Transcript{}
	}
	WriteJSON(w, http.StatusOK, transcriptListResponse{Transcripts: page, Total: len(all)})
}

func (h *TranscriptsHandler) Routes(r chi.Router) {
	r.Get("/transcripts", h.List)
}
