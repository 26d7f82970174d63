package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"github.com/twinmind/twinmind-engine/internal/session"
)

const (
	liveWriteWait = 10 * time.Second
	livePingEvery = 15 * time.Second
	livePongWait  = 2 * livePingEvery
)

type SessionHandler struct {
	session  SessionService
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewSessionHandler(s SessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		session: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by CORSWithOrigins and the bearer token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

type transcriptResponse struct {
	SessionID string                      `json:"sessionId,omitempty"`
	Segments  []session.TranscriptSegment `json:"segments"`
	Text      string                      `json:"text"`
}

// Start begins a recording session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	st, err := h.session.Start(r.Context())
	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, st)
	case errors.Is(err, capture.ErrPermissionDenied):
		WriteErrorDetail(w, http.StatusForbidden, "microphone permission denied", "grant microphone access and start again")
	case errors.Is(err, capture.ErrDeviceUnavailable):
		WriteErrorDetail(w, http.StatusServiceUnavailable, "capture device unavailable", err.Error())
	case errors.Is(err, session.ErrAlreadyRunning):
		WriteErrorDetail(w, http.StatusConflict, "session already active", string(st.Status))
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("session start failed")
		WriteError(w, http.StatusInternalServerError, "session start failed")
	}
}

// Stop ends the session once every segment is transcribed or queued. If the
// request is cancelled first the session still finishes in the background.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	st, err := h.session.Stop(r.Context())
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, st)
	case errors.Is(err, session.ErrNotRecording):
		WriteErrorDetail(w, http.StatusConflict, "session not recording", string(st.Status))
	default:
		WriteJSON(w, http.StatusAccepted, st)
	}
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.session.State())
}

func (h *SessionHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	segs := h.session.Transcript()
	if segs == nil {
		segs = []session.TranscriptSegment{}
	}
	WriteJSON(w, http.StatusOK, transcriptResponse{
		SessionID: h.session.State().SessionID,
		Segments:  segs,
		Text:      h.session.Text(),
	})
}

// Live upgrades to a websocket and streams session events, starting with the
// current state.
func (h *SessionHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		hlog.FromRequest(r).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := hlog.FromRequest(r)
	log.Info().Msg("live client connected")

	events, cancel := h.session.Subscribe()
	defer cancel()

	// The read loop only handles control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		return conn.WriteJSON(v)
	}

	if err := send(session.Event{Type: session.EventState, State: h.session.State()}); err != nil {
		return
	}

	ping := time.NewTicker(livePingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Msg("live client disconnected")
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				log.Debug().Err(err).Msg("live write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Routes registers session routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/session", h.Get)
	r.Post("/session/start", h.Start)
	r.Post("/session/stop", h.Stop)
	r.Get("/session/transcript", h.Transcript)
	r.Get("/session/live", h.Live)
}
