package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"github.com/twinmind/twinmind-engine/internal/config"
	"github.com/twinmind/twinmind-engine/internal/connectivity"
	"github.com/twinmind/twinmind-engine/internal/database"
	"github.com/twinmind/twinmind-engine/internal/queue"
	"github.com/twinmind/twinmind-engine/internal/session"
)

type fakeSession struct {
	mu         sync.Mutex
	state      session.State
	startErr   error
	stopErr    error
	drainErr   error
	discardErr error
	segments   []session.TranscriptSegment
	entries    []queue.Entry
	discarded  []string
	events     chan session.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  session.State{Status: session.StatusIdle, SyncStatus: session.SyncIdle},
		events: make(chan session.Event, 8),
	}
}

func (f *fakeSession) Start(context.Context) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.state, f.startErr
	}
	f.state.SessionID = "s1"
	f.state.Status = session.StatusRecording
	return f.state, nil
}

func (f *fakeSession) Stop(context.Context) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.state, f.stopErr
	}
	f.state.Status = session.StatusStopped
	return f.state, nil
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Transcript() []session.TranscriptSegment { return f.segments }

func (f *fakeSession) Text() string {
	var parts []string
	for _, s := range f.segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n")
}

func (f *fakeSession) Subscribe() (<-chan session.Event, func()) { return f.events, func() {} }

func (f *fakeSession) Queue() []queue.Entry { return f.entries }

func (f *fakeSession) Drain(context.Context) (queue.DrainResult, error) {
	if f.drainErr != nil {
		return queue.DrainResult{}, f.drainErr
	}
	return queue.DrainResult{Succeeded: f.entries}, nil
}

func (f *fakeSession) Discard(_ context.Context, sessionID string, seq int64) error {
	if f.discardErr != nil {
		return f.discardErr
	}
	f.discarded = append(f.discarded, sessionID)
	return nil
}

type fakeChecker struct{ err error }

func (c fakeChecker) HealthCheck(context.Context) error { return c.err }

type fakeLister struct{ rows []database.Transcript }

func (l fakeLister) ListAll(context.Context) ([]database.Transcript, error) { return l.rows, nil }

type testServer struct {
	handler http.Handler
	sess    *fakeSession
	signal  *connectivity.Signal
}

func newTestServer(t *testing.T, token string, configure func(*Options)) *testServer {
	t.Helper()
	sess := newFakeSession()
	sig := connectivity.NewSignal(true)
	opts := Options{
		Config: &config.Config{
			AuthToken:          token,
			ConnectivitySource: "manual",
		},
		Session:      sess,
		Transcripts:  fakeLister{},
		Database:     fakeChecker{},
		Connectivity: sig,
		Reporter:     sig,
		Provider:     "whisper",
		Version:      "test",
		StartTime:    time.Now(),
		Log:          zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	return &testServer{handler: NewServer(opts).Handler(), sess: sess, signal: sig}
}

func (s *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Run("healthy_without_auth", func(t *testing.T) {
		s := newTestServer(t, "secret", nil)
		rec := s.do("GET", "/api/v1/health", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decode[HealthResponse](t, rec)
		if resp.Status != "healthy" || resp.Checks["postgres"] != "not_configured" || resp.Checks["connectivity"] != "online" {
			t.Errorf("health = %+v", resp)
		}
	})
	t.Run("offline_is_degraded", func(t *testing.T) {
		s := newTestServer(t, "", nil)
		s.signal.Set(false)
		resp := decode[HealthResponse](t, s.do("GET", "/api/v1/health", "", ""))
		if resp.Status != "degraded" || resp.Checks["connectivity"] != "offline" {
			t.Errorf("health = %+v", resp)
		}
	})
	t.Run("database_error_is_unhealthy", func(t *testing.T) {
		s := newTestServer(t, "", func(o *Options) { o.Database = fakeChecker{err: errors.New("locked")} })
		rec := s.do("GET", "/api/v1/health", "", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestSessionRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, "secret", nil)
	if rec := s.do("GET", "/api/v1/session", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := s.do("GET", "/api/v1/session", "", "secret"); rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", rec.Code)
	}
}

func TestSessionStart(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusCreated},
		{"permission_denied", capture.ErrPermissionDenied, http.StatusForbidden},
		{"device_unavailable", capture.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{"already_running", session.ErrAlreadyRunning, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, "", nil)
			s.sess.startErr = tt.err
			rec := s.do("POST", "/api/v1/session/start", "", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSessionStop(t *testing.T) {
	s := newTestServer(t, "", nil)
	s.sess.stopErr = session.ErrNotRecording
	if rec := s.do("POST", "/api/v1/session/stop", "", ""); rec.Code != http.StatusConflict {
		t.Errorf("not recording: status = %d, want 409", rec.Code)
	}

	s.sess.stopErr = nil
	rec := s.do("POST", "/api/v1/session/stop", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if st := decode[session.State](t, rec); st.Status != session.StatusStopped {
		t.Errorf("status = %q, want stopped", st.Status)
	}
}

func TestSessionTranscript(t *testing.T) {
	s := newTestServer(t, "", nil)
	s.sess.segments = []session.TranscriptSegment{
		{SequenceIndex: 1, Text: "hello"},
		{SequenceIndex: 2, Text: "world"},
	}
	resp := decode[transcriptResponse](t, s.do("GET", "/api/v1/session/transcript", "", ""))
	if len(resp.Segments) != 2 || resp.Text != "hello\nworld" {
		t.Errorf("transcript = %+v", resp)
	}

	s.sess.segments = nil
	rec := s.do("GET", "/api/v1/session/transcript", "", "")
	if !strings.Contains(rec.Body.String(), `"segments":[]`) {
		t.Errorf("empty transcript body = %s", rec.Body.String())
	}
}

func TestQueueRoutes(t *testing.T) {
	entries := []queue.Entry{
		{Segment: capture.Segment{SessionID: "s1", SequenceIndex: 1}, AttemptCount: 1},
		{Segment: capture.Segment{SessionID: "s1", SequenceIndex: 2}},
	}

	t.Run("list", func(t *testing.T) {
		s := newTestServer(t, "", nil)
		s.sess.entries = entries
		resp := decode[queueResponse](t, s.do("GET", "/api/v1/queue", "", ""))
		if resp.Total != 2 || resp.Entries[0].Segment.SequenceIndex != 1 {
			t.Errorf("queue = %+v", resp)
		}
	})
	t.Run("drain_in_progress", func(t *testing.T) {
		s := newTestServer(t, "", nil)
		s.sess.drainErr = queue.ErrDrainInProgress
		if rec := s.do("POST", "/api/v1/queue/drain", "", ""); rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})
	t.Run("drain", func(t *testing.T) {
		s := newTestServer(t, "", nil)
		s.sess.entries = entries
		rec := s.do("POST", "/api/v1/queue/drain", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if res := decode[queue.DrainResult](t, rec); len(res.Succeeded) != 2 {
			t.Errorf("drain = %+v", res)
		}
	})
}

func TestQueueDiscard(t *testing.T) {
	t.Run("refused_without_token", func(t *testing.T) {
		s := newTestServer(t, "", nil)
		if rec := s.do("DELETE", "/api/v1/queue/s1/1", "", ""); rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
	t.Run("deleted", func(t *testing.T) {
		s := newTestServer(t, "secret", nil)
		if rec := s.do("DELETE", "/api/v1/queue/s1/1", "", "secret"); rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if len(s.sess.discarded) != 1 || s.sess.discarded[0] != "s1" {
			t.Errorf("discarded = %v", s.sess.discarded)
		}
	})
	t.Run("not_found", func(t *testing.T) {
		s := newTestServer(t, "secret", nil)
		s.sess.discardErr = queue.ErrNotFound
		if rec := s.do("DELETE", "/api/v1/queue/s1/7", "", "secret"); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
	t.Run("bad_sequence", func(t *testing.T) {
		s := newTestServer(t, "secret", nil)
		if rec := s.do("DELETE", "/api/v1/queue/s1/abc", "", "secret"); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestConnectivityReport(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := s.do("POST", "/api/v1/connectivity", `{"isConnected":false}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	resp := decode[connectivityState](t, rec)
	if resp.IsConnected || resp.Changed == nil || !*resp.Changed {
		t.Errorf("report = %+v", resp)
	}
	if s.signal.IsConnected() {
		t.Error("signal still online after report")
	}

	if rec := s.do("POST", "/api/v1/connectivity", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing field: status = %d, want 400", rec.Code)
	}
	if rec := s.do("POST", "/api/v1/connectivity", `{bad`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d, want 400", rec.Code)
	}

	got := decode[connectivityState](t, s.do("GET", "/api/v1/connectivity", "", ""))
	if got.IsConnected || got.Source != "manual" {
		t.Errorf("get = %+v", got)
	}
}

func TestConnectivityReportWithoutManualSource(t *testing.T) {
	s := newTestServer(t, "", func(o *Options) {
		o.Reporter = nil
		o.Config.ConnectivitySource = "probe"
	})
	if rec := s.do("POST", "/api/v1/connectivity", `{"isConnected":true}`, ""); rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestTranscriptsPagination(t *testing.T) {
	rows := []database.Transcript{{ID: 3}, {ID: 2}, {ID: 1}}
	s := newTestServer(t, "", func(o *Options) { o.Transcripts = fakeLister{rows: rows} })

	resp := decode[transcriptListResponse](t, s.do("GET", "/api/v1/transcripts?limit=2&offset=1", "", ""))
	if resp.Total != 3 || len(resp.Transcripts) != 2 || resp.Transcripts[0].ID != 2 {
		t.Errorf("page = %+v", resp)
	}
	if rec := s.do("GET", "/api/v1/transcripts?limit=0", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d, want 400", rec.Code)
	}
}

func TestSessionLive(t *testing.T) {
	s := newTestServer(t, "secret", nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/session/live?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first session.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first.Type != session.EventState || first.State.Status != session.StatusIdle {
		t.Errorf("initial event = %+v", first)
	}

	s.sess.events <- session.Event{
		Type:    session.EventTranscript,
		Segment: &session.TranscriptSegment{SequenceIndex: 1, Text: "hello"},
	}
	var next session.Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read transcript event: %v", err)
	}
	if next.Type != session.EventTranscript || next.Segment == nil || next.Segment.Text != "hello" {
		t.Errorf("transcript event = %+v", next)
	}
}
