package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeStats struct{}

func (fakeStats) Recording() bool          { return true }
func (fakeStats) ElapsedSeconds() int64    { return 47 }
func (fakeStats) InFlight() int            { return 2 }
func (fakeStats) QueueDepth() int          { return 3 }
func (fakeStats) LiveSubscriberCount() int { return 1 }

type fakeDB struct{}

func (fakeDB) DBStats() sql.DBStats { return sql.DBStats{OpenConnections: 1, WaitCount: 4} }

// value returns the first sample of a gathered family whose labels include
// every pair in labels. Returns -1 when nothing matches.
func value(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(fakeStats{}, fakeDB{}, nil))

	tests := []struct {
		name string
		want float64
	}{
		{"twinmind_session_recording", 1},
		{"twinmind_session_elapsed_seconds", 47},
		{"twinmind_session_dispatches_in_flight", 2},
		{"twinmind_queue_depth", 3},
		{"twinmind_live_subscribers_active", 1},
		{"twinmind_sqlite_open_conns", 1},
		{"twinmind_sqlite_wait_count", 4},
		{"twinmind_pg_pool_total_conns", 0},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name, nil); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCollectorNilSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(nil, nil, nil))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) != 9 {
		t.Errorf("gathered %d families, want 9", len(mfs))
	}
}

func TestInstrumentHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/v1/queue/{session}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	labels := map[string]string{"method": "GET", "route": "/api/v1/queue/{session}", "code": "418"}
	before := value(t, prometheus.DefaultGatherer, "twinmind_api_requests_total", labels)
	if before < 0 {
		before = 0
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/queue/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}

	after := value(t, prometheus.DefaultGatherer, "twinmind_api_requests_total", labels)
	if after-before != 1 {
		t.Errorf("requests counter moved by %v, want 1", after-before)
	}
}
