package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	h := NewHTTPMetrics(10)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/api/episode-history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	r.Get("/api/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	for _, target := range []string{"/api/episode-history?n=5", "/api/episode-history?n=50", "/api/fail"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	stats := h.GetStats()
	if stats.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", stats.RequestCount)
	}
	if stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", stats.ErrorCount)
	}
	if got := stats.Routes["GET /api/episode-history"]; got != 2 {
		t.Errorf("route count = %d, want 2 (routes: %v)", got, stats.Routes)
	}
	if stats.PendingRequests != 0 {
		t.Errorf("PendingRequests = %d after completion", stats.PendingRequests)
	}
	if len(h.GetResponseTimeSamples()) != 3 {
		t.Errorf("expected 3 samples")
	}
}

func TestHTTPMetricsSampleRingIsBounded(t *testing.T) {
	h := NewHTTPMetrics(4)
	handler := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 20; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if n := len(h.GetResponseTimeSamples()); n != 4 {
		t.Errorf("sample count = %d, want 4", n)
	}
	if h.Percentile(50) < 0 {
		t.Error("negative percentile")
	}

	h.Reset()
	if stats := h.GetStats(); stats.RequestCount != 0 || len(stats.Routes) != 0 {
		t.Errorf("Reset left %+v", stats)
	}
	if h.Percentile(99) != 0 {
		t.Error("percentile of empty sample set should be 0")
	}
}

func TestSyncCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSync(reg)

	s.Message(MessageStepUpdate)
	s.Message(MessageStepUpdate)
	s.Message(MessageUnknown)
	s.Fetch("episode-history", FetchOK, 10*time.Millisecond)
	s.Fetch("component-breakdown", FetchApplication, time.Millisecond)
	s.Fetch("component-breakdown", FetchSkipped, 0)
	s.BufferLength("timeline", 42)
	s.ConnectionState(2)
	s.ConnectAttempt()
	s.Cycle()

	if got := testutil.ToFloat64(s.messages.WithLabelValues(MessageStepUpdate)); got != 2 {
		t.Errorf("step_update messages = %v", got)
	}
	if got := testutil.ToFloat64(s.fetches.WithLabelValues("component-breakdown", FetchApplication)); got != 1 {
		t.Errorf("application failures = %v", got)
	}
	if got := testutil.ToFloat64(s.bufferLength.WithLabelValues("timeline")); got != 42 {
		t.Errorf("timeline length = %v", got)
	}
	if got := testutil.ToFloat64(s.connState); got != 2 {
		t.Errorf("connection state = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestNilSyncIsNoop(t *testing.T) {
	var s *Sync
	s.Message(MessageStale)
	s.Fetch("x", FetchOK, time.Second)
	s.BufferLength("x", 1)
	s.ConnectionState(1)
	s.ConnectAttempt()
	s.Cycle()
}
