package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

func newTestHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(opts...)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawUpdate struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUpdate(t *testing.T, conn *websocket.Conn) rawUpdate {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u rawUpdate
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func TestHubSendsStateThenUpdates(t *testing.T) {
	h, srv := newTestHub(t)
	h.RewardTimeline([]model.StepPoint{{Step: 1, Reward: 0.5}})
	require.Eventually(t, func() bool { return len(h.RecentEvents()) == 1 }, time.Second, 5*time.Millisecond)

	conn := dial(t, srv)
	first := readUpdate(t, conn)
	require.Equal(t, KindState, first.Type)
	var st State
	require.NoError(t, json.Unmarshal(first.Data, &st))
	assert.Equal(t, []model.StepPoint{{Step: 1, Reward: 0.5}}, st.RewardTimeline)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	h.LiveStats(model.LiveStats{Step: 42, Episode: 3, HackingScore: 1.5, HasHackingScore: true})

	u := readUpdate(t, conn)
	require.Equal(t, KindLiveStats, u.Type)
	var stats model.LiveStats
	require.NoError(t, json.Unmarshal(u.Data, &stats))
	assert.Equal(t, int64(42), stats.Step)
	assert.Equal(t, 1.5, stats.HackingScore)
}

func TestHubClientJoiningMidStreamSeesLatest(t *testing.T) {
	h, srv := newTestHub(t)

	const last = 60
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := int64(1); i <= last; i++ {
			h.LiveStats(model.LiveStats{Step: i})
			time.Sleep(time.Millisecond)
		}
	}()

	conn := dial(t, srv)
	first := readUpdate(t, conn)
	require.Equal(t, KindState, first.Type)
	var st State
	require.NoError(t, json.Unmarshal(first.Data, &st))
	<-emitted

	newest := st.LiveStats.Step
	for newest < last {
		u := readUpdate(t, conn)
		if u.Type != KindLiveStats {
			continue
		}
		var stats model.LiveStats
		require.NoError(t, json.Unmarshal(u.Data, &stats))
		newest = stats.Step
	}
	assert.Equal(t, int64(last), newest)
}

func TestHubStateEndpoint(t *testing.T) {
	h, srv := newTestHub(t)
	h.EpisodeHistory([]model.EpisodeTotal{{Episode: 1, TotalReward: 10}, {Episode: 2, TotalReward: 12}})
	h.Connection(model.NewConnectionStatus(model.StateOpen, "abc", time.Now()))

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status string `json:"status"`
		Data   State  `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Data.EpisodeHistory, 2)
	assert.Equal(t, "Ep 1", body.Data.EpisodeHistory[0].Label)
	assert.Equal(t, "Connected", body.Data.Connection.Label)
	assert.True(t, body.Data.Connection.Connected)
}

func TestHubRecentEventsIsCircular(t *testing.T) {
	h, _ := newTestHub(t)
	for i := 0; i < 60; i++ {
		h.LiveStats(model.LiveStats{Step: int64(i)})
		// Let the broadcast loop drain so nothing is dropped.
		require.Eventually(t, func() bool {
			ev := h.RecentEvents()
			return len(ev) > 0 && ev[len(ev)-1].Data.(model.LiveStats).Step == int64(i)
		}, time.Second, time.Millisecond)
	}

	ev := h.RecentEvents()
	require.Len(t, ev, 50)
	assert.Equal(t, int64(10), ev[0].Data.(model.LiveStats).Step)
	assert.Equal(t, int64(59), ev[49].Data.(model.LiveStats).Step)
}

func TestHubClientLimit(t *testing.T) {
	h, srv := newTestHub(t, WithMaxClients(1))
	dial(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	_, srv := newTestHub(t, WithAllowedOrigins("http://dashboard.example"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://dashboard.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHubClosesClientsOnStop(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readUpdate(t, conn)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHubHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "probe"}))
	_, srv := newTestHub(t, WithGatherer(reg))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["connected"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "probe_total 0")
}

func TestEpisodeBars(t *testing.T) {
	bars := EpisodeBars([]model.EpisodeTotal{{Episode: 7, TotalReward: 1.5}})
	assert.Equal(t, []EpisodeBar{{Label: "Ep 7", Episode: 7, TotalReward: 1.5}}, bars)
	assert.Empty(t, EpisodeBars(nil))
}
