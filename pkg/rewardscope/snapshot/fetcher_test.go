package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// newTestServer serves body with status on every /api/* path and records the
// last query string seen.
func newTestServer(t *testing.T, routes map[string]string, status int) (*httptest.Server, *string) {
	t.Helper()
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.RawQuery
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastQuery
}

func newFetcher(t *testing.T, baseURL string, opts ...Option) *Fetcher {
	t.Helper()
	f, err := New(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, opts...)
	require.NoError(t, err)
	return f
}

func TestRewardHistory(t *testing.T) {
	srv, query := newTestServer(t, map[string]string{
		"/api/reward-history": `{"steps":[1,2,3],"rewards":[0.1,0.2,0.3],"episodes":[0,0,1]}`,
	}, http.StatusOK)

	h, err := newFetcher(t, srv.URL).RewardHistory(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "n=100", *query)
	assert.Equal(t, []model.HistoryStep{
		{Step: 1, Episode: 0, Reward: 0.1},
		{Step: 2, Episode: 0, Reward: 0.2},
		{Step: 3, Episode: 1, Reward: 0.3},
	}, h.Steps)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, int64(3), last.Step)
	assert.Equal(t, int64(1), last.Episode)
	assert.Equal(t, []model.StepPoint{{Step: 1, Reward: 0.1}, {Step: 2, Reward: 0.2}, {Step: 3, Reward: 0.3}}, h.Points())
}

func TestRewardHistoryTruncatesToLimit(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/reward-history": `{"steps":[1,2,3,4],"rewards":[1,2,3,4],"episodes":[0,0,0,0]}`,
	}, http.StatusOK)

	h, err := newFetcher(t, srv.URL).RewardHistory(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, h.Steps, 2)
	assert.Equal(t, int64(3), h.Steps[0].Step)
	assert.Equal(t, int64(4), h.Steps[1].Step)
}

func TestComponentBreakdownAndEpisodes(t *testing.T) {
	srv, query := newTestServer(t, map[string]string{
		"/api/component-breakdown": `{"components":["speed","crash"],"values":[4.5,1.25]}`,
		"/api/episode-history":     `{"episodes":[3,1,2],"total_rewards":[30,10,20],"lengths":[5,5,5]}`,
	}, http.StatusOK)
	f := newFetcher(t, srv.URL)

	b, err := f.ComponentBreakdown(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "n=100", *query, "zero limit uses the endpoint default")
	assert.Equal(t, []model.ComponentValue{{Name: "speed", Value: 4.5}, {Name: "crash", Value: 1.25}}, b.Components)

	e, err := f.EpisodeHistory(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "n=50", *query)
	assert.Equal(t, []model.EpisodeTotal{{Episode: 1, TotalReward: 10}, {Episode: 2, TotalReward: 20}, {Episode: 3, TotalReward: 30}}, e.Episodes, "episodes sorted ascending")
}

func TestAlerts(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/alerts": `{"alerts":[
			{"type":"component_dominance","description":"","episode":4,"severity":0.9},
			{"type":"reward_spike","description":"Reward Spike","episode":5,"severity":0.5}
		]}`,
	}, http.StatusOK)

	a, err := newFetcher(t, srv.URL).Alerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, a.Alerts, 2)
	assert.Equal(t, "Component Dominance", a.Alerts[0].Description)
	assert.Equal(t, model.AlertCritical, a.Alerts[0].Level)
	assert.Equal(t, model.AlertWarning, a.Alerts[1].Level)
	assert.NotEmpty(t, a.Alerts[0].ID)

	again, err := newFetcher(t, srv.URL).Alerts(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, a.Alerts[0].ID, again.Alerts[0].ID, "alert ids are stable across fetches")
}

func TestFetchDispatch(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/episode-history": `{"episodes":[1],"total_rewards":[2]}`,
	}, http.StatusOK)
	f := newFetcher(t, srv.URL)

	snap, err := f.Fetch(context.Background(), EndpointEpisodeHistory, 5)
	require.NoError(t, err)
	eh, ok := snap.(EpisodeHistory)
	require.True(t, ok)
	assert.Equal(t, EndpointEpisodeHistory, eh.Endpoint())

	snap, err = f.Fetch(context.Background(), EndpointComponentBreakdown, 5)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrTransport, "404 without an error body is a transport failure")

	_, err = f.Fetch(context.Background(), Endpoint("nope"), 1)
	assert.Error(t, err)
}

func TestFetchErrorTaxonomy(t *testing.T) {
	testCases := []struct {
		name   string
		body   string
		status int
		kind   error
	}{
		{"error flag true", `{"error":true}`, http.StatusOK, ErrApplication},
		{"error message", `{"error":"No data collector initialized"}`, http.StatusOK, ErrApplication},
		{"error flag with 500", `{"error":"db locked"}`, http.StatusInternalServerError, ErrApplication},
		{"plain 502", `bad gateway`, http.StatusBadGateway, ErrTransport},
		{"json 503 without flag", `{"status":"down"}`, http.StatusServiceUnavailable, ErrTransport},
		{"not json", `<html></html>`, http.StatusOK, ErrDecode},
		{"json array", `[1,2,3]`, http.StatusOK, ErrDecode},
		{"missing fields", `{"components":["a"]}`, http.StatusOK, ErrDecode},
		{"length mismatch", `{"components":["a","b"],"values":[1]}`, http.StatusOK, ErrDecode},
		{"duplicate names", `{"components":["a","a"],"values":[1,2]}`, http.StatusOK, ErrDecode},
		{"wrong types", `{"components":[1],"values":["x"]}`, http.StatusOK, ErrDecode},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, map[string]string{"/api/component-breakdown": tc.body}, tc.status)
			_, err := newFetcher(t, srv.URL).ComponentBreakdown(context.Background(), 100)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)

			var fe *FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, EndpointComponentBreakdown, fe.Endpoint)
		})
	}
}

func TestFalsyErrorFlagIsNotAnError(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/component-breakdown": `{"error":false,"components":[],"values":[]}`,
	}, http.StatusOK)

	b, err := newFetcher(t, srv.URL).ComponentBreakdown(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, b.Components)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := newFetcher(t, base).EpisodeHistory(context.Background(), 50)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/component-breakdown": `{"components":["a","b","c"],"values":[1,2,3]}`,
	}, http.StatusOK)

	f, err := New(Config{BaseURL: srv.URL, MaxBytes: 16})
	require.NoError(t, err)
	_, err = f.ComponentBreakdown(context.Background(), 100)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "ftp://example.com", "://broken"} {
		_, err := New(Config{BaseURL: base})
		assert.Error(t, err, "base %q", base)
	}
}

func TestURLKeepsBasePath(t *testing.T) {
	f := newFetcher(t, "http://example.com/scope/")
	assert.Equal(t, "http://example.com/scope/api/alerts?n=7", f.URL(EndpointAlerts, 7))
}

func TestFetchMetrics(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/api/episode-history":     `{"episodes":[1],"total_rewards":[2]}`,
		"/api/component-breakdown": `{"error":true}`,
	}, http.StatusOK)

	reg := prometheus.NewRegistry()
	f := newFetcher(t, srv.URL, WithMetrics(metrics.NewSync(reg)))
	_, _ = f.EpisodeHistory(context.Background(), 1)
	_, _ = f.ComponentBreakdown(context.Background(), 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "rewardscope_snapshot_fetches_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var ep, res string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "endpoint":
					ep = lp.GetValue()
				case "result":
					res = lp.GetValue()
				}
			}
			results[ep+"/"+res] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"episode-history/ok":              1,
		"component-breakdown/application": 1,
	}, results)
}

func TestDescribeFlag(t *testing.T) {
	assert.Equal(t, "Component Dominance", DescribeFlag("component_dominance"))
	assert.Equal(t, "Reward Spike", DescribeFlag("REWARD_spike"))
	assert.Equal(t, "", DescribeFlag("__"))
}
