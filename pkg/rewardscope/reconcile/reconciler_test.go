package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/series"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/snapshot"
)

// fakeSource returns canned records; a nil func makes the endpoint fail with
// an application error.
type fakeSource struct {
	history   func(limit int) (snapshot.RewardHistory, error)
	breakdown func(limit int) (snapshot.ComponentBreakdown, error)
	episodes  func(limit int) (snapshot.EpisodeHistory, error)
	alerts    func(limit int) (snapshot.AlertFeed, error)

	calls sync.Map // endpoint -> *atomic.Int32
}

func (f *fakeSource) count(ep snapshot.Endpoint) {
	v, _ := f.calls.LoadOrStore(ep, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (f *fakeSource) callCount(ep snapshot.Endpoint) int {
	v, ok := f.calls.Load(ep)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func failure(ep snapshot.Endpoint) error {
	return &snapshot.FetchError{Kind: snapshot.KindApplication, Endpoint: ep, Cause: fmt.Errorf("server reported an error")}
}

func (f *fakeSource) RewardHistory(_ context.Context, limit int) (snapshot.RewardHistory, error) {
	f.count(snapshot.EndpointRewardHistory)
	if f.history == nil {
		return snapshot.RewardHistory{}, failure(snapshot.EndpointRewardHistory)
	}
	return f.history(limit)
}

func (f *fakeSource) ComponentBreakdown(_ context.Context, limit int) (snapshot.ComponentBreakdown, error) {
	f.count(snapshot.EndpointComponentBreakdown)
	if f.breakdown == nil {
		return snapshot.ComponentBreakdown{}, failure(snapshot.EndpointComponentBreakdown)
	}
	return f.breakdown(limit)
}

func (f *fakeSource) EpisodeHistory(_ context.Context, limit int) (snapshot.EpisodeHistory, error) {
	f.count(snapshot.EndpointEpisodeHistory)
	if f.episodes == nil {
		return snapshot.EpisodeHistory{}, failure(snapshot.EndpointEpisodeHistory)
	}
	return f.episodes(limit)
}

func (f *fakeSource) Alerts(_ context.Context, limit int) (snapshot.AlertFeed, error) {
	f.count(snapshot.EndpointAlerts)
	if f.alerts == nil {
		return snapshot.AlertFeed{}, failure(snapshot.EndpointAlerts)
	}
	return f.alerts(limit)
}

type seedRecorder struct {
	mu     sync.Mutex
	seeded []snapshot.RewardHistory
	done   int
}

func (s *seedRecorder) Seed(h snapshot.RewardHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded = append(s.seeded, h)
}

func (s *seedRecorder) SeedDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
}

func newTargets() Targets {
	return Targets{
		Breakdown: series.New[model.ComponentValue](0, nil),
		Episodes:  series.New[model.EpisodeTotal](0, nil),
		Alerts:    series.New[model.Alert](0, nil),
	}
}

func TestPartialFailureIsIndependent(t *testing.T) {
	// Breakdown reports {error:true}; episodes are valid.
	src := &fakeSource{
		episodes: func(int) (snapshot.EpisodeHistory, error) {
			return snapshot.EpisodeHistory{Episodes: []model.EpisodeTotal{{Episode: 1, TotalReward: 10}}}, nil
		},
	}
	targets := newTargets()
	targets.Breakdown.Replace([]model.ComponentValue{{Name: "old", Value: 1}})

	r, err := New(src, targets, Config{}, nil, nil)
	require.NoError(t, err)
	r.Cycle(context.Background())

	assert.Equal(t, []model.EpisodeTotal{{Episode: 1, TotalReward: 10}}, targets.Episodes.View())
	assert.Equal(t, []model.ComponentValue{{Name: "old", Value: 1}}, targets.Breakdown.View(), "failed endpoint keeps last state")
}

func TestCycleReplacesAndUsesLimits(t *testing.T) {
	var limits sync.Map
	src := &fakeSource{
		breakdown: func(n int) (snapshot.ComponentBreakdown, error) {
			limits.Store(snapshot.EndpointComponentBreakdown, n)
			return snapshot.ComponentBreakdown{Components: []model.ComponentValue{{Name: "a", Value: 1}, {Name: "b", Value: 2}}}, nil
		},
		episodes: func(n int) (snapshot.EpisodeHistory, error) {
			limits.Store(snapshot.EndpointEpisodeHistory, n)
			return snapshot.EpisodeHistory{}, nil
		},
		alerts: func(n int) (snapshot.AlertFeed, error) {
			limits.Store(snapshot.EndpointAlerts, n)
			return snapshot.AlertFeed{Alerts: []model.Alert{{Type: "spike", Episode: 2}}}, nil
		},
	}
	targets := newTargets()
	targets.Episodes.Replace([]model.EpisodeTotal{{Episode: 9}})

	r, err := New(src, targets, Config{}, nil, nil)
	require.NoError(t, err)
	r.Cycle(context.Background())

	assert.Len(t, targets.Breakdown.View(), 2)
	assert.Empty(t, targets.Episodes.View(), "an empty snapshot clears the buffer")
	assert.Len(t, targets.Alerts.View(), 1)

	for ep, want := range map[snapshot.Endpoint]int{
		snapshot.EndpointComponentBreakdown: 100,
		snapshot.EndpointEpisodeHistory:     50,
		snapshot.EndpointAlerts:             50,
	} {
		got, ok := limits.Load(ep)
		require.True(t, ok, ep)
		assert.Equal(t, want, got, ep)
	}
}

func TestStartupSeedsTimeline(t *testing.T) {
	src := &fakeSource{
		history: func(n int) (snapshot.RewardHistory, error) {
			assert.Equal(t, 100, n)
			return snapshot.RewardHistory{Steps: []model.HistoryStep{{Step: 3, Episode: 1, Reward: 0.3}}}, nil
		},
		breakdown: func(int) (snapshot.ComponentBreakdown, error) { return snapshot.ComponentBreakdown{}, nil },
		episodes:  func(int) (snapshot.EpisodeHistory, error) { return snapshot.EpisodeHistory{}, nil },
	}
	seeder := &seedRecorder{}
	targets := newTargets()
	targets.Seeder = seeder

	r, err := New(src, targets, Config{}, nil, nil)
	require.NoError(t, err)
	r.Startup(context.Background())

	require.Len(t, seeder.seeded, 1)
	assert.Equal(t, int64(3), seeder.seeded[0].Steps[0].Step)
	assert.Equal(t, 1, seeder.done)
	assert.Equal(t, 1, src.callCount(snapshot.EndpointComponentBreakdown))
}

func TestFailedSeedStillReleasesListener(t *testing.T) {
	seeder := &seedRecorder{}
	targets := newTargets()
	targets.Seeder = seeder

	r, err := New(&fakeSource{}, targets, Config{}, nil, nil)
	require.NoError(t, err)
	r.Startup(context.Background())

	assert.Empty(t, seeder.seeded)
	assert.Equal(t, 1, seeder.done)
}

func TestInFlightGuardSkipsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	src := &fakeSource{
		breakdown: func(int) (snapshot.ComponentBreakdown, error) {
			started <- struct{}{}
			<-release
			return snapshot.ComponentBreakdown{Components: []model.ComponentValue{{Name: "slow", Value: 1}}}, nil
		},
		episodes: func(int) (snapshot.EpisodeHistory, error) {
			return snapshot.EpisodeHistory{Episodes: []model.EpisodeTotal{{Episode: 1}}}, nil
		},
	}
	targets := newTargets()
	r, err := New(src, targets, Config{}, nil, nil)
	require.NoError(t, err)

	first := make(chan struct{})
	go func() {
		r.Cycle(context.Background())
		close(first)
	}()
	<-started
	require.True(t, r.InFlight(snapshot.EndpointComponentBreakdown))
	require.Eventually(t, func() bool {
		return !r.InFlight(snapshot.EndpointEpisodeHistory) && !r.InFlight(snapshot.EndpointAlerts)
	}, time.Second, time.Millisecond)

	// The overlapping cycle skips the breakdown but still refreshes episodes.
	targets.Episodes.Replace(nil)
	r.Cycle(context.Background())
	assert.Equal(t, 1, src.callCount(snapshot.EndpointComponentBreakdown))
	assert.Len(t, targets.Episodes.View(), 1)

	close(release)
	<-first
	assert.False(t, r.InFlight(snapshot.EndpointComponentBreakdown))
	assert.Equal(t, []model.ComponentValue{{Name: "slow", Value: 1}}, targets.Breakdown.View())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	src := &fakeSource{
		breakdown: func(int) (snapshot.ComponentBreakdown, error) { return snapshot.ComponentBreakdown{}, nil },
		episodes:  func(int) (snapshot.EpisodeHistory, error) { return snapshot.EpisodeHistory{}, nil },
	}
	r, err := New(src, newTargets(), Config{Interval: 10 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return src.callCount(snapshot.EndpointEpisodeHistory) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, src.callCount(snapshot.EndpointRewardHistory), "no seeder, no reward-history fetch")
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, newTargets(), Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New(&fakeSource{}, Targets{}, Config{}, nil, nil)
	assert.Error(t, err)
}
