package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", "test-run")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecentStepsOldestFirst(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.RecordStep(ctx, Step{Step: i, Episode: i / 3, Reward: float64(i) / 10,
			Components: map[string]float64{"speed": float64(i)}}))
	}

	steps, err := s.RecentSteps(ctx, 3)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{steps[0].Step, steps[1].Step, steps[2].Step})
	assert.Equal(t, map[string]float64{"speed": 5}, steps[2].Components)

	latest, err := s.LatestStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.Step)
	assert.Equal(t, int64(1), latest.Episode)
}

func TestEmptyStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.LatestStep(ctx)
	assert.True(t, errors.Is(err, ErrNoData))

	steps, err := s.RecentSteps(ctx, 100)
	require.NoError(t, err)
	assert.NotNil(t, steps)
	assert.Empty(t, steps)

	comps, err := s.ComponentBreakdown(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, comps)

	alerts, err := s.Alerts(ctx, 50)
	require.NoError(t, err)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestRecordStepValidation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	assert.Error(t, s.RecordStep(ctx, Step{Step: -1}))
	require.NoError(t, s.RecordStep(ctx, Step{Step: 1}))
	assert.Error(t, s.RecordStep(ctx, Step{Step: 1}), "duplicate step")
}

func TestComponentBreakdownAbsoluteSums(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordStep(ctx, Step{Step: 1, Components: map[string]float64{"speed": 1, "crash": -2}}))
	require.NoError(t, s.RecordStep(ctx, Step{Step: 2, Components: map[string]float64{"speed": -0.5}}))
	require.NoError(t, s.RecordStep(ctx, Step{Step: 3, Components: map[string]float64{"lane": 0.25, "speed": 1}}))

	comps, err := s.ComponentBreakdown(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []Component{{"crash", 2}, {"speed", 2.5}, {"lane", 0.25}}, comps)

	// Only the newest step counts with n=1.
	comps, err = s.ComponentBreakdown(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []Component{{"lane", 0.25}, {"speed", 1}}, comps)
}

func TestEpisodeHistoryUpsert(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordEpisode(ctx, Episode{Episode: 2, TotalReward: 5, Length: 10}))
	require.NoError(t, s.RecordEpisode(ctx, Episode{Episode: 1, TotalReward: 3, Length: 8}))
	require.NoError(t, s.RecordEpisode(ctx, Episode{Episode: 2, TotalReward: 7, Length: 12, HackingFlags: []string{"x"}}))

	eps, err := s.EpisodeHistory(ctx, 50)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, int64(1), eps[0].Episode)
	assert.Equal(t, 7.0, eps[1].TotalReward)
	assert.Equal(t, []string{"x"}, eps[1].HackingFlags)
	assert.Equal(t, []string{}, eps[0].HackingFlags)
}

func TestAlertsFromRecentEpisodes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	// Episode 0 falls outside the window of the newest ten.
	for ep := int64(0); ep <= AlertEpisodeWindow; ep++ {
		var flags []string
		if ep == 0 || ep == 5 {
			flags = []string{"component_dominance", "reward_spike"}
		}
		require.NoError(t, s.RecordEpisode(ctx, Episode{Episode: ep, TotalReward: 1, Length: 1,
			HackingScore: 0.8, HackingFlags: flags}))
	}

	alerts, err := s.Alerts(ctx, 50)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, Alert{Episode: 5, Type: "component_dominance", Severity: 0.8, Description: "Component Dominance"}, alerts[0])
	assert.Equal(t, "Reward Spike", alerts[1].Description)

	alerts, err = s.Alerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "reward_spike", alerts[0].Type)
}

func TestRunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	require.NoError(t, s.RecordStep(ctx, Step{Step: 1}))
	require.NotEmpty(t, s.RunID())
	assert.Equal(t, "test-run", s.RunName())

	steps, episodes, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), steps)
	assert.Equal(t, int64(0), episodes)
}
