// Package reconcile refreshes the snapshot-driven buffers on a fixed timer.
//
// Each endpoint is fetched independently: one failing never blocks another,
// and a failed endpoint keeps its last-known state until a later cycle
// succeeds. An endpoint whose previous fetch is still in flight is skipped
// for that tick, so a slow stale response can never overwrite a fresher one.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/series"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/snapshot"
)

// Source fetches snapshots. *snapshot.Fetcher implements it.
type Source interface {
	RewardHistory(ctx context.Context, limit int) (snapshot.RewardHistory, error)
	ComponentBreakdown(ctx context.Context, limit int) (snapshot.ComponentBreakdown, error)
	EpisodeHistory(ctx context.Context, limit int) (snapshot.EpisodeHistory, error)
	Alerts(ctx context.Context, limit int) (snapshot.AlertFeed, error)
}

// Seeder installs the startup reward history. SeedDone is called exactly
// once after the seed attempt, whether or not it succeeded.
type Seeder interface {
	Seed(snapshot.RewardHistory)
	SeedDone()
}

// Targets are the buffers the reconciler owns. Alerts and Seeder may be nil.
type Targets struct {
	Breakdown *series.Buffer[model.ComponentValue]
	Episodes  *series.Buffer[model.EpisodeTotal]
	Alerts    *series.Buffer[model.Alert]
	Seeder    Seeder
}

// Config configures a Reconciler.
type Config struct {
	// Interval between cycles. Default: 5s.
	Interval time.Duration
	// TimelineLimit is the reward-history size used for the seed. Default: 100.
	TimelineLimit int
	// BreakdownLimit is the component-breakdown size. Default: 100.
	BreakdownLimit int
	// EpisodeLimit is the episode-history size. Default: 50.
	EpisodeLimit int
	// AlertLimit is the alerts size. Default: 50.
	AlertLimit int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.TimelineLimit <= 0 {
		c.TimelineLimit = snapshot.EndpointRewardHistory.DefaultLimit()
	}
	if c.BreakdownLimit <= 0 {
		c.BreakdownLimit = snapshot.EndpointComponentBreakdown.DefaultLimit()
	}
	if c.EpisodeLimit <= 0 {
		c.EpisodeLimit = snapshot.EndpointEpisodeHistory.DefaultLimit()
	}
	if c.AlertLimit <= 0 {
		c.AlertLimit = snapshot.EndpointAlerts.DefaultLimit()
	}
}

// Reconciler runs the pull path.
type Reconciler struct {
	source   Source
	targets  Targets
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Sync
	inFlight map[snapshot.Endpoint]*atomic.Bool
}

// New creates a Reconciler. m may be nil.
func New(source Source, targets Targets, cfg Config, m *metrics.Sync, logger *slog.Logger) (*Reconciler, error) {
	if source == nil {
		return nil, errors.New("reconcile: source is required")
	}
	if targets.Breakdown == nil || targets.Episodes == nil {
		return nil, errors.New("reconcile: breakdown and episode buffers are required")
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	inFlight := make(map[snapshot.Endpoint]*atomic.Bool, len(snapshot.Endpoints))
	for _, ep := range snapshot.Endpoints {
		inFlight[ep] = new(atomic.Bool)
	}
	return &Reconciler{
		source:   source,
		targets:  targets,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		inFlight: inFlight,
	}, nil
}

// Run performs the startup pass, then a cycle every Interval. Blocks until
// ctx is cancelled and every cycle it started has finished.
func (r *Reconciler) Run(ctx context.Context) {
	r.Startup(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Cycle(ctx)
			}()
		}
	}
}

// Startup seeds the reward timeline concurrently with the first cycle and
// returns when both are done.
func (r *Reconciler) Startup(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.seed(ctx)
	}()
	r.Cycle(ctx)
	wg.Wait()
}

func (r *Reconciler) seed(ctx context.Context) {
	seeder := r.targets.Seeder
	if seeder == nil {
		return
	}
	defer seeder.SeedDone()
	refresh(ctx, r, snapshot.EndpointRewardHistory, r.config.TimelineLimit, r.source.RewardHistory, seeder.Seed)
}

// Cycle fetches every endpoint concurrently and replaces each buffer whose
// fetch succeeded.
func (r *Reconciler) Cycle(ctx context.Context) {
	r.metrics.Cycle()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() {
		refresh(ctx, r, snapshot.EndpointComponentBreakdown, r.config.BreakdownLimit, r.source.ComponentBreakdown,
			func(b snapshot.ComponentBreakdown) { r.targets.Breakdown.Replace(b.Components) })
	})
	run(func() {
		refresh(ctx, r, snapshot.EndpointEpisodeHistory, r.config.EpisodeLimit, r.source.EpisodeHistory,
			func(e snapshot.EpisodeHistory) { r.targets.Episodes.Replace(e.Episodes) })
	})
	if r.targets.Alerts != nil {
		run(func() {
			refresh(ctx, r, snapshot.EndpointAlerts, r.config.AlertLimit, r.source.Alerts,
				func(a snapshot.AlertFeed) { r.targets.Alerts.Replace(a.Alerts) })
		})
	}
	wg.Wait()
}

// InFlight reports whether a fetch of ep is outstanding.
func (r *Reconciler) InFlight(ep snapshot.Endpoint) bool {
	g, ok := r.inFlight[ep]
	return ok && g.Load()
}

// refresh runs one guarded fetch of ep and applies the result on success.
// Failures are logged and leave the target untouched.
func refresh[R any](ctx context.Context, r *Reconciler, ep snapshot.Endpoint, limit int,
	fetch func(context.Context, int) (R, error), apply func(R)) bool {

	guard := r.inFlight[ep]
	if !guard.CompareAndSwap(false, true) {
		r.metrics.Fetch(string(ep), metrics.FetchSkipped, 0)
		r.logger.Debug("reconcile: fetch skipped, previous still in flight", "endpoint", ep)
		return false
	}
	defer guard.Store(false)

	rec, err := fetch(ctx, limit)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.logger.Warn("reconcile: fetch failed, keeping last state", "endpoint", ep, "error", err)
		return false
	}
	apply(rec)
	return true
}
