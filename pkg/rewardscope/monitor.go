package rewardscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/alerts"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/config"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/connstate"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/feed"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/reconcile"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/series"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/sink"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/snapshot"
)

// Monitor wires the buffers, the fetcher, the push channel listener, the
// reconciler and the connection tracker, and forwards every change to a sink.
// It is safe for concurrent use.
type Monitor struct {
	config  *config.Config
	feedURL string
	sink    sink.Sink
	logger  *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Sync
	fetcher  *snapshot.Fetcher
	dialer   *websocket.Dialer
	tracker  *connstate.Tracker
	alerts   *alerts.Registry

	timeline  *series.Buffer[model.StepPoint]
	breakdown *series.Buffer[model.ComponentValue]
	episodes  *series.Buffer[model.EpisodeTotal]
	alertBuf  *series.Buffer[model.Alert]

	statsMutex sync.RWMutex
	stats      model.LiveStats

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// State is a point-in-time copy of everything the monitor shows.
type State struct {
	RewardTimeline     []model.StepPoint
	LiveStats          model.LiveStats
	ComponentBreakdown []model.ComponentValue
	EpisodeHistory     []model.EpisodeTotal
	Alerts             []model.Alert
	Connection         model.ConnectionStatus
}

type options struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option configures a Monitor.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the sync metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient replaces the snapshot fetcher's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer replaces the push channel dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New creates a Monitor for cfg. A nil sink discards updates. The monitor is
// not started; call Start.
func New(cfg *config.Config, s sink.Sink, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.New("rewardscope: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rewardscope: %w", err)
	}
	feedURL, err := cfg.FeedURL()
	if err != nil {
		return nil, fmt.Errorf("rewardscope: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if s == nil {
		s = sink.Discard{}
	}

	m := &Monitor{
		config:   cfg,
		feedURL:  feedURL,
		sink:     s,
		logger:   o.logger,
		registry: o.registry,
		metrics:  metrics.NewSync(o.registry),
		dialer:   o.dialer,
		alerts:   alerts.NewRegistry(o.logger),
	}

	fetchOpts := []snapshot.Option{snapshot.WithMetrics(m.metrics), snapshot.WithLogger(o.logger)}
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, snapshot.WithHTTPClient(o.httpClient))
	}
	m.fetcher, err = snapshot.New(snapshot.Config{BaseURL: cfg.BaseURL, Timeout: cfg.RequestTimeout}, fetchOpts...)
	if err != nil {
		return nil, fmt.Errorf("rewardscope: %w", err)
	}

	m.tracker = connstate.New(s, m.metrics, o.logger)
	m.timeline = series.New(cfg.Limits.Timeline, func(v []model.StepPoint) {
		m.metrics.BufferLength("timeline", len(v))
		m.sink.RewardTimeline(v)
	})
	m.breakdown = series.New(0, func(v []model.ComponentValue) {
		m.metrics.BufferLength("breakdown", len(v))
		m.sink.ComponentBreakdown(v)
	})
	m.episodes = series.New(0, func(v []model.EpisodeTotal) {
		m.metrics.BufferLength("episodes", len(v))
		m.sink.EpisodeHistory(v)
	})
	m.alertBuf = series.New(0, func(v []model.Alert) {
		m.metrics.BufferLength("alerts", len(v))
		m.sink.Alerts(v)
		m.alerts.Observe(v)
	})
	return m, nil
}

// Start connects the push channel and starts the refresh loop. It returns
// immediately; both run until ctx is cancelled or Stop is called.
//
// Start is idempotent - calling it while running has no effect.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return nil
	}

	listenerOpts := []feed.Option{
		feed.WithObserver(m.tracker),
		feed.WithStatsFunc(m.setStats),
		feed.WithLogger(m.logger),
		feed.WithMetrics(m.metrics),
	}
	if m.dialer != nil {
		listenerOpts = append(listenerOpts, feed.WithDialer(m.dialer))
	}
	listener, err := feed.New(feed.Config{
		URL:          m.feedURL,
		Reconnect:    m.config.Reconnect.Enabled,
		BaseBackoff:  m.config.Reconnect.BaseBackoff,
		MaxBackoff:   m.config.Reconnect.MaxBackoff,
		PingInterval: m.config.Reconnect.PingInterval,
	}, m.timeline, listenerOpts...)
	if err != nil {
		return fmt.Errorf("rewardscope: %w", err)
	}

	reconciler, err := reconcile.New(m.fetcher, reconcile.Targets{
		Breakdown: m.breakdown,
		Episodes:  m.episodes,
		Alerts:    m.alertBuf,
		Seeder:    listener,
	}, reconcile.Config{
		Interval:       m.config.RefreshInterval,
		TimelineLimit:  m.config.Limits.Timeline,
		BreakdownLimit: m.config.Limits.Breakdown,
		EpisodeLimit:   m.config.Limits.Episodes,
		AlertLimit:     m.config.Limits.Alerts,
	}, m.metrics, m.logger)
	if err != nil {
		return fmt.Errorf("rewardscope: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := listener.Run(runCtx); err != nil {
			m.logger.Warn("monitor: push channel stopped", "error", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		reconciler.Run(runCtx)
	}()

	m.logger.Info("monitor: started", "base_url", m.config.BaseURL, "feed", m.feedURL,
		"refresh_interval", m.config.RefreshInterval, "reconnect", m.config.Reconnect.Enabled)
	return nil
}

// Stop cancels both loops and waits for them to return.
//
// Stop is idempotent - calling it multiple times has no effect.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	if !m.running {
		m.mutex.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mutex.Unlock()

	m.wg.Wait()
	m.logger.Info("monitor: stopped")
}

// IsRunning returns true if the monitor is currently running
func (m *Monitor) IsRunning() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

func (m *Monitor) setStats(s model.LiveStats) {
	m.statsMutex.Lock()
	m.stats = s
	m.statsMutex.Unlock()
	m.sink.LiveStats(s)
}

// State returns the current content of every buffer and scalar.
func (m *Monitor) State() State {
	m.statsMutex.RLock()
	stats := m.stats
	m.statsMutex.RUnlock()

	return State{
		RewardTimeline:     m.timeline.View(),
		LiveStats:          stats,
		ComponentBreakdown: m.breakdown.View(),
		EpisodeHistory:     m.episodes.View(),
		Alerts:             m.alertBuf.View(),
		Connection:         m.tracker.Status(),
	}
}

// Alerts returns the registry new alerts are dispatched through.
func (m *Monitor) Alerts() *alerts.Registry {
	return m.alerts
}

// Registry returns the Prometheus registry holding the sync metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
