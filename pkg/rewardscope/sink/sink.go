// Package sink defines the update sink the presentation layer implements.
//
// Every method receives an immutable view: slices must not be modified and
// may be retained. Methods are called synchronously by the single writer of
// the corresponding buffer, so implementations must return promptly.
package sink

import (
	"log/slog"
	"sync"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// Sink receives the current view of whichever buffer or scalar changed.
type Sink interface {
	RewardTimeline([]model.StepPoint)
	LiveStats(model.LiveStats)
	ComponentBreakdown([]model.ComponentValue)
	EpisodeHistory([]model.EpisodeTotal)
	Alerts([]model.Alert)
	Connection(model.ConnectionStatus)
}

// Discard ignores every update.
type Discard struct{}

func (Discard) RewardTimeline([]model.StepPoint)          {}
func (Discard) LiveStats(model.LiveStats)                 {}
func (Discard) ComponentBreakdown([]model.ComponentValue) {}
func (Discard) EpisodeHistory([]model.EpisodeTotal)       {}
func (Discard) Alerts([]model.Alert)                      {}
func (Discard) Connection(model.ConnectionStatus)         {}

// Multi forwards every update to each sink in order.
type Multi []Sink

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) Multi {
	m := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) RewardTimeline(v []model.StepPoint) {
	for _, s := range m {
		s.RewardTimeline(v)
	}
}

func (m Multi) LiveStats(v model.LiveStats) {
	for _, s := range m {
		s.LiveStats(v)
	}
}

func (m Multi) ComponentBreakdown(v []model.ComponentValue) {
	for _, s := range m {
		s.ComponentBreakdown(v)
	}
}

func (m Multi) EpisodeHistory(v []model.EpisodeTotal) {
	for _, s := range m {
		s.EpisodeHistory(v)
	}
}

func (m Multi) Alerts(v []model.Alert) {
	for _, s := range m {
		s.Alerts(v)
	}
}

func (m Multi) Connection(v model.ConnectionStatus) {
	for _, s := range m {
		s.Connection(v)
	}
}

// Log writes each update at debug level, connection changes at info.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) RewardTimeline(v []model.StepPoint) {
	attrs := []any{"points", len(v)}
	if len(v) > 0 {
		last := v[len(v)-1]
		attrs = append(attrs, "last_step", last.Step, "last_reward", last.Reward)
	}
	l.logger().Debug("sink: reward timeline", attrs...)
}

func (l Log) LiveStats(v model.LiveStats) {
	l.logger().Debug("sink: live stats", "step", v.Step, "episode", v.Episode,
		"hacking_score", v.HackingScore, "has_hacking_score", v.HasHackingScore)
}

func (l Log) ComponentBreakdown(v []model.ComponentValue) {
	l.logger().Debug("sink: component breakdown", "components", len(v))
}

func (l Log) EpisodeHistory(v []model.EpisodeTotal) {
	l.logger().Debug("sink: episode history", "episodes", len(v))
}

func (l Log) Alerts(v []model.Alert) {
	l.logger().Debug("sink: alerts", "alerts", len(v))
}

func (l Log) Connection(v model.ConnectionStatus) {
	l.logger().Info("sink: connection", "state", v.State, "label", v.Label, "connection_id", v.ConnectionID)
}

// Recorder keeps the latest value of every update and counts them. It is
// used by tests and by callers that poll state instead of reacting to it.
type Recorder struct {
	mu         sync.Mutex
	timeline   []model.StepPoint
	stats      model.LiveStats
	breakdown  []model.ComponentValue
	episodes   []model.EpisodeTotal
	alerts     []model.Alert
	connection model.ConnectionStatus
	history    []model.ConnectionStatus
	counts     map[string]int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int)}
}

func (r *Recorder) RewardTimeline(v []model.StepPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline = v
	r.counts["timeline"]++
}

func (r *Recorder) LiveStats(v model.LiveStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = v
	r.counts["stats"]++
}

func (r *Recorder) ComponentBreakdown(v []model.ComponentValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakdown = v
	r.counts["breakdown"]++
}

func (r *Recorder) EpisodeHistory(v []model.EpisodeTotal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.episodes = v
	r.counts["episodes"]++
}

func (r *Recorder) Alerts(v []model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = v
	r.counts["alerts"]++
}

func (r *Recorder) Connection(v model.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connection = v
	r.history = append(r.history, v)
	r.counts["connection"]++
}

// Timeline returns the last timeline view.
func (r *Recorder) Timeline() []model.StepPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline
}

// Stats returns the last live stats.
func (r *Recorder) Stats() model.LiveStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Breakdown returns the last component breakdown.
func (r *Recorder) Breakdown() []model.ComponentValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakdown
}

// Episodes returns the last episode history.
func (r *Recorder) Episodes() []model.EpisodeTotal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.episodes
}

// AlertList returns the last alerts view.
func (r *Recorder) AlertList() []model.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts
}

// Status returns the last connection status.
func (r *Recorder) Status() model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

// StatusHistory returns every connection status seen, oldest first.
func (r *Recorder) StatusHistory() []model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ConnectionStatus, len(r.history))
	copy(out, r.history)
	return out
}

// Count returns how many updates of kind were seen: timeline, stats,
// breakdown, episodes, alerts or connection.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}
