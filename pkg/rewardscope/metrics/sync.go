// Package metrics exposes counters for the synchronization core and the
// request statistics of the reference server.
//
// Sync wraps Prometheus collectors registered on a caller-supplied registry.
// Every method is safe on a nil *Sync so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message kinds counted by the feed listener.
const (
	MessageStepUpdate = "step_update"
	MessageUnknown    = "unknown"
	MessageMalformed  = "malformed"
	MessageStale      = "stale"
	MessageRestart    = "restart"
)

// Fetch results counted by the snapshot fetcher and reconciler.
const (
	FetchOK          = "ok"
	FetchTransport   = "transport"
	FetchDecode      = "decode"
	FetchApplication = "application"
	FetchSkipped     = "skipped"
)

// Sync holds the Prometheus collectors for the live sync components.
type Sync struct {
	messages      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	bufferLength  *prometheus.GaugeVec
	connState     prometheus.Gauge
	connects      prometheus.Counter
	cycles        prometheus.Counter
}

// NewSync registers the collectors on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewardscope",
			Name:      "feed_messages_total",
			Help:      "Push channel messages by kind.",
		}, []string{"kind"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewardscope",
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches by endpoint and result.",
		}, []string{"endpoint", "result"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rewardscope",
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Duration of snapshot fetches.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"endpoint"}),
		bufferLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rewardscope",
			Name:      "buffer_length",
			Help:      "Current number of points per buffer.",
		}, []string{"buffer"}),
		connState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rewardscope",
			Name:      "feed_connection_state",
			Help:      "Push channel state: 0 closed, 1 connecting, 2 open, 3 errored.",
		}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rewardscope",
			Name:      "feed_connect_attempts_total",
			Help:      "Push channel connection attempts.",
		}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rewardscope",
			Name:      "reconcile_cycles_total",
			Help:      "Reconciliation cycles started.",
		}),
	}
}

// Message counts one inbound message of the given kind.
func (s *Sync) Message(kind string) {
	if s == nil {
		return
	}
	s.messages.WithLabelValues(kind).Inc()
}

// Fetch records the outcome and duration of one snapshot fetch.
func (s *Sync) Fetch(endpoint, result string, d time.Duration) {
	if s == nil {
		return
	}
	s.fetches.WithLabelValues(endpoint, result).Inc()
	if result != FetchSkipped {
		s.fetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// BufferLength sets the length gauge for a named buffer.
func (s *Sync) BufferLength(buffer string, n int) {
	if s == nil {
		return
	}
	s.bufferLength.WithLabelValues(buffer).Set(float64(n))
}

// ConnectionState records the numeric connection state.
func (s *Sync) ConnectionState(state int) {
	if s == nil {
		return
	}
	s.connState.Set(float64(state))
}

// ConnectAttempt counts a dial.
func (s *Sync) ConnectAttempt() {
	if s == nil {
		return
	}
	s.connects.Inc()
}

// Cycle counts a reconciliation cycle.
func (s *Sync) Cycle() {
	if s == nil {
		return
	}
	s.cycles.Inc()
}
