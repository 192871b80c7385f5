// Package connstate tracks the push channel lifecycle for display.
package connstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// Notifier receives the display-ready status after every transition.
type Notifier interface {
	Connection(model.ConnectionStatus)
}

// Tracker is a pure observer: it records the latest state and forwards it.
type Tracker struct {
	mu      sync.Mutex
	status  model.ConnectionStatus
	notify  Notifier
	metrics *metrics.Sync
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Tracker in the closed state. notify and m may be nil.
func New(notify Notifier, m *metrics.Sync, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{notify: notify, metrics: m, logger: logger, now: time.Now}
	t.status = model.NewConnectionStatus(model.StateClosed, "", t.now())
	return t
}

// Observe implements feed.StateObserver.
func (t *Tracker) Observe(state model.ConnectionState, connID string) {
	t.mu.Lock()
	t.status = model.NewConnectionStatus(state, connID, t.now())
	status := t.status
	t.mu.Unlock()

	t.metrics.ConnectionState(int(state))
	if state == model.StateErrored || (state == model.StateClosed && connID != "") {
		t.logger.Info("connstate: disconnected", "state", state, "connection_id", connID)
	}
	if t.notify != nil {
		t.notify.Connection(status)
	}
}

// Status returns the latest status.
func (t *Tracker) Status() model.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connected reports whether the channel is open.
func (t *Tracker) Connected() bool {
	return t.Status().Connected
}
