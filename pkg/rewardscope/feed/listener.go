// Package feed subscribes to the reward server's push channel and applies
// step updates to the reward timeline and the live readouts.
//
// A Listener processes messages strictly in arrival order on a single
// goroutine. It is the only writer of the timeline once the startup seed has
// been installed; messages are not read until SeedDone has been called, and
// any update whose step is not newer than the last applied step is dropped.
//
// The first update of a reconnected lifetime whose step is below the last
// applied step marks a restarted run: the timeline is cleared and the update
// starts it again.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/series"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/snapshot"
)

// MessageStepUpdate is the only recognized push message type.
const MessageStepUpdate = "step_update"

// Config configures a Listener.
type Config struct {
	// URL of the push channel, e.g. ws://localhost:8050/ws/live.
	URL string
	// Reconnect starts a new connection lifetime after a close or error.
	Reconnect bool
	// BaseBackoff is the first reconnect delay. Default: 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling delay. Default: 30s.
	MaxBackoff time.Duration
	// HandshakeTimeout bounds the websocket handshake. Default: 10s.
	HandshakeTimeout time.Duration
	// PingInterval is how often the listener pings the server. Default: 30s.
	PingInterval time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Default: twice PingInterval.
	PongWait time.Duration
}

func (c *Config) defaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
}

const writeWait = time.Second

// StateObserver is told about every connection state transition.
type StateObserver interface {
	Observe(state model.ConnectionState, connID string)
}

// Listener owns the push channel connection.
type Listener struct {
	config   Config
	dialer   *websocket.Dialer
	timeline *series.Buffer[model.StepPoint]
	observer StateObserver
	onStats  func(model.LiveStats)
	logger   *slog.Logger
	metrics  *metrics.Sync

	// mu guards the live readouts and orders timeline writes.
	mu       sync.Mutex
	stats    model.LiveStats
	lastStep int64
	haveStep bool
	// seeded is set once a non-empty seed has been installed.
	seeded bool
	// lifetimes counts connections that passed the seed gate.
	lifetimes int
	// checkRestart arms restart detection for the next applied update.
	checkRestart bool

	stateMu sync.Mutex
	state   model.ConnectionState
	connID  string

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Listener.
type Option func(*Listener)

// WithObserver registers the connection state observer.
func WithObserver(o StateObserver) Option {
	return func(l *Listener) { l.observer = o }
}

// WithStatsFunc is called with the new readouts after every change.
func WithStatsFunc(fn func(model.LiveStats)) Option {
	return func(l *Listener) { l.onStats = fn }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(l *Listener) { l.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithMetrics records messages and connection attempts on m.
func WithMetrics(m *metrics.Sync) Option {
	return func(l *Listener) { l.metrics = m }
}

// New creates a Listener that appends to timeline. When timeline already
// holds points, the newest one becomes the stale cursor.
func New(cfg Config, timeline *series.Buffer[model.StepPoint], opts ...Option) (*Listener, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: url is required")
	}
	if timeline == nil {
		return nil, errors.New("feed: timeline buffer is required")
	}
	cfg.defaults()

	l := &Listener{
		config:   cfg,
		timeline: timeline,
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.dialer == nil {
		l.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if last, ok := timeline.Last(); ok {
		l.lastStep = last.Step
		l.haveStep = true
	}
	return l, nil
}

// Seed installs the reward-history snapshot as the timeline and takes the
// current step and episode from its newest element.
func (l *Listener) Seed(h snapshot.RewardHistory) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timeline.Replace(h.Points())
	last, ok := h.Last()
	if !ok {
		l.haveStep = false
		return
	}
	l.seeded = true
	l.stats.Step = last.Step
	l.stats.Episode = last.Episode
	l.lastStep = last.Step
	l.haveStep = true
	l.emitStats()
}

// SeedDone releases the read loop. It is safe to call more than once.
func (l *Listener) SeedDone() {
	l.readyOnce.Do(func() { close(l.ready) })
}

// Stats returns the current readouts.
func (l *Listener) Stats() model.LiveStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// State returns the current connection state and lifetime id.
func (l *Listener) State() (model.ConnectionState, string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state, l.connID
}

// Run connects and processes messages until ctx is cancelled. Without
// reconnect it returns after the first connection lifetime ends.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		opened, err := l.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.logger.Warn("feed: connection ended", "url", l.config.URL, "error", err)
		}
		if !l.config.Reconnect {
			return err
		}

		if opened {
			attempt = 0
		}
		wait := l.backoff(attempt)
		attempt++
		l.logger.Info("feed: reconnecting", "attempt", attempt, "backoff_ms", wait.Milliseconds())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return l.config.MaxBackoff
	}
	wait := l.config.BaseBackoff * (1 << uint(attempt))
	if wait <= 0 || wait > l.config.MaxBackoff {
		return l.config.MaxBackoff
	}
	return wait
}

// connectOnce runs one connection lifetime: connecting, then open, then
// closed or errored. opened reports whether the handshake succeeded.
func (l *Listener) connectOnce(ctx context.Context) (opened bool, err error) {
	id := uuid.NewString()
	l.transition(model.StateConnecting, id)
	l.metrics.ConnectAttempt()

	conn, _, err := l.dialer.DialContext(ctx, l.config.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			l.transition(model.StateClosed, id)
			return false, nil
		}
		l.transition(model.StateErrored, id)
		return false, fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()
	l.transition(model.StateOpen, id)
	l.logger.Info("feed: connected", "url", l.config.URL, "connection_id", id)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(l.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					l.logger.Debug("feed: ping", "connection_id", id, "error", err)
				}
			case <-done:
				return
			}
		}
	}()

	select {
	case <-l.ready:
	case <-ctx.Done():
		l.transition(model.StateClosed, id)
		return true, nil
	}

	l.mu.Lock()
	l.checkRestart = l.lifetimes > 0 || !l.seeded
	l.lifetimes++
	l.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.transition(model.StateClosed, id)
				return true, nil
			}
			l.transition(model.StateErrored, id)
			return true, fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
		l.HandleMessage(data)
	}
}

func (l *Listener) transition(to model.ConnectionState, id string) {
	l.stateMu.Lock()
	from := l.state
	if !model.CanTransition(from, to) {
		l.stateMu.Unlock()
		l.logger.Warn("feed: ignoring illegal state transition", "from", from, "to", to, "connection_id", id)
		return
	}
	l.state = to
	l.connID = id
	l.stateMu.Unlock()

	l.logger.Debug("feed: state", "from", from, "to", to, "connection_id", id)
	if l.observer != nil {
		l.observer.Observe(to, id)
	}
}

type envelope struct {
	Type string `json:"type"`
}

type stepUpdateWire struct {
	Step       *int64             `json:"step"`
	Episode    *int64             `json:"episode"`
	Reward     *float64           `json:"reward"`
	Components map[string]float64 `json:"components"`
}

func (w stepUpdateWire) update() (model.StepUpdate, error) {
	if w.Step == nil || w.Episode == nil || w.Reward == nil {
		return model.StepUpdate{}, errors.New("step, episode and reward are required")
	}
	if *w.Step < 0 || *w.Episode < 0 {
		return model.StepUpdate{}, fmt.Errorf("negative step %d or episode %d", *w.Step, *w.Episode)
	}
	return model.NewStepUpdate(*w.Step, *w.Episode, *w.Reward, w.Components), nil
}

// HandleMessage decodes and applies one push message. Unknown or non-JSON
// messages are ignored; a malformed step_update is logged and skipped. It
// reports whether the message changed any state.
func (l *Listener) HandleMessage(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != MessageStepUpdate {
		l.metrics.Message(metrics.MessageUnknown)
		l.logger.Debug("feed: ignoring message", "type", env.Type)
		return false
	}

	var w stepUpdateWire
	if err := json.Unmarshal(data, &w); err != nil {
		l.metrics.Message(metrics.MessageMalformed)
		l.logger.Warn("feed: decode step_update", "error", err)
		return false
	}
	u, err := w.update()
	if err != nil {
		l.metrics.Message(metrics.MessageMalformed)
		l.logger.Warn("feed: invalid step_update", "error", err)
		return false
	}
	return l.Apply(u)
}

// Apply applies a decoded step update. An update whose step is not newer than
// the last applied one is dropped.
func (l *Listener) Apply(u model.StepUpdate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.checkRestart {
		l.checkRestart = false
		if l.haveStep && u.Step < l.lastStep {
			l.metrics.Message(metrics.MessageRestart)
			l.logger.Info("feed: run restarted, clearing timeline", "step", u.Step, "last_step", l.lastStep)
			l.timeline.Replace(nil)
			l.haveStep = false
		}
	}
	if l.haveStep && u.Step <= l.lastStep {
		l.metrics.Message(metrics.MessageStale)
		l.logger.Debug("feed: dropping stale step", "step", u.Step, "last_step", l.lastStep)
		return false
	}
	l.metrics.Message(metrics.MessageStepUpdate)

	l.stats.Step = u.Step
	l.stats.Episode = u.Episode
	if u.HasComponents() {
		l.stats.HackingScore = model.HackingScore(u.Reward, u.Components)
		l.stats.HasHackingScore = true
	}
	l.lastStep = u.Step
	l.haveStep = true
	l.emitStats()

	l.timeline.Append(u.Point())
	return true
}

// emitStats must be called with mu held.
func (l *Listener) emitStats() {
	if l.onStats != nil {
		l.onStats(l.stats)
	}
}
