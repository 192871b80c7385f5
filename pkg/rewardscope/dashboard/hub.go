// Package dashboard serves the synchronized state to browsers.
//
// Hub implements sink.Sink. Each update is stored as the latest state and
// queued for broadcast to every websocket client; a client that connects
// late receives the full state first. The queue drops updates when full, so
// clients that need a consistent picture re-read /api/state.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// Update kinds sent to clients.
const (
	KindState              = "state"
	KindRewardTimeline     = "reward_timeline"
	KindLiveStats          = "live_stats"
	KindComponentBreakdown = "component_breakdown"
	KindEpisodeHistory     = "episode_history"
	KindAlerts             = "alerts"
	KindConnection         = "connection"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Update is one message on the browser websocket.
type Update struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EpisodeBar is an episode total with its chart label.
type EpisodeBar struct {
	Label       string  `json:"label"`
	Episode     int64   `json:"episode"`
	TotalReward float64 `json:"total_reward"`
}

// State is the full display state.
type State struct {
	RewardTimeline     []model.StepPoint      `json:"reward_timeline"`
	LiveStats          model.LiveStats        `json:"live_stats"`
	ComponentBreakdown []model.ComponentValue `json:"component_breakdown"`
	EpisodeHistory     []EpisodeBar           `json:"episode_history"`
	Alerts             []model.Alert          `json:"alerts"`
	Connection         model.ConnectionStatus `json:"connection"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub is the browser-facing update sink.
type Hub struct {
	server       *http.Server
	router       chi.Router
	upgrader     websocket.Upgrader
	clients      map[*client]bool
	clientsMutex sync.RWMutex
	maxClients   int
	updates      chan Update
	stop         chan struct{}
	stopOnce     sync.Once
	logger       *slog.Logger
	gatherer     prometheus.Gatherer
	origins      map[string]bool

	mutex       sync.RWMutex
	state       State
	eventBuffer []Update
	eventIndex  int
	eventCount  int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMaxClients caps concurrent websocket clients. Default: 100.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Hub) { h.gatherer = g }
}

// WithAllowedOrigins accepts websocket upgrades from these origins in
// addition to same-host requests.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			h.origins[o] = true
		}
	}
}

// NewHub creates a Hub and starts its broadcast loop. Call Stop to release it.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:     make(map[*client]bool),
		maxClients:  100,
		updates:     make(chan Update, 100),
		stop:        make(chan struct{}),
		eventBuffer: make([]Update, 50),
		origins:     make(map[string]bool),
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	h.state.Connection = model.NewConnectionStatus(model.StateClosed, "", time.Now())
	h.router = h.routes()

	go h.broadcast()
	return h
}

func (h *Hub) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/api/state", h.handleState)
	r.Get("/api/events", h.handleEvents)
	r.Get("/ws", h.handleWebSocket)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// checkOrigin allows requests without an Origin header, same-host requests
// and explicitly allowed origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.router
}

// Start serves on addr and blocks until Stop. It returns nil after a clean
// shutdown.
func (h *Hub) Start(addr string) error {
	h.mutex.Lock()
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := h.server
	h.mutex.Unlock()

	h.logger.Info("dashboard: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes every client and shuts the server down.
func (h *Hub) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mutex.RLock()
	srv := h.server
	h.mutex.RUnlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// State returns a copy of the current display state.
func (h *Hub) State() State {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.state
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) RewardTimeline(v []model.StepPoint) {
	h.apply(KindRewardTimeline, v, func(s *State) { s.RewardTimeline = v })
}

func (h *Hub) LiveStats(v model.LiveStats) {
	h.apply(KindLiveStats, v, func(s *State) { s.LiveStats = v })
}

func (h *Hub) ComponentBreakdown(v []model.ComponentValue) {
	h.apply(KindComponentBreakdown, v, func(s *State) { s.ComponentBreakdown = v })
}

func (h *Hub) EpisodeHistory(v []model.EpisodeTotal) {
	bars := EpisodeBars(v)
	h.apply(KindEpisodeHistory, bars, func(s *State) { s.EpisodeHistory = bars })
}

func (h *Hub) Alerts(v []model.Alert) {
	h.apply(KindAlerts, v, func(s *State) { s.Alerts = v })
}

func (h *Hub) Connection(v model.ConnectionStatus) {
	h.apply(KindConnection, v, func(s *State) { s.Connection = v })
}

// EpisodeBars attaches display labels to episode totals.
func EpisodeBars(v []model.EpisodeTotal) []EpisodeBar {
	bars := make([]EpisodeBar, len(v))
	for i, e := range v {
		bars[i] = EpisodeBar{Label: e.Label(), Episode: e.Episode, TotalReward: e.TotalReward}
	}
	return bars
}

func (h *Hub) apply(kind string, data any, set func(*State)) {
	now := time.Now()
	h.mutex.Lock()
	set(&h.state)
	h.state.UpdatedAt = now
	h.mutex.Unlock()

	select {
	case h.updates <- Update{Type: kind, Data: data, Timestamp: now}:
	default:
		// Drop if channel is full
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"clients":   h.ClientCount(),
		"connected": h.State().Connection.Connected,
	})
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   h.State(),
	})
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   h.RecentEvents(),
	})
}

// RecentEvents returns the buffered updates, oldest first.
func (h *Hub) RecentEvents() []Update {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	events := make([]Update, h.eventCount)
	if h.eventCount > 0 {
		size := len(h.eventBuffer)
		if h.eventCount == size {
			// Buffer is full, start from oldest
			for i := 0; i < size; i++ {
				events[i] = h.eventBuffer[(h.eventIndex+i)%size]
			}
		} else {
			copy(events, h.eventBuffer[:h.eventCount])
		}
	}
	return events
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard: websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	defer func() {
		h.clientsMutex.Lock()
		delete(h.clients, c)
		h.clientsMutex.Unlock()
	}()
	if err := h.register(c); err != nil {
		h.logger.Debug("dashboard: send initial state", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Reading is required to process pongs and detect disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("dashboard: websocket read", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-h.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// register adds c to the broadcast set and sends it the current state. The
// client's write lock is held throughout, so broadcasts that race with the
// registration queue behind the initial state instead of being missed.
func (h *Hub) register(c *client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h.clientsMutex.Lock()
	h.clients[c] = true
	h.clientsMutex.Unlock()

	initial, err := json.Marshal(Update{Type: KindState, Data: h.State(), Timestamp: time.Now()})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, initial)
}

func (h *Hub) broadcast() {
	for {
		select {
		case u := <-h.updates:
			h.mutex.Lock()
			h.eventBuffer[h.eventIndex] = u
			h.eventIndex = (h.eventIndex + 1) % len(h.eventBuffer)
			if h.eventCount < len(h.eventBuffer) {
				h.eventCount++
			}
			h.mutex.Unlock()

			h.broadcastMessage(u)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) broadcastMessage(u Update) {
	h.clientsMutex.RLock()
	if len(h.clients) == 0 {
		h.clientsMutex.RUnlock()
		return
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMutex.RUnlock()

	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("dashboard: marshal update", "type", u.Type, "error", err)
		return
	}

	var failed []*client
	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		h.clientsMutex.Lock()
		for _, c := range failed {
			delete(h.clients, c)
		}
		h.clientsMutex.Unlock()
	}
}
