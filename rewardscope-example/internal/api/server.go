// Package api serves the reward server's HTTP surface: the snapshot
// endpoints the dashboard polls, the /ws/live push channel, and ingest
// endpoints the simulator writes through.
//
// Snapshot endpoints take an optional ?n=<count>. Failures are reported as
// a 200 response whose body is {"error": "<message>"}, which is what clients
// of this server check for.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/collector"
)

// Default sizes when a request carries no usable ?n.
const (
	DefaultSteps    = 100
	DefaultEpisodes = 50
	DefaultAlerts   = 50
	// MaxLimit caps ?n on every endpoint.
	MaxLimit = 10000
)

// Config configures a Server.
type Config struct {
	// PollInterval is how often each /ws/live connection checks for a newer
	// step. Default: 100ms.
	PollInterval time.Duration
	// MaxSamples bounds the response-time samples kept for /api/stats.
	MaxSamples int
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 1000
	}
}

// Server exposes a collector.Store over HTTP.
type Server struct {
	store    *collector.Store
	config   Config
	logger   *slog.Logger
	http     *metrics.HTTPMetrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the router for store. logger may be nil.
func New(store *collector.Store, cfg Config, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		store:    store,
		config:   cfg,
		logger:   logger,
		http:     metrics.NewHTTPMetrics(cfg.MaxSamples),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Any page may chart a run.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/ws/live", s.handleLive)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.http.Middleware)
		r.Get("/reward-history", s.handleRewardHistory)
		r.Get("/component-breakdown", s.handleComponentBreakdown)
		r.Get("/episode-history", s.handleEpisodeHistory)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/stats", s.handleStats)
		r.Post("/steps", s.handleRecordSteps)
		r.Post("/episodes", s.handleRecordEpisodes)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPStats returns request statistics for the /api routes.
func (s *Server) HTTPStats() metrics.HTTPStats {
	return s.http.GetStats()
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		return def
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("api: request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	steps, episodes, err := s.store.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"run":      s.store.RunName(),
		"run_id":   s.store.RunID(),
		"steps":    steps,
		"episodes": episodes,
	})
}

func (s *Server) handleRewardHistory(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.RecentSteps(r.Context(), limitParam(r, DefaultSteps))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := struct {
		Steps    []int64   `json:"steps"`
		Rewards  []float64 `json:"rewards"`
		Episodes []int64   `json:"episodes"`
	}{
		Steps:    make([]int64, len(steps)),
		Rewards:  make([]float64, len(steps)),
		Episodes: make([]int64, len(steps)),
	}
	for i, st := range steps {
		resp.Steps[i] = st.Step
		resp.Rewards[i] = st.Reward
		resp.Episodes[i] = st.Episode
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComponentBreakdown(w http.ResponseWriter, r *http.Request) {
	comps, err := s.store.ComponentBreakdown(r.Context(), limitParam(r, DefaultSteps))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := struct {
		Components []string  `json:"components"`
		Values     []float64 `json:"values"`
	}{
		Components: make([]string, len(comps)),
		Values:     make([]float64, len(comps)),
	}
	for i, c := range comps {
		resp.Components[i] = c.Name
		resp.Values[i] = c.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEpisodeHistory(w http.ResponseWriter, r *http.Request) {
	eps, err := s.store.EpisodeHistory(r.Context(), limitParam(r, DefaultEpisodes))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := struct {
		Episodes      []int64   `json:"episodes"`
		TotalRewards  []float64 `json:"total_rewards"`
		Lengths       []int64   `json:"lengths"`
		HackingScores []float64 `json:"hacking_scores"`
	}{
		Episodes:      make([]int64, len(eps)),
		TotalRewards:  make([]float64, len(eps)),
		Lengths:       make([]int64, len(eps)),
		HackingScores: make([]float64, len(eps)),
	}
	for i, ep := range eps {
		resp.Episodes[i] = ep.Episode
		resp.TotalRewards[i] = ep.TotalReward
		resp.Lengths[i] = ep.Length
		resp.HackingScores[i] = ep.HackingScore
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.Alerts(r.Context(), limitParam(r, DefaultAlerts))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.http.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"http": stats,
		"p50":  s.http.Percentile(50).String(),
		"p95":  s.http.Percentile(95).String(),
	})
}

func (s *Server) handleRecordSteps(w http.ResponseWriter, r *http.Request) {
	var steps []collector.Step
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&steps); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request: " + err.Error()})
		return
	}
	for _, st := range steps {
		if err := s.store.RecordStep(r.Context(), st); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int{"recorded": len(steps)})
}

func (s *Server) handleRecordEpisodes(w http.ResponseWriter, r *http.Request) {
	var eps []collector.Episode
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&eps); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request: " + err.Error()})
		return
	}
	for _, ep := range eps {
		if err := s.store.RecordEpisode(r.Context(), ep); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int{"recorded": len(eps)})
}

type stepUpdate struct {
	Type       string             `json:"type"`
	Step       int64              `json:"step"`
	Reward     float64            `json:"reward"`
	Components map[string]float64 `json:"components"`
	Episode    int64              `json:"episode"`
}

// handleLive polls the store and pushes a step_update each time the newest
// step advances. Intermediate steps between polls are not sent.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	lastStep := int64(-1)
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			latest, err := s.store.LatestStep(ctx)
			if errors.Is(err, collector.ErrNoData) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("api: live poll failed", "error", err)
				}
				continue
			}
			if latest.Step <= lastStep {
				continue
			}
			lastStep = latest.Step

			comps := latest.Components
			if comps == nil {
				comps = map[string]float64{}
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(stepUpdate{
				Type:       "step_update",
				Step:       latest.Step,
				Reward:     latest.Reward,
				Components: comps,
				Episode:    latest.Episode,
			}); err != nil {
				s.logger.Debug("api: live client gone", "error", err)
				return
			}
		}
	}
}
