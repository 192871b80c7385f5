package alerts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// maxSeen bounds the set of alert keys remembered for deduplication.
const maxSeen = 1000

// Notice is a newly observed alert handed to handlers.
type Notice struct {
	Alert    model.Alert
	Observed time.Time
}

type Handler interface {
	Handle(n Notice) error
}

// ConsoleHandler prints one line per alert.
type ConsoleHandler struct {
	Out io.Writer
}

func (h *ConsoleHandler) Handle(n Notice) error {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "[%s] ALERT %s [%s] episode %d: %s (severity %.2f)\n",
		n.Observed.Format("15:04:05"), n.Alert.Level, n.Alert.Type, n.Alert.Episode,
		n.Alert.Description, n.Alert.Severity)
	return err
}

type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(n Notice) error {
	level := slog.LevelInfo
	if n.Alert.Level >= model.AlertWarning {
		level = slog.LevelWarn
	}
	h.logger.Log(context.Background(), level, "alerts: reward hacking suspected",
		"type", n.Alert.Type,
		"episode", n.Alert.Episode,
		"severity", n.Alert.Severity,
		"level", n.Alert.Level,
		"description", n.Alert.Description)
	return nil
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Notice) error

func (f HandlerFunc) Handle(n Notice) error { return f(n) }

type registration struct {
	minLevel model.AlertLevel
	handler  Handler
}

// Registry dispatches each alert once, the first time its key is seen, to
// every handler whose minimum level it meets.
type Registry struct {
	mu       sync.Mutex
	handlers []registration
	seen     map[string]struct{}
	order    []string
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		seen:   make(map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Registry) RegisterHandler(minLevel model.AlertLevel, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, registration{minLevel: minLevel, handler: handler})
}

// Observe takes the current alerts view and dispatches the ones not seen
// before. It returns the number of new alerts. Handler errors are logged.
func (r *Registry) Observe(view []model.Alert) int {
	r.mu.Lock()
	var fresh []model.Alert
	for _, a := range view {
		key := a.Key()
		if _, ok := r.seen[key]; ok {
			continue
		}
		r.remember(key)
		fresh = append(fresh, a)
	}
	// Copy handlers to release lock quickly
	handlers := make([]registration, len(r.handlers))
	copy(handlers, r.handlers)
	now := r.now()
	r.mu.Unlock()

	for _, a := range fresh {
		n := Notice{Alert: a, Observed: now}
		for _, reg := range handlers {
			if a.Level < reg.minLevel {
				continue
			}
			if err := reg.handler.Handle(n); err != nil {
				r.logger.Warn("alerts: handler failed", "type", a.Type, "episode", a.Episode, "error", err)
			}
		}
	}
	return len(fresh)
}

// remember must be called with mu held.
func (r *Registry) remember(key string) {
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > maxSeen {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
}

// Seen returns how many alert keys are remembered.
func (r *Registry) Seen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
