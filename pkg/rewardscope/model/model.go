// Package model holds the value types shared by the synchronization
// components: live step updates, the points stored in series buffers,
// snapshot records and the push channel's connection state.
package model

import (
	"fmt"
	"math"
	"time"
)

// StepUpdate is a single live training step received from the push channel.
// Construct it with NewStepUpdate; the component map is copied so the value
// is never aliased with the decoder's buffers.
type StepUpdate struct {
	Step       int64
	Episode    int64
	Reward     float64
	Components map[string]float64
}

// NewStepUpdate builds a StepUpdate and copies components.
func NewStepUpdate(step, episode int64, reward float64, components map[string]float64) StepUpdate {
	var comps map[string]float64
	if len(components) > 0 {
		comps = make(map[string]float64, len(components))
		for name, value := range components {
			comps[name] = value
		}
	}
	return StepUpdate{
		Step:       step,
		Episode:    episode,
		Reward:     reward,
		Components: comps,
	}
}

// HasComponents reports whether the update carries a non-empty breakdown.
func (u StepUpdate) HasComponents() bool {
	return len(u.Components) > 0
}

// Point returns the reward-timeline point for this update.
func (u StepUpdate) Point() StepPoint {
	return StepPoint{Step: u.Step, Reward: u.Reward}
}

// HackingScore is max(|component|) / |reward|. It is 0 when the reward is 0
// or there are no components.
func HackingScore(reward float64, components map[string]float64) float64 {
	total := math.Abs(reward)
	if total == 0 || len(components) == 0 {
		return 0
	}
	var largest float64
	for _, v := range components {
		if a := math.Abs(v); a > largest {
			largest = a
		}
	}
	return largest / total
}

// StepPoint is one point of the reward timeline: x is the step, y the reward.
type StepPoint struct {
	Step   int64   `json:"step"`
	Reward float64 `json:"reward"`
}

// HistoryStep is one row of the reward-history snapshot.
type HistoryStep struct {
	Step    int64   `json:"step"`
	Episode int64   `json:"episode"`
	Reward  float64 `json:"reward"`
}

// Point drops the episode.
func (h HistoryStep) Point() StepPoint {
	return StepPoint{Step: h.Step, Reward: h.Reward}
}

// ComponentValue is one slice of the component breakdown.
type ComponentValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// EpisodeTotal is one bar of the episode history.
type EpisodeTotal struct {
	Episode     int64   `json:"episode"`
	TotalReward float64 `json:"total_reward"`
}

// Label is the display label used by the episode chart.
func (e EpisodeTotal) Label() string {
	return fmt.Sprintf("Ep %d", e.Episode)
}

// AlertLevel buckets an alert's severity for display and dispatch.
type AlertLevel int

const (
	AlertInfo AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertCritical:
		return "critical"
	case AlertWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalText renders the level as its name.
func (l AlertLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *AlertLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*l = AlertInfo
	case "warning":
		*l = AlertWarning
	case "critical":
		*l = AlertCritical
	default:
		return fmt.Errorf("unknown alert level %q", text)
	}
	return nil
}

// LevelForSeverity maps a 0..1 severity to a level: above 0.7 is critical,
// above 0.4 a warning, anything else informational.
func LevelForSeverity(severity float64) AlertLevel {
	switch {
	case severity > 0.7:
		return AlertCritical
	case severity > 0.4:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// Alert is a reward-hacking alert reported by the remote detector.
type Alert struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Episode     int64      `json:"episode"`
	Severity    float64    `json:"severity"`
	Level       AlertLevel `json:"level"`
}

// Key identifies an alert across refreshes.
func (a Alert) Key() string {
	return fmt.Sprintf("%d/%s", a.Episode, a.Type)
}

// LiveStats are the scalar readouts derived from the push channel.
type LiveStats struct {
	Step            int64   `json:"current_step"`
	Episode         int64   `json:"current_episode"`
	HackingScore    float64 `json:"hacking_score"`
	HasHackingScore bool    `json:"has_hacking_score"`
}

// ConnectionState is the lifecycle state of one push channel connection.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErrored:
		return "errored"
	default:
		return "closed"
	}
}

// MarshalText renders the state as its name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, st := range []ConnectionState{StateClosed, StateConnecting, StateOpen, StateErrored} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Connected is true only while the channel is open.
func (s ConnectionState) Connected() bool {
	return s == StateOpen
}

// Label is the text shown by the connection indicator.
func (s ConnectionState) Label() string {
	switch s {
	case StateOpen:
		return "Connected"
	case StateConnecting:
		return "Connecting"
	default:
		return "Disconnected"
	}
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// A lifetime runs connecting -> open -> closed, errored is reachable from
// connecting or open, and a closed or errored channel may start over.
// connecting -> closed covers a dial abandoned by cancellation.
func CanTransition(from, to ConnectionState) bool {
	switch from {
	case StateClosed, StateErrored:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateErrored || to == StateClosed
	case StateOpen:
		return to == StateClosed || to == StateErrored
	}
	return false
}

// ConnectionStatus is the display-ready view of the connection state.
type ConnectionStatus struct {
	State        ConnectionState `json:"state"`
	Connected    bool            `json:"connected"`
	Label        string          `json:"label"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Since        time.Time       `json:"since"`
}

// NewConnectionStatus fills the derived fields from state.
func NewConnectionStatus(state ConnectionState, connID string, since time.Time) ConnectionStatus {
	return ConnectionStatus{
		State:        state,
		Connected:    state.Connected(),
		Label:        state.Label(),
		ConnectionID: connID,
		Since:        since,
	}
}
