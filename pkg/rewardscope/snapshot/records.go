package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// Endpoint names a snapshot endpoint on the reward server.
type Endpoint string

const (
	EndpointRewardHistory      Endpoint = "reward-history"
	EndpointComponentBreakdown Endpoint = "component-breakdown"
	EndpointEpisodeHistory     Endpoint = "episode-history"
	EndpointAlerts             Endpoint = "alerts"
)

// Endpoints lists every known endpoint.
var Endpoints = []Endpoint{
	EndpointRewardHistory,
	EndpointComponentBreakdown,
	EndpointEpisodeHistory,
	EndpointAlerts,
}

// Path is the URL path relative to the server base.
func (e Endpoint) Path() string {
	return "/api/" + string(e)
}

// DefaultLimit is the size bound used when the caller passes none.
func (e Endpoint) DefaultLimit() int {
	switch e {
	case EndpointEpisodeHistory, EndpointAlerts:
		return 50
	default:
		return 100
	}
}

// Snapshot is implemented by every normalized record.
type Snapshot interface {
	Endpoint() Endpoint
}

// RewardHistory is the reward-history snapshot, oldest step first.
type RewardHistory struct {
	Steps []model.HistoryStep
}

func (RewardHistory) Endpoint() Endpoint { return EndpointRewardHistory }

// Points returns the (step, reward) points for the timeline.
func (h RewardHistory) Points() []model.StepPoint {
	points := make([]model.StepPoint, len(h.Steps))
	for i, s := range h.Steps {
		points[i] = s.Point()
	}
	return points
}

// Last returns the newest step, if any.
func (h RewardHistory) Last() (model.HistoryStep, bool) {
	if len(h.Steps) == 0 {
		return model.HistoryStep{}, false
	}
	return h.Steps[len(h.Steps)-1], true
}

// ComponentBreakdown is the component-contribution snapshot in server order.
type ComponentBreakdown struct {
	Components []model.ComponentValue
}

func (ComponentBreakdown) Endpoint() Endpoint { return EndpointComponentBreakdown }

// EpisodeHistory is the per-episode totals snapshot, ascending by episode.
type EpisodeHistory struct {
	Episodes []model.EpisodeTotal
}

func (EpisodeHistory) Endpoint() Endpoint { return EndpointEpisodeHistory }

// AlertFeed is the alerts snapshot.
type AlertFeed struct {
	Alerts []model.Alert
}

func (AlertFeed) Endpoint() Endpoint { return EndpointAlerts }

type rewardHistoryWire struct {
	Steps    []int64   `json:"steps"`
	Rewards  []float64 `json:"rewards"`
	Episodes []int64   `json:"episodes"`
}

type componentBreakdownWire struct {
	Components []string  `json:"components"`
	Values     []float64 `json:"values"`
}

type episodeHistoryWire struct {
	Episodes     []int64   `json:"episodes"`
	TotalRewards []float64 `json:"total_rewards"`
}

type alertWire struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Episode     *int64   `json:"episode"`
	Severity    *float64 `json:"severity"`
}

type alertFeedWire struct {
	Alerts []alertWire `json:"alerts"`
}

var errMissingField = errors.New("missing field")

func (w rewardHistoryWire) normalize(limit int) (RewardHistory, error) {
	if w.Steps == nil || w.Rewards == nil || w.Episodes == nil {
		return RewardHistory{}, fmt.Errorf("%w: steps, rewards and episodes are required", errMissingField)
	}
	if len(w.Steps) != len(w.Rewards) || len(w.Steps) != len(w.Episodes) {
		return RewardHistory{}, fmt.Errorf("length mismatch: %d steps, %d rewards, %d episodes",
			len(w.Steps), len(w.Rewards), len(w.Episodes))
	}

	steps := make([]model.HistoryStep, len(w.Steps))
	for i := range w.Steps {
		if w.Steps[i] < 0 || w.Episodes[i] < 0 {
			return RewardHistory{}, fmt.Errorf("negative step or episode at index %d", i)
		}
		if i > 0 && w.Steps[i] < w.Steps[i-1] {
			return RewardHistory{}, fmt.Errorf("steps out of order at index %d", i)
		}
		steps[i] = model.HistoryStep{Step: w.Steps[i], Episode: w.Episodes[i], Reward: w.Rewards[i]}
	}
	return RewardHistory{Steps: keepNewest(steps, limit)}, nil
}

func (w componentBreakdownWire) normalize() (ComponentBreakdown, error) {
	if w.Components == nil || w.Values == nil {
		return ComponentBreakdown{}, fmt.Errorf("%w: components and values are required", errMissingField)
	}
	if len(w.Components) != len(w.Values) {
		return ComponentBreakdown{}, fmt.Errorf("length mismatch: %d components, %d values",
			len(w.Components), len(w.Values))
	}

	seen := make(map[string]struct{}, len(w.Components))
	comps := make([]model.ComponentValue, len(w.Components))
	for i, name := range w.Components {
		if _, dup := seen[name]; dup {
			return ComponentBreakdown{}, fmt.Errorf("duplicate component %q", name)
		}
		seen[name] = struct{}{}
		comps[i] = model.ComponentValue{Name: name, Value: w.Values[i]}
	}
	return ComponentBreakdown{Components: comps}, nil
}

func (w episodeHistoryWire) normalize(limit int) (EpisodeHistory, error) {
	if w.Episodes == nil || w.TotalRewards == nil {
		return EpisodeHistory{}, fmt.Errorf("%w: episodes and total_rewards are required", errMissingField)
	}
	if len(w.Episodes) != len(w.TotalRewards) {
		return EpisodeHistory{}, fmt.Errorf("length mismatch: %d episodes, %d total_rewards",
			len(w.Episodes), len(w.TotalRewards))
	}

	eps := make([]model.EpisodeTotal, len(w.Episodes))
	for i := range w.Episodes {
		if w.Episodes[i] < 0 {
			return EpisodeHistory{}, fmt.Errorf("negative episode at index %d", i)
		}
		eps[i] = model.EpisodeTotal{Episode: w.Episodes[i], TotalReward: w.TotalRewards[i]}
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Episode < eps[j].Episode })
	return EpisodeHistory{Episodes: keepNewest(eps, limit)}, nil
}

func (w alertFeedWire) normalize(limit int) (AlertFeed, error) {
	if w.Alerts == nil {
		return AlertFeed{}, fmt.Errorf("%w: alerts is required", errMissingField)
	}

	alerts := make([]model.Alert, 0, len(w.Alerts))
	for i, a := range w.Alerts {
		if a.Type == "" || a.Episode == nil || a.Severity == nil {
			return AlertFeed{}, fmt.Errorf("%w: alert %d needs type, episode and severity", errMissingField, i)
		}
		alert := model.Alert{
			Type:        a.Type,
			Description: a.Description,
			Episode:     *a.Episode,
			Severity:    *a.Severity,
			Level:       model.LevelForSeverity(*a.Severity),
		}
		if alert.Description == "" {
			alert.Description = DescribeFlag(a.Type)
		}
		alert.ID = alertID(alert)
		alerts = append(alerts, alert)
	}
	return AlertFeed{Alerts: keepNewest(alerts, limit)}, nil
}

// DescribeFlag turns a detector flag such as "component_dominance" into
// "Component Dominance".
func DescribeFlag(flag string) string {
	words := strings.Fields(strings.ReplaceAll(flag, "_", " "))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// alertID is stable for a given episode and type so refreshes keep ids.
func alertID(a model.Alert) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("rewardscope:alert:"+a.Key())).String()
}

func keepNewest[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

// errorFlag reports whether a decoded "error" member signals failure, and the
// server's message when it sent one. Absent, null, false, 0 and "" are not
// errors.
func errorFlag(raw json.RawMessage) (bool, string) {
	if len(raw) == 0 {
		return false, ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true, string(raw)
	}
	switch t := v.(type) {
	case nil:
		return false, ""
	case bool:
		return t, ""
	case float64:
		return t != 0, ""
	case string:
		return t != "", t
	default:
		return true, string(raw)
	}
}
