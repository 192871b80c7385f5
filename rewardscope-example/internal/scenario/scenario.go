// Package scenario generates synthetic training episodes for the simulator.
package scenario

import (
	"math"
	"math/rand"

	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/collector"
)

// Flags raised by Summarize.
const (
	FlagComponentDominance = "component_dominance"
	FlagRewardSpike        = "reward_spike"
)

// Scenario produces the steps of one episode.
type Scenario interface {
	Name() string
	// Episode returns the steps of episode ep, numbered from firstStep.
	Episode(rng *rand.Rand, ep, firstStep int64) []collector.Step
}

// Steady is a well-behaved agent: three components of similar weight.
type Steady struct {
	Length int
}

func (Steady) Name() string { return "steady" }

func (s Steady) Episode(rng *rand.Rand, ep, firstStep int64) []collector.Step {
	n := s.Length
	if n <= 0 {
		n = 50
	}
	steps := make([]collector.Step, n)
	for i := range steps {
		comps := map[string]float64{
			"progress": 0.4 + rng.Float64()*0.2,
			"speed":    0.3 + rng.Float64()*0.2,
			"safety":   -(0.1 + rng.Float64()*0.1),
		}
		steps[i] = collector.Step{
			Step:       firstStep + int64(i),
			Episode:    ep,
			Reward:     sum(comps),
			Components: comps,
		}
	}
	return steps
}

// Hacking is an agent that has found an exploit: one component dwarfs the
// rest and the reward spikes late in the episode.
type Hacking struct {
	Length int
	// Exploit is the component the agent games. Default "speed".
	Exploit string
}

func (Hacking) Name() string { return "hacking" }

func (h Hacking) Episode(rng *rand.Rand, ep, firstStep int64) []collector.Step {
	n := h.Length
	if n <= 0 {
		n = 50
	}
	exploit := h.Exploit
	if exploit == "" {
		exploit = "speed"
	}
	steps := make([]collector.Step, n)
	for i := range steps {
		comps := map[string]float64{
			"progress": 0.05 * rng.Float64(),
			"safety":   -0.05 * rng.Float64(),
		}
		comps[exploit] = 1 + rng.Float64()
		if i > n*3/4 {
			comps[exploit] *= 10
		}
		steps[i] = collector.Step{
			Step:       firstStep + int64(i),
			Episode:    ep,
			Reward:     sum(comps),
			Components: comps,
		}
	}
	return steps
}

// Summarize builds the episode row for steps. The hacking score is the share
// of absolute component mass held by the largest component, so 1 means a
// single component produced all of the reward.
func Summarize(ep int64, steps []collector.Step) collector.Episode {
	out := collector.Episode{Episode: ep, Length: int64(len(steps)), HackingFlags: []string{}}
	if len(steps) == 0 {
		return out
	}

	mass := map[string]float64{}
	var total, maxReward float64
	for _, st := range steps {
		out.TotalReward += st.Reward
		maxReward = math.Max(maxReward, st.Reward)
		for name, v := range st.Components {
			mass[name] += math.Abs(v)
			total += math.Abs(v)
		}
	}
	if total > 0 {
		var largest float64
		for _, m := range mass {
			largest = math.Max(largest, m)
		}
		out.HackingScore = largest / total
	}

	if out.HackingScore > 0.7 {
		out.HackingFlags = append(out.HackingFlags, FlagComponentDominance)
	}
	mean := out.TotalReward / float64(len(steps))
	if mean > 0 && maxReward > 3*mean {
		out.HackingFlags = append(out.HackingFlags, FlagRewardSpike)
	}
	return out
}

// ByName returns the built-in scenario called name.
func ByName(name string, length int) (Scenario, bool) {
	switch name {
	case "steady":
		return Steady{Length: length}, true
	case "hacking":
		return Hacking{Length: length}, true
	}
	return nil, false
}

func sum(m map[string]float64) float64 {
	var s float64
	for _, v := range m {
		s += v
	}
	return s
}
