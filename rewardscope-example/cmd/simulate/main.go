// Package main feeds synthetic training data into the reference reward server.
//
// Each episode is generated by a scenario, posted step by step to
// /api/steps at the chosen rate, then summarized and posted to /api/episodes.
// By default most episodes are steady and every fifth one is a reward-hacking
// episode, so the dashboard has alerts to show.
//
// Usage:
//
//	go run ./rewardscope-example/cmd/simulate -url http://localhost:8050
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/collector"
	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/scenario"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8050", "reward server base URL")
	episodes := flag.Int("episodes", 0, "episodes to run, 0 for unlimited")
	length := flag.Int("length", 50, "steps per episode")
	rate := flag.Duration("interval", 50*time.Millisecond, "delay between steps")
	mode := flag.String("scenario", "mixed", "steady, hacking or mixed")
	hackEvery := flag.Int("hack-every", 5, "in mixed mode, every n-th episode is a hacking one")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: *baseURL,
		rng:     rand.New(rand.NewSource(*seed)),
		logger:  logger,
	}

	pick, err := chooser(*mode, *length, *hackEvery)
	if err != nil {
		fmt.Fprintln(os.Stderr, "simulate:", err)
		os.Exit(2)
	}

	var step int64
	for ep := int64(0); *episodes == 0 || ep < int64(*episodes); ep++ {
		sc := pick(ep)
		logger.Info("simulate: episode", "episode", ep, "scenario", sc.Name())
		next, err := sim.runEpisode(ctx, sc, ep, step, *rate)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("simulate: episode failed", "episode", ep, "error", err)
			os.Exit(1)
		}
		step = next
	}
}

func chooser(mode string, length, hackEvery int) (func(ep int64) scenario.Scenario, error) {
	if mode == "mixed" {
		steady, _ := scenario.ByName("steady", length)
		hacking, _ := scenario.ByName("hacking", length)
		return func(ep int64) scenario.Scenario {
			if hackEvery > 0 && (ep+1)%int64(hackEvery) == 0 {
				return hacking
			}
			return steady
		}, nil
	}
	sc, ok := scenario.ByName(mode, length)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", mode)
	}
	return func(int64) scenario.Scenario { return sc }, nil
}

type simulator struct {
	client  *http.Client
	baseURL string
	rng     *rand.Rand
	logger  *slog.Logger
}

// runEpisode posts one episode and returns the next free step number.
func (s *simulator) runEpisode(ctx context.Context, sc scenario.Scenario, ep, firstStep int64, rate time.Duration) (int64, error) {
	steps := sc.Episode(s.rng, ep, firstStep)
	for _, st := range steps {
		if err := s.post(ctx, "/api/steps", []collector.Step{st}); err != nil {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(rate):
		}
	}

	summary := scenario.Summarize(ep, steps)
	if len(summary.HackingFlags) > 0 {
		s.logger.Info("simulate: flagged episode", "episode", ep, "flags", summary.HackingFlags, "score", summary.HackingScore)
	}
	if err := s.post(ctx, "/api/episodes", []collector.Episode{summary}); err != nil {
		return 0, err
	}
	return firstStep + int64(len(steps)), nil
}

func (s *simulator) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
