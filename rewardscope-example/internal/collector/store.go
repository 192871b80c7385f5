// Package collector stores the training data served by the reference reward
// server: one row per environment step and one row per finished episode.
//
// The store keeps everything in SQLite so a server restart over the same file
// keeps the history, and so the simulator and the server can run as separate
// processes against one database. Every query returns rows oldest first.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/snapshot"
)

// ErrNoData is returned by LatestStep when nothing has been recorded.
var ErrNoData = errors.New("collector: no data")

// Step is one recorded environment step.
type Step struct {
	Step       int64              `json:"step"`
	Episode    int64              `json:"episode"`
	Reward     float64            `json:"reward"`
	Components map[string]float64 `json:"components"`
}

// Episode summarizes a finished episode.
type Episode struct {
	Episode      int64    `json:"episode"`
	TotalReward  float64  `json:"total_reward"`
	Length       int64    `json:"length"`
	HackingScore float64  `json:"hacking_score"`
	HackingFlags []string `json:"hacking_flags"`
}

// Component is one slice of the component breakdown.
type Component struct {
	Name  string
	Value float64
}

// Alert is a hacking flag raised on a recent episode.
type Alert struct {
	Episode     int64   `json:"episode"`
	Type        string  `json:"type"`
	Severity    float64 `json:"severity"`
	Description string  `json:"description"`
}

// AlertEpisodeWindow is how many of the newest episodes Alerts looks at.
const AlertEpisodeWindow = 10

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id     TEXT    NOT NULL,
	step       INTEGER NOT NULL,
	episode    INTEGER NOT NULL,
	reward     REAL    NOT NULL,
	components TEXT    NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, step)
);
CREATE TABLE IF NOT EXISTS episodes (
	run_id        TEXT    NOT NULL,
	episode       INTEGER NOT NULL,
	total_reward  REAL    NOT NULL,
	length        INTEGER NOT NULL,
	hacking_score REAL    NOT NULL DEFAULT 0,
	hacking_flags TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (run_id, episode)
);`

// Store is a SQLite-backed collector scoped to one run. It is safe for
// concurrent use.
type Store struct {
	db    *sql.DB
	runID string
	name  string
}

// Open opens (or creates) the database at path and starts a new run called
// name. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path, name string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("collector: open database: %w", err)
	}
	// One connection: an in-memory database is private to its connection,
	// and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("collector: set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("collector: create schema: %w", err)
	}

	s := &Store{db: db, runID: uuid.NewString(), name: name}
	if _, err := db.ExecContext(ctx, `INSERT INTO runs (id, name, started_at) VALUES (?, ?, ?)`,
		s.runID, name, time.Now().Unix()); err != nil {
		db.Close()
		return nil, fmt.Errorf("collector: register run: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunID identifies the run this store writes to.
func (s *Store) RunID() string { return s.runID }

// RunName is the human name of the run.
func (s *Store) RunName() string { return s.name }

// RecordStep stores one step. Steps must be non-negative and unique within the
// run.
func (s *Store) RecordStep(ctx context.Context, st Step) error {
	if st.Step < 0 || st.Episode < 0 {
		return fmt.Errorf("collector: negative step or episode")
	}
	if math.IsNaN(st.Reward) || math.IsInf(st.Reward, 0) {
		return fmt.Errorf("collector: reward must be finite")
	}
	comps := st.Components
	if comps == nil {
		comps = map[string]float64{}
	}
	raw, err := json.Marshal(comps)
	if err != nil {
		return fmt.Errorf("collector: encode components: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, step, episode, reward, components) VALUES (?, ?, ?, ?, ?)`,
		s.runID, st.Step, st.Episode, st.Reward, string(raw))
	if err != nil {
		return fmt.Errorf("collector: record step %d: %w", st.Step, err)
	}
	return nil
}

// RecordEpisode stores or overwrites an episode summary.
func (s *Store) RecordEpisode(ctx context.Context, ep Episode) error {
	if ep.Episode < 0 || ep.Length < 0 {
		return fmt.Errorf("collector: negative episode or length")
	}
	flags := ep.HackingFlags
	if flags == nil {
		flags = []string{}
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("collector: encode flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (run_id, episode, total_reward, length, hacking_score, hacking_flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, episode) DO UPDATE SET
			total_reward = excluded.total_reward,
			length = excluded.length,
			hacking_score = excluded.hacking_score,
			hacking_flags = excluded.hacking_flags`,
		s.runID, ep.Episode, ep.TotalReward, ep.Length, ep.HackingScore, string(raw))
	if err != nil {
		return fmt.Errorf("collector: record episode %d: %w", ep.Episode, err)
	}
	return nil
}

// RecentSteps returns the newest n steps, oldest first.
func (s *Store) RecentSteps(ctx context.Context, n int) ([]Step, error) {
	if n <= 0 {
		return []Step{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, episode, reward, components FROM (
			SELECT step, episode, reward, components FROM steps
			WHERE run_id = ? ORDER BY step DESC LIMIT ?
		) ORDER BY step ASC`, s.runID, n)
	if err != nil {
		return nil, fmt.Errorf("collector: query steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var st Step
		var raw string
		if err := rows.Scan(&st.Step, &st.Episode, &st.Reward, &raw); err != nil {
			return nil, fmt.Errorf("collector: scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &st.Components); err != nil {
			return nil, fmt.Errorf("collector: decode components of step %d: %w", st.Step, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// LatestStep returns the newest step or ErrNoData.
func (s *Store) LatestStep(ctx context.Context) (Step, error) {
	steps, err := s.RecentSteps(ctx, 1)
	if err != nil {
		return Step{}, err
	}
	if len(steps) == 0 {
		return Step{}, ErrNoData
	}
	return steps[0], nil
}

// EpisodeHistory returns the newest n episodes, oldest first.
func (s *Store) EpisodeHistory(ctx context.Context, n int) ([]Episode, error) {
	if n <= 0 {
		return []Episode{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode, total_reward, length, hacking_score, hacking_flags FROM (
			SELECT episode, total_reward, length, hacking_score, hacking_flags FROM episodes
			WHERE run_id = ? ORDER BY episode DESC LIMIT ?
		) ORDER BY episode ASC`, s.runID, n)
	if err != nil {
		return nil, fmt.Errorf("collector: query episodes: %w", err)
	}
	defer rows.Close()

	episodes := []Episode{}
	for rows.Next() {
		var ep Episode
		var raw string
		if err := rows.Scan(&ep.Episode, &ep.TotalReward, &ep.Length, &ep.HackingScore, &raw); err != nil {
			return nil, fmt.Errorf("collector: scan episode: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ep.HackingFlags); err != nil {
			return nil, fmt.Errorf("collector: decode flags of episode %d: %w", ep.Episode, err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// ComponentBreakdown sums the absolute value of each component over the newest
// n steps. Components are listed in the order they were first seen.
func (s *Store) ComponentBreakdown(ctx context.Context, n int) ([]Component, error) {
	steps, err := s.RecentSteps(ctx, n)
	if err != nil {
		return nil, err
	}

	index := map[string]int{}
	out := []Component{}
	for _, st := range steps {
		for _, name := range sortedKeys(st.Components) {
			i, ok := index[name]
			if !ok {
				i = len(out)
				index[name] = i
				out = append(out, Component{Name: name})
			}
			out[i].Value += math.Abs(st.Components[name])
		}
	}
	return out, nil
}

// Alerts lists every hacking flag of the newest AlertEpisodeWindow episodes,
// at most n of them, newest last. The severity of a flag is its episode's
// hacking score.
func (s *Store) Alerts(ctx context.Context, n int) ([]Alert, error) {
	episodes, err := s.EpisodeHistory(ctx, AlertEpisodeWindow)
	if err != nil {
		return nil, err
	}
	alerts := []Alert{}
	for _, ep := range episodes {
		for _, flag := range ep.HackingFlags {
			alerts = append(alerts, Alert{
				Episode:     ep.Episode,
				Type:        flag,
				Severity:    ep.HackingScore,
				Description: snapshot.DescribeFlag(flag),
			})
		}
	}
	if n > 0 && len(alerts) > n {
		alerts = alerts[len(alerts)-n:]
	}
	return alerts, nil
}

// Counts returns the number of steps and episodes recorded for the run.
func (s *Store) Counts(ctx context.Context) (steps, episodes int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM steps WHERE run_id = ?),
			(SELECT COUNT(*) FROM episodes WHERE run_id = ?)`,
		s.runID, s.runID).Scan(&steps, &episodes)
	if err != nil {
		return 0, 0, fmt.Errorf("collector: count: %w", err)
	}
	return steps, episodes, nil
}

// sortedKeys gives a deterministic first-seen order within a single step,
// whose components arrive as an unordered JSON object.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
