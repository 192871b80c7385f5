// Package rewardscope keeps a live view of a reinforcement-learning reward
// tracker: a rolling reward timeline, the component breakdown, per-episode
// totals and reward-hacking alerts.
//
// Two paths feed the view. The push path listens on the server's /ws/live
// channel and appends each step_update to the reward timeline. The pull path
// re-fetches the snapshot endpoints at startup and on a fixed interval and
// replaces the breakdown, episode and alert buffers wholesale. Every buffer
// has exactly one writer, and every mutation is handed to a sink.Sink as an
// immutable view.
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.BaseURL = "http://localhost:8050"
//
//	hub := dashboard.NewHub()
//	monitor, err := rewardscope.New(cfg, hub)
//	if err != nil {
//		log.Fatal(err)
//	}
//	monitor.Start(ctx)
//	defer monitor.Stop()
//
// # Architecture
//
//   - series: bounded single-writer buffers that publish immutable views
//   - snapshot: bounded pull requests and the transport/decode/application error taxonomy
//   - feed: the push channel listener, with optional reconnect and backoff
//   - reconcile: the refresh scheduler with a per-endpoint in-flight guard
//   - connstate: the connection indicator
//   - alerts: dispatch of newly seen alerts to handlers
//   - dashboard: a sink that serves the state to browsers over websocket
//
// # Startup ordering
//
// The push channel connects immediately so the indicator is live, but no
// message is applied until the reward-history seed has been installed or has
// failed. Updates whose step is not newer than the last applied one are
// dropped, so the timeline's step order is non-decreasing.
package rewardscope
