// Command rewardscope watches a reward server and serves the live view to
// browsers.
//
// It seeds the reward timeline from the server's snapshot endpoints, follows
// the /ws/live push channel, re-polls the breakdown, episode and alert
// snapshots every refresh interval, and rebroadcasts every change on the
// dashboard hub (ws://<dashboard.addr>/ws, /api/state, /metrics).
//
// Usage:
//
//	rewardscope -config rewardscope.yaml
//	REWARDSCOPE_BASE_URL=http://trainer:8050 rewardscope
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/alerts"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/config"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/dashboard"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
	"github.com/chosenoffset/rewardscope/pkg/rewardscope/sink"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "rewardscope:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rewardscope", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	envFile := fs.String("env-file", ".env", "optional .env file")
	baseURL := fs.String("base-url", "", "reward server base URL (overrides config)")
	dashAddr := fs.String("dashboard-addr", "", "dashboard listen address (overrides config)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	noDashboard := fs.Bool("no-dashboard", false, "do not serve the dashboard hub")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *dashAddr != "" {
		cfg.Dashboard.Addr = *dashAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *noDashboard {
		cfg.Dashboard.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	sinks := []sink.Sink{sink.Log{Logger: logger}}
	var hub *dashboard.Hub
	if cfg.Dashboard.Enabled {
		hub = dashboard.NewHub(
			dashboard.WithLogger(logger),
			dashboard.WithMaxClients(cfg.Dashboard.MaxClients),
			dashboard.WithGatherer(registry),
		)
		sinks = append(sinks, hub)
	}

	monitor, err := rewardscope.New(cfg, sink.NewMulti(sinks...),
		rewardscope.WithLogger(logger), rewardscope.WithRegistry(registry))
	if err != nil {
		return err
	}

	minLevel, err := cfg.AlertMinLevel()
	if err != nil {
		return err
	}
	monitor.Alerts().RegisterHandler(model.AlertInfo, alerts.NewLogHandler(logger))
	if cfg.Alerts.Console {
		monitor.Alerts().RegisterHandler(minLevel, &alerts.ConsoleHandler{Out: stdout})
	}

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	hubErr := make(chan error, 1)
	if hub != nil {
		go func() { hubErr <- hub.Start(cfg.Dashboard.Addr) }()
		fmt.Fprintf(stdout, "Dashboard hub at http://localhost%s (ws /ws, GET /api/state)\n", cfg.Dashboard.Addr)
	}
	fmt.Fprintf(stdout, "Watching %s\n", cfg.BaseURL)

	select {
	case <-ctx.Done():
	case err := <-hubErr:
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	}

	logger.Info("rewardscope: shutting down")
	if hub != nil {
		if err := hub.Stop(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("rewardscope: dashboard shutdown", "error", err)
		}
	}
	return nil
}
