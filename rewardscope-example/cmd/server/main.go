// Package main runs the reference reward server: a SQLite-backed collector
// exposing the snapshot endpoints and the /ws/live push channel the
// rewardscope monitor consumes.
//
// Endpoints:
//   - GET  /api/reward-history?n=100
//   - GET  /api/component-breakdown?n=100
//   - GET  /api/episode-history?n=50
//   - GET  /api/alerts?n=50
//   - GET  /ws/live (websocket, step_update messages)
//   - POST /api/steps, POST /api/episodes (ingest, used by cmd/simulate)
//   - GET  /api/stats, /healthz, /metrics
//
// Usage:
//
//	go run ./rewardscope-example/cmd/server -db rewards.db -run demo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/config"
	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/api"
	"github.com/chosenoffset/rewardscope/rewardscope-example/internal/collector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

// setting resolves a setting: an explicit flag wins, then the environment
// (including the .env file), then def.
func setting(flagValue, envKey, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}

func run() error {
	envFile := flag.String("env-file", ".env", "optional .env file")
	addrFlag := flag.String("addr", "", "listen address (default :8050, env REWARDSCOPE_SERVER_ADDR)")
	dbFlag := flag.String("db", "", "SQLite database path (default rewardscope.db, env REWARDSCOPE_SERVER_DB)")
	runFlag := flag.String("run", "", "run name (default \"default\", env REWARDSCOPE_SERVER_RUN)")
	levelFlag := flag.String("log-level", "", "debug, info, warn or error (env REWARDSCOPE_LOG_LEVEL)")
	poll := flag.Duration("poll", 100*time.Millisecond, "live channel poll interval")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}
	addr := setting(*addrFlag, "REWARDSCOPE_SERVER_ADDR", ":8050")
	dbPath := setting(*dbFlag, "REWARDSCOPE_SERVER_DB", "rewardscope.db")
	runName := setting(*runFlag, "REWARDSCOPE_SERVER_RUN", "default")
	logLevel := setting(*levelFlag, "REWARDSCOPE_LOG_LEVEL", "info")

	level, err := config.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := collector.Open(ctx, dbPath, runName)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := api.New(store, api.Config{PollInterval: *poll}, logger)
	server := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server: listening", "addr", addr, "db", dbPath, "run", runName, "run_id", store.RunID())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
