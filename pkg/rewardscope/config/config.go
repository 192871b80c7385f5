// Package config loads the monitor configuration from a YAML file, an
// optional .env file and REWARDSCOPE_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REWARDSCOPE_"

// Config holds the full monitor configuration.
type Config struct {
	BaseURL         string          `yaml:"base_url"`
	FeedPath        string          `yaml:"feed_path"`
	RefreshInterval time.Duration   `yaml:"refresh_interval"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	Limits          Limits          `yaml:"limits"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	Dashboard       DashboardConfig `yaml:"dashboard"`
	Alerts          AlertsConfig    `yaml:"alerts"`
	Log             LogConfig       `yaml:"log"`
}

// Limits are the size bounds sent as n on each endpoint. Timeline is also
// the reward timeline buffer capacity.
type Limits struct {
	Timeline  int `yaml:"timeline"`
	Breakdown int `yaml:"breakdown"`
	Episodes  int `yaml:"episodes"`
	Alerts    int `yaml:"alerts"`
}

// ReconnectConfig configures the push channel reconnect policy.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// PingInterval is the keepalive period; a connection silent for two
	// periods is treated as dead.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DashboardConfig configures the browser-facing hub.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	MaxClients int    `yaml:"max_clients"`
}

// AlertsConfig configures alert dispatch.
type AlertsConfig struct {
	Console  bool   `yaml:"console"`
	MinLevel string `yaml:"min_level"` // info | warning | critical
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		BaseURL:         "http://localhost:8050",
		FeedPath:        "/ws/live",
		RefreshInterval: 5 * time.Second,
		RequestTimeout:  10 * time.Second,
		Limits: Limits{
			Timeline:  100,
			Breakdown: 100,
			Episodes:  50,
			Alerts:    50,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			BaseBackoff:  time.Second,
			MaxBackoff:   30 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Enabled:    true,
			Addr:       ":8060",
			MaxClients: 100,
		},
		Alerts: AlertsConfig{
			Console:  true,
			MinLevel: "warning",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns Default merged with the YAML file at path, if path is not
// empty, then with the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from REWARDSCOPE_* variables read with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		return v, v != ""
	}

	if v, ok := get("BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := get("FEED_PATH"); ok {
		c.FeedPath = v
	}
	if v, ok := get("DASHBOARD_ADDR"); ok {
		c.Dashboard.Addr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REFRESH_INTERVAL", &c.RefreshInterval},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		if v, ok := get(d.key); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
			}
			*d.dst = parsed
		}
	}

	if v, ok := get("RECONNECT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRECONNECT: %w", EnvPrefix, err)
		}
		c.Reconnect.Enabled = b
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q must be http or https", c.BaseURL)
	}
	if !strings.HasPrefix(c.FeedPath, "/") {
		return fmt.Errorf("feed_path %q must start with /", c.FeedPath)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if c.Limits.Timeline <= 0 || c.Limits.Breakdown <= 0 || c.Limits.Episodes <= 0 || c.Limits.Alerts <= 0 {
		return fmt.Errorf("limits must be > 0")
	}
	if c.Reconnect.Enabled && (c.Reconnect.BaseBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.BaseBackoff) {
		return fmt.Errorf("reconnect: need 0 < base_backoff <= max_backoff")
	}
	if c.Reconnect.PingInterval <= 0 {
		return fmt.Errorf("reconnect.ping_interval must be > 0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}
	if _, err := c.AlertMinLevel(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: use text or json", c.Log.Format)
	}
	return nil
}

// FeedURL derives the push channel URL: ws for http, wss for https.
func (c *Config) FeedURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base_url %q must be http or https", c.BaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.FeedPath
	u.RawQuery = ""
	return u.String(), nil
}

// AlertMinLevel parses alerts.min_level.
func (c *Config) AlertMinLevel() (model.AlertLevel, error) {
	switch strings.ToLower(c.Alerts.MinLevel) {
	case "", "info":
		return model.AlertInfo, nil
	case "warning", "warn":
		return model.AlertWarning, nil
	case "critical":
		return model.AlertCritical, nil
	}
	return 0, fmt.Errorf("alerts.min_level %q: use info, warning or critical", c.Alerts.MinLevel)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log level %q: use debug, info, warn or error", s)
}

// NewLogger builds the slog logger described by c.Log, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
