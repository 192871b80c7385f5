// Package snapshot performs bounded pull requests against the reward server's
// snapshot endpoints and normalizes the responses into typed records.
//
// Every failure is a *FetchError classified as transport, decode or
// application. The fetcher never retries; callers decide what a failure means.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chosenoffset/rewardscope/pkg/rewardscope/metrics"
)

// Config configures a Fetcher.
type Config struct {
	// BaseURL is the reward server root, e.g. http://localhost:8050.
	BaseURL string
	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration
	// MaxBytes bounds each response body. Default: 4MB.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "rewardscope/1.0"
	}
}

// Fetcher issues snapshot requests. It is safe for concurrent use.
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	config  Config
	logger  *slog.Logger
	metrics *metrics.Sync
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client. The client's own timeout is
// left alone.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMetrics records fetch outcomes on m.
func WithMetrics(m *metrics.Sync) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	cfg.defaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("snapshot: base url %q must be http or https", cfg.BaseURL)
	}

	f := &Fetcher{
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Fetch requests ep with size bound limit and returns the normalized record.
// A limit of zero or less uses the endpoint default.
func (f *Fetcher) Fetch(ctx context.Context, ep Endpoint, limit int) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	switch ep {
	case EndpointRewardHistory:
		snap, err = f.RewardHistory(ctx, limit)
	case EndpointComponentBreakdown:
		snap, err = f.ComponentBreakdown(ctx, limit)
	case EndpointEpisodeHistory:
		snap, err = f.EpisodeHistory(ctx, limit)
	case EndpointAlerts:
		snap, err = f.Alerts(ctx, limit)
	default:
		return nil, fmt.Errorf("snapshot: unknown endpoint %q", ep)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RewardHistory fetches the newest limit steps.
func (f *Fetcher) RewardHistory(ctx context.Context, limit int) (RewardHistory, error) {
	return fetchAs(ctx, f, EndpointRewardHistory, limit, rewardHistoryWire.normalize)
}

// ComponentBreakdown fetches component totals aggregated over the newest
// limit steps.
func (f *Fetcher) ComponentBreakdown(ctx context.Context, limit int) (ComponentBreakdown, error) {
	return fetchAs(ctx, f, EndpointComponentBreakdown, limit, func(w componentBreakdownWire, _ int) (ComponentBreakdown, error) {
		return w.normalize()
	})
}

// EpisodeHistory fetches the newest limit episodes.
func (f *Fetcher) EpisodeHistory(ctx context.Context, limit int) (EpisodeHistory, error) {
	return fetchAs(ctx, f, EndpointEpisodeHistory, limit, episodeHistoryWire.normalize)
}

// Alerts fetches at most limit alerts.
func (f *Fetcher) Alerts(ctx context.Context, limit int) (AlertFeed, error) {
	return fetchAs(ctx, f, EndpointAlerts, limit, alertFeedWire.normalize)
}

// fetchAs requests ep, decodes the body as W and normalizes it into R,
// recording one outcome on the metrics.
func fetchAs[W, R any](ctx context.Context, f *Fetcher, ep Endpoint, limit int, normalize func(W, int) (R, error)) (R, error) {
	start := time.Now()
	limit = effectiveLimit(ep, limit)

	var (
		wire W
		rec  R
	)
	err := f.get(ctx, ep, limit, &wire)
	if err == nil {
		rec, err = normalize(wire, limit)
		if err != nil {
			err = decodeErr(ep, err)
		}
	}
	f.metrics.Fetch(string(ep), resultLabel(err), time.Since(start))
	if err != nil {
		var zero R
		return zero, err
	}
	return rec, nil
}

func effectiveLimit(ep Endpoint, limit int) int {
	if limit <= 0 {
		return ep.DefaultLimit()
	}
	return limit
}

// URL returns the request URL for ep with size bound limit.
func (f *Fetcher) URL(ep Endpoint, limit int) string {
	u := *f.base
	u.Path = strings.TrimRight(u.Path, "/") + ep.Path()
	q := url.Values{}
	q.Set("n", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String()
}

// get performs the request and decodes the body into dst.
func (f *Fetcher) get(ctx context.Context, ep Endpoint, limit int, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(ep, limit), nil)
	if err != nil {
		return transportErr(ep, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return transportErr(ep, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return transportErr(ep, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.config.MaxBytes {
		return decodeErr(ep, fmt.Errorf("body exceeds %d bytes", f.config.MaxBytes))
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return transportErr(ep, fmt.Errorf("http %d", resp.StatusCode))
		}
		return decodeErr(ep, fmt.Errorf("unmarshal: %w", err))
	}
	if failed, msg := errorFlag(envelope.Error); failed {
		if msg == "" {
			msg = "server reported an error"
		}
		return applicationErr(ep, fmt.Errorf("%s (http %d)", msg, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return transportErr(ep, fmt.Errorf("http %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return decodeErr(ep, fmt.Errorf("unmarshal: %w", err))
	}
	f.logger.Debug("snapshot: fetched", "endpoint", ep, "limit", limit, "bytes", len(body))
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return metrics.FetchOK
	}
	if fe, ok := err.(*FetchError); ok {
		switch fe.Kind {
		case KindDecode:
			return metrics.FetchDecode
		case KindApplication:
			return metrics.FetchApplication
		}
	}
	return metrics.FetchTransport
}
