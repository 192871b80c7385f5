package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPMetrics tracks request statistics for the snapshot endpoints served by
// the reference reward server.
type HTTPMetrics struct {
	requestCount      int64 // Total requests
	errorCount        int64 // Error responses (>= 400)
	totalResponseTime int64 // Sum of all response times (nanoseconds)
	maxResponseTime   int64 // Maximum response time (nanoseconds)
	pendingRequests   int64 // Currently processing requests
	startTime         time.Time

	// Response time samples, a ring of at most maxSamples entries
	responseTimes  []int64
	responseTimeMu sync.RWMutex
	bufferIndex    int64
	maxSamples     int

	routesMu sync.Mutex
	routes   map[string]int64
}

// NewHTTPMetrics creates a new HTTP metrics collector
func NewHTTPMetrics(maxSamples int) *HTTPMetrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}

	return &HTTPMetrics{
		responseTimes: make([]int64, 0, maxSamples),
		maxSamples:    maxSamples,
		startTime:     time.Now(),
		routes:        make(map[string]int64),
	}
}

// HTTPStats represents current HTTP performance statistics
type HTTPStats struct {
	RequestCount    int64            `json:"request_count"`
	ErrorCount      int64            `json:"error_count"`
	ErrorRate       float64          `json:"error_rate"`        // Percentage
	RequestRate     float64          `json:"request_rate"`      // Per second
	AvgResponseTime int64            `json:"avg_response_time"` // Nanoseconds
	MaxResponseTime int64            `json:"max_response_time"` // Nanoseconds
	PendingRequests int64            `json:"pending_requests"`
	Routes          map[string]int64 `json:"routes"`
	Timestamp       time.Time        `json:"timestamp"`
}

// statusRecorder captures the status code written by the wrapped handler.
// Hijack is forwarded so websocket upgrades still work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(data []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(data)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.written = true
	return h.Hijack()
}

// Middleware collects request metrics. Routes are keyed by the chi route
// pattern when one matched, so /api/episode-history?n=5 and ?n=50 share a key.
func (h *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		atomic.AddInt64(&h.pendingRequests, 1)
		defer atomic.AddInt64(&h.pendingRequests, -1)

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		durationNs := time.Since(startTime).Nanoseconds()
		atomic.AddInt64(&h.requestCount, 1)
		atomic.AddInt64(&h.totalResponseTime, durationNs)

		for {
			current := atomic.LoadInt64(&h.maxResponseTime)
			if durationNs <= current {
				break
			}
			if atomic.CompareAndSwapInt64(&h.maxResponseTime, current, durationNs) {
				break
			}
		}

		if wrapped.statusCode >= 400 {
			atomic.AddInt64(&h.errorCount, 1)
		}

		h.responseTimeMu.Lock()
		if len(h.responseTimes) < h.maxSamples {
			h.responseTimes = append(h.responseTimes, durationNs)
		} else {
			index := atomic.AddInt64(&h.bufferIndex, 1) % int64(h.maxSamples)
			h.responseTimes[index] = durationNs
		}
		h.responseTimeMu.Unlock()

		h.routesMu.Lock()
		h.routes[routeKey(r)]++
		h.routesMu.Unlock()
	})
}

func routeKey(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

// GetStats returns current HTTP performance statistics
func (h *HTTPMetrics) GetStats() HTTPStats {
	requestCount := atomic.LoadInt64(&h.requestCount)
	errorCount := atomic.LoadInt64(&h.errorCount)

	stats := HTTPStats{
		RequestCount:    requestCount,
		ErrorCount:      errorCount,
		MaxResponseTime: atomic.LoadInt64(&h.maxResponseTime),
		PendingRequests: atomic.LoadInt64(&h.pendingRequests),
		Routes:          make(map[string]int64),
		Timestamp:       time.Now(),
	}

	if requestCount > 0 {
		stats.ErrorRate = float64(errorCount) / float64(requestCount) * 100
		stats.AvgResponseTime = atomic.LoadInt64(&h.totalResponseTime) / requestCount
		if uptime := time.Since(h.startTime); uptime > 0 {
			stats.RequestRate = float64(requestCount) / uptime.Seconds()
		}
	}

	h.routesMu.Lock()
	for k, v := range h.routes {
		stats.Routes[k] = v
	}
	h.routesMu.Unlock()

	return stats
}

// Percentile returns the p-th percentile (0..100) of the sampled response
// times, or 0 when nothing has been sampled yet.
func (h *HTTPMetrics) Percentile(p float64) time.Duration {
	samples := h.GetResponseTimeSamples()
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	if p <= 0 {
		return time.Duration(samples[0])
	}
	if p >= 100 {
		return time.Duration(samples[len(samples)-1])
	}
	idx := int(p / 100 * float64(len(samples)-1))
	return time.Duration(samples[idx])
}

// GetResponseTimeSamples returns recent response time samples (thread-safe copy)
func (h *HTTPMetrics) GetResponseTimeSamples() []int64 {
	h.responseTimeMu.RLock()
	defer h.responseTimeMu.RUnlock()

	samples := make([]int64, len(h.responseTimes))
	copy(samples, h.responseTimes)
	return samples
}

// Reset clears all metrics (useful for testing)
func (h *HTTPMetrics) Reset() {
	atomic.StoreInt64(&h.requestCount, 0)
	atomic.StoreInt64(&h.errorCount, 0)
	atomic.StoreInt64(&h.totalResponseTime, 0)
	atomic.StoreInt64(&h.maxResponseTime, 0)
	atomic.StoreInt64(&h.pendingRequests, 0)
	atomic.StoreInt64(&h.bufferIndex, 0)
	h.startTime = time.Now()

	h.responseTimeMu.Lock()
	h.responseTimes = h.responseTimes[:0]
	h.responseTimeMu.Unlock()

	h.routesMu.Lock()
	h.routes = make(map[string]int64)
	h.routesMu.Unlock()
}
