// Package metrics exposes gateway-internal state as Prometheus
// metrics, kept structurally identical to the teacher's own
// collector: a private *prometheus.Registry, a handful of
// GaugeVec/Counter fields, and a ticker loop that snapshots live state
// into them on Start.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateSource is polled on each collection tick for gauges that mirror
// live gateway state rather than accumulating as counters.
type StateSource interface {
	SessionCount() int
	CaptureInFlight() bool
	AmLeader() bool
	StorageQueueDepth() int
}

// Collector manages metric registration and exposure for the gateway.
type Collector struct {
	source   StateSource
	registry *prometheus.Registry

	mu           sync.Mutex
	lastSnapshot time.Time

	sessionsActive     prometheus.Gauge
	captureInFlight    prometheus.Gauge
	leaderStatus       prometheus.Gauge
	storageQueueDepth  prometheus.Gauge
	capturesTotal      *prometheus.CounterVec
	captureDuration    prometheus.Histogram
	authAttemptsTotal  *prometheus.CounterVec
}

func NewCollector(source StateSource) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		source:   source,
		registry: reg,
	}

	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtsp_tunnel_sessions_active",
		Help: "Number of live device WebSocket sessions on this replica.",
	})
	reg.MustRegister(c.sessionsActive)

	c.captureInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtsp_tunnel_capture_in_flight",
		Help: "1 if this replica currently holds the capture slot, else 0.",
	})
	reg.MustRegister(c.captureInFlight)

	c.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtsp_tunnel_leader_status",
		Help: "1 if this replica is the elected leader, else 0.",
	})
	reg.MustRegister(c.leaderStatus)

	c.storageQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtsp_tunnel_storage_queue_depth",
		Help: "Number of captured snapshots waiting on the storage worker.",
	})
	reg.MustRegister(c.storageQueueDepth)

	c.capturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsp_tunnel_captures_total",
		Help: "Total capture attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(c.capturesTotal)

	c.captureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtsp_tunnel_capture_duration_seconds",
		Help:    "Wall-clock duration of a capture attempt, success or failure.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(c.captureDuration)

	c.authAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsp_tunnel_auth_attempts_total",
		Help: "Total AUTH attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(c.authAttemptsTotal)

	return c
}

// Start snapshots live StateSource values into the gauges every
// second until ctx is canceled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetSource rebinds the collector to a new StateSource, needed because
// the gateway that implements StateSource isn't constructed until
// after the collector it reports through.
func (c *Collector) SetSource(source StateSource) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

func (c *Collector) collect() {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()
	if source == nil {
		return
	}

	c.sessionsActive.Set(float64(source.SessionCount()))
	c.storageQueueDepth.Set(float64(source.StorageQueueDepth()))

	if source.CaptureInFlight() {
		c.captureInFlight.Set(1)
	} else {
		c.captureInFlight.Set(0)
	}

	if source.AmLeader() {
		c.leaderStatus.Set(1)
	} else {
		c.leaderStatus.Set(0)
	}

	c.mu.Lock()
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
}

// RecordCapture records one completed capture attempt's outcome and
// duration.
func (c *Collector) RecordCapture(outcome string, duration time.Duration) {
	c.capturesTotal.WithLabelValues(outcome).Inc()
	c.captureDuration.Observe(duration.Seconds())
}

// RecordAuthAttempt records one AUTH attempt's outcome.
func (c *Collector) RecordAuthAttempt(outcome string) {
	c.authAttemptsTotal.WithLabelValues(outcome).Inc()
}
