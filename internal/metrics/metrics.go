package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the service.
//
// Every Record* method is safe on a nil *Metrics so packages can take an optional
// metrics dependency without nil checks.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Call lifecycle
	CallTransitions   *prometheus.CounterVec
	CallConflicts     *prometheus.CounterVec
	CallsInFlight     *prometheus.CounterVec
	ProvisionFailures prometheus.Counter
	QueuePromotions   prometheus.Counter

	// Billing
	Settlements   *prometheus.CounterVec
	BilledMinutes prometheus.Histogram
	LedgerPosts   *prometheus.CounterVec

	// Notification bus
	BusDropped  prometheus.Counter
	Subscribers prometheus.Gauge
	RelayErrors prometheus.Counter

	// Watchdog
	WatchdogActions *prometheus.CounterVec
	WatchdogRuns    prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry, so tests can build
// as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		CallTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "call_transitions_total",
				Help: "Committed call state transitions",
			},
			[]string{"from", "to"},
		),
		CallConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "call_conflicts_total",
				Help: "Conditional updates that lost a race",
			},
			[]string{"op"},
		),
		CallsInFlight: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "call_actions_in_flight_total",
				Help: "Duplicate actions suppressed by the actor lock",
			},
			[]string{"class"},
		),
		ProvisionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "call_provision_failures_total",
			Help: "Media credential issuance failures",
		}),
		QueuePromotions: f.NewCounter(prometheus.CounterOpts{
			Name: "call_queue_promotions_total",
			Help: "Queued calls promoted to pending",
		}),

		Settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_settlements_total",
				Help: "Settlement attempts by result",
			},
			[]string{"result"}, // settled, already_settled, invalid_state, error
		),
		BilledMinutes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_billed_minutes",
			Help:    "Billed minutes per settled call",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 30, 60, 120},
		}),
		LedgerPosts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_posts_total",
				Help: "Wallet ledger posting outcomes",
			},
			[]string{"status"}, // posted, insufficient_funds, failed
		),

		BusDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "notify_dropped_total",
			Help: "Snapshots discarded because a subscriber buffer was full",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "notify_subscribers",
			Help: "Open notification subscriptions",
		}),
		RelayErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "notify_relay_errors_total",
			Help: "Redis relay publish or decode failures",
		}),

		WatchdogActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_actions_total",
				Help: "Records acted on by the watchdog sweep",
			},
			[]string{"action"},
		),
		WatchdogRuns: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchdog_run_duration_seconds",
			Help:    "Duration of one watchdog sweep",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath() // route pattern, not the raw URL
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.CallTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordConflict(op string) {
	if m == nil {
		return
	}
	m.CallConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordInFlight(class string) {
	if m == nil {
		return
	}
	m.CallsInFlight.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordProvisionFailure() {
	if m == nil {
		return
	}
	m.ProvisionFailures.Inc()
}

func (m *Metrics) RecordPromotion() {
	if m == nil {
		return
	}
	m.QueuePromotions.Inc()
}

func (m *Metrics) RecordSettlement(result string, minutes int64) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(result).Inc()
	if result == "settled" {
		m.BilledMinutes.Observe(float64(minutes))
	}
}

func (m *Metrics) RecordLedgerPost(status string) {
	if m == nil {
		return
	}
	m.LedgerPosts.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.BusDropped.Inc()
}

func (m *Metrics) AddSubscribers(delta float64) {
	if m == nil {
		return
	}
	m.Subscribers.Add(delta)
}

func (m *Metrics) RecordRelayError() {
	if m == nil {
		return
	}
	m.RelayErrors.Inc()
}

func (m *Metrics) RecordWatchdogAction(action string) {
	if m == nil {
		return
	}
	m.WatchdogActions.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordWatchdogRun(d time.Duration) {
	if m == nil {
		return
	}
	m.WatchdogRuns.Observe(d.Seconds())
}
