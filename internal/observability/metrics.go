// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes.
const (
	OutcomeClosed   = "closed"   // client went away
	OutcomeRejected = "rejected" // invalid parameters
	OutcomeFailed   = "failed"   // backfill or subscription error
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Session metrics
	ActiveSessions   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	EventsDelivered  *prometheus.CounterVec
	StalePriceDrops  prometheus.Counter
	MalformedSkipped *prometheus.CounterVec

	// Backfill metrics
	BackfillDuration *prometheus.HistogramVec
	BackfillRecords  *prometheus.HistogramVec

	// Change feed metrics
	FeedFailures      *prometheus.CounterVec
	SlowSubscribers   *prometheus.CounterVec
	ConnectionsDenied *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	StartTime prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "crypto_stats_stream"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live client sessions by family",
		}, []string{"family"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Total number of ended sessions by family and outcome",
		}, []string{"family", "outcome"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_delivered_total",
			Help:      "Total number of events delivered to clients",
		}, []string{"family", "event"}),
		StalePriceDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stale_price_dropped_total",
			Help:      "Total number of price changes dropped as out of order",
		}),
		MalformedSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "malformed_skipped_total",
			Help:      "Total number of live changes skipped because projection failed",
		}, []string{"family"}),

		// Backfill metrics
		BackfillDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "duration_seconds",
			Help:      "Backfill read duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		BackfillRecords: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "records",
			Help:      "Number of records in an initial snapshot",
			Buckets:   []float64{0, 1, 10, 30, 60, 120, 500},
		}, []string{"family"}),

		// Change feed metrics
		FeedFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "failures_total",
			Help:      "Total number of change feed failures by dataset",
		}, []string{"dataset"}),
		SlowSubscribers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "slow_subscribers_total",
			Help:      "Total number of sessions ended for falling behind",
		}, []string{"family"}),
		ConnectionsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_denied_total",
			Help:      "Total number of WebSocket upgrades refused",
		}, []string{"reason"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		StartTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of process start",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

func init() {
	DefaultMetrics.StartTime.Set(float64(time.Now().Unix()))
}

// SessionStarted increments the active session gauge.
func SessionStarted(family string) {
	DefaultMetrics.ActiveSessions.WithLabelValues(family).Inc()
}

// SessionEnded decrements the active session gauge and records the outcome.
func SessionEnded(family, outcome string) {
	DefaultMetrics.ActiveSessions.WithLabelValues(family).Dec()
	DefaultMetrics.SessionsTotal.WithLabelValues(family, outcome).Inc()
}

// RecordRejected records a session refused before any I/O.
func RecordRejected(family string) {
	DefaultMetrics.SessionsTotal.WithLabelValues(family, OutcomeRejected).Inc()
}

// RecordDelivered counts an event sent to a client.
func RecordDelivered(family, event string) {
	DefaultMetrics.EventsDelivered.WithLabelValues(family, event).Inc()
}

// RecordStalePrice counts a price change dropped by the ordering filter.
func RecordStalePrice() {
	DefaultMetrics.StalePriceDrops.Inc()
}

// RecordMalformed counts a live change skipped because it could not be projected.
func RecordMalformed(family string) {
	DefaultMetrics.MalformedSkipped.WithLabelValues(family).Inc()
}

// RecordBackfill records a backfill read.
func RecordBackfill(family string, d time.Duration, records int) {
	DefaultMetrics.BackfillDuration.WithLabelValues(family).Observe(d.Seconds())
	DefaultMetrics.BackfillRecords.WithLabelValues(family).Observe(float64(records))
}

// RecordFeedFailure counts a change feed that ended with an error.
func RecordFeedFailure(dataset string) {
	DefaultMetrics.FeedFailures.WithLabelValues(dataset).Inc()
}

// RecordSlowSubscriber counts a session evicted for falling behind.
func RecordSlowSubscriber(family string) {
	DefaultMetrics.SlowSubscribers.WithLabelValues(family).Inc()
}

// RecordDenied counts a refused WebSocket upgrade.
func RecordDenied(reason string) {
	DefaultMetrics.ConnectionsDenied.WithLabelValues(reason).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, start time.Time, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
