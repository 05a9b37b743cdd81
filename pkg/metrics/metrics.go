package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotor_jobs_total",
			Help: "Number of configured jobs by kind and enabled flag",
		},
		[]string{"kind", "enabled"},
	)

	JobsQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rotor_jobs_quarantined",
			Help: "Jobs quarantined during the most recent tick",
		},
	)

	// Rotation metrics
	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_rotations_total",
			Help: "Total number of rotation firings by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RecordsUpdated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_records_updated_total",
			Help: "Total number of record value updates issued successfully",
		},
	)

	RotationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotor_rotation_duration_seconds",
			Help:    "Time taken to evaluate and apply one job in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Tick metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rotor_tick_duration_seconds",
			Help:    "Time taken for one full engine tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_ticks_total",
			Help: "Total number of engine ticks completed",
		},
	)

	TickTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_tick_timeouts_total",
			Help: "Ticks that hit the tick deadline with jobs remaining",
		},
	)

	// Provider metrics
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotor_provider_request_duration_seconds",
			Help:    "Provider API request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_provider_failures_total",
			Help: "Provider API failures by operation and fault kind",
		},
		[]string{"op", "kind"},
	)

	// Trigger metrics
	TriggerAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_trigger_alerts_total",
			Help: "Traffic-trigger alerts fired by window",
		},
		[]string{"window"},
	)

	TriggerPollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_trigger_poll_failures_total",
			Help: "Failed agent metric polls",
		},
	)

	// State metrics
	StateWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_state_writes_total",
			Help: "Successful state-file writes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsQuarantined)
	prometheus.MustRegister(RotationsTotal)
	prometheus.MustRegister(RecordsUpdated)
	prometheus.MustRegister(RotationDuration)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TickTimeouts)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderFailures)
	prometheus.MustRegister(TriggerAlertsTotal)
	prometheus.MustRegister(TriggerPollFailures)
	prometheus.MustRegister(StateWrites)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
