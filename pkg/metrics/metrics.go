package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet composition metrics
	PrintersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printfleet_printers_total",
			Help: "Total number of printers by vendor type and state",
		},
		[]string{"vendor", "state"},
	)

	OrdersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printfleet_orders_total",
			Help: "Total number of orders by status",
		},
		[]string{"status"},
	)

	FilamentUsedGramsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "printfleet_filament_used_grams_total",
			Help: "Cumulative filament consumed across the fleet, in grams",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printfleet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printfleet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printfleet_reconciliation_duration_seconds",
			Help:    "Time taken for a status reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printfleet_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printfleet_reconciliation_errors_total",
			Help: "Total number of per-printer observation errors during reconciliation, by vendor",
		},
		[]string{"vendor"},
	)

	// Distributor metrics
	DistributionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printfleet_distribution_duration_seconds",
			Help:    "Time taken for a distribution pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DistributionJobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printfleet_distribution_jobs_started_total",
			Help: "Total number of print jobs started by the distributor, by vendor",
		},
		[]string{"vendor"},
	)

	DistributionJobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printfleet_distribution_jobs_failed_total",
			Help: "Total number of start-print attempts that failed, by vendor",
		},
		[]string{"vendor"},
	)

	// Ejection metrics
	EjectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printfleet_ejection_duration_seconds",
			Help:    "Time from EJECTING entry to completion detection, in seconds",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60},
		},
	)

	EjectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printfleet_ejections_total",
			Help: "Total number of completed ejection attempts, by vendor and result",
		},
		[]string{"vendor", "result"},
	)

	// Vendor B (MQTT) connection metrics
	VendorBConnectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "printfleet_vendor_b_connected_sessions",
			Help: "Number of Vendor B printers with a live MQTT session",
		},
	)

	VendorBReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printfleet_vendor_b_reconnects_total",
			Help: "Total number of Vendor B MQTT reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(PrintersTotal)
	prometheus.MustRegister(OrdersTotal)
	prometheus.MustRegister(FilamentUsedGramsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)
	prometheus.MustRegister(DistributionDuration)
	prometheus.MustRegister(DistributionJobsStartedTotal)
	prometheus.MustRegister(DistributionJobsFailedTotal)
	prometheus.MustRegister(EjectionDuration)
	prometheus.MustRegister(EjectionsTotal)
	prometheus.MustRegister(VendorBConnectedSessions)
	prometheus.MustRegister(VendorBReconnectsTotal)
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
