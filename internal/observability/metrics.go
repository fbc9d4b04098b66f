package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcome label values.
const (
	OutcomeDelivered    = "delivered"
	OutcomeAcknowledged = "acknowledged"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLetter   = "dead_lettered"
	OutcomeRedelivered  = "redelivered"
	OutcomeExpired      = "expired"
)

// Metrics holds the Prometheus metrics registry and broker meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	Inflight          *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	Sessions          prometheus.Gauge
}

// NewMetrics creates a custom Prometheus registry with the broker metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arc_broker_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_broker_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_broker_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_broker_deliveries_total",
		Help: "Delivery lifecycle transitions by queue and outcome.",
	}, []string{"queue", "outcome"})

	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arc_broker_inflight",
		Help: "Deliveries handed to a receiver and awaiting an outcome.",
	}, []string{"queue"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arc_broker_queue_depth",
		Help: "Messages ready for delivery.",
	}, []string{"queue"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arc_broker_sessions",
		Help: "Open consumer sessions.",
	})

	reg.MustRegister(opDuration, opTotal, errorsTotal, deliveries, inflight, depth, sessions)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		ErrorsTotal:       errorsTotal,
		Deliveries:        deliveries,
		Inflight:          inflight,
		QueueDepth:        depth,
		Sessions:          sessions,
	}
}
