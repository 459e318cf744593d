package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ReportsSubmittedTotal counts accepted report submissions.
	ReportsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "pipeline",
		Name:      "reports_submitted_total",
		Help:      "Total number of report submissions accepted into the pipeline.",
	})

	// ReportsRejectedTotal counts duplicate rejections by the pass that caught them.
	ReportsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "pipeline",
		Name:      "reports_rejected_total",
		Help:      "Total number of reports rejected as duplicates, labeled by dedup pass.",
	}, []string{"reason"})

	// DetectionsTotal counts completed detection runs by outcome.
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "pipeline",
		Name:      "detections_total",
		Help:      "Total number of detection runs, labeled by terminal report status.",
	}, []string{"status"})

	// DetectionDurationSeconds is end-to-end detection time per report.
	DetectionDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ecocity",
		Subsystem: "pipeline",
		Name:      "detection_duration_seconds",
		Help:      "End-to-end time to process one report through fetch, dedup, and detection.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
	})

	// SimilarityIndexSize is the current vector count in the similarity index.
	SimilarityIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecocity",
		Subsystem: "pipeline",
		Name:      "similarity_index_vectors",
		Help:      "Current number of embeddings held by the similarity index.",
	})

	// GroupAttachTotal counts radius attachments of reports to existing groups.
	GroupAttachTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "grouper",
		Name:      "group_attach_total",
		Help:      "Total number of reports attached to an existing group on ingest.",
	})

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecocity",
		Subsystem: "worker",
		Name:      "rabbitmq_connected",
		Help:      "Whether the detection worker RabbitMQ subscriber is currently connected (best-effort).",
	})

	// WorkerInFlight is the current number of deliveries being processed.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecocity",
		Subsystem: "worker",
		Name:      "rabbitmq_worker_in_flight",
		Help:      "Current number of RabbitMQ deliveries being processed by worker goroutines.",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "worker",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed, labeled by result.",
	}, []string{"result"})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "worker",
		Name:      "rabbitmq_ack_error_total",
		Help:      "Total number of RabbitMQ ack errors.",
	})

	NackErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecocity",
		Subsystem: "worker",
		Name:      "rabbitmq_nack_error_total",
		Help:      "Total number of RabbitMQ nack errors.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsSubmittedTotal,
			ReportsRejectedTotal,
			DetectionsTotal,
			DetectionDurationSeconds,
			SimilarityIndexSize,
			GroupAttachTotal,
			RabbitMQConnected,
			WorkerInFlight,
			ProcessedTotal,
			AckErrorTotal,
			NackErrorTotal,
		)
	})
}
