package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageInFlight   *prometheus.GaugeVec
	queueLag        *prometheus.HistogramVec
	deadLetterTotal *prometheus.CounterVec
	rasterPages     *prometheus.CounterVec
	rasterHeapBytes prometheus.Gauge
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plancompare",
			Subsystem: "worker",
			Name:      "stage_process_total",
			Help:      "Total processed stage tasks by kind and outcome.",
		},
		[]string{"service", "kind", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plancompare",
			Subsystem: "worker",
			Name:      "stage_process_duration_seconds",
			Help:      "Stage task duration in seconds by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "kind", "outcome"},
	)
	stageInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "plancompare",
			Subsystem: "worker",
			Name:      "stage_in_flight",
			Help:      "In-flight stage tasks by kind.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"kind"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plancompare",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between stage creation and task pickup.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "kind"},
	)
	deadLetterTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plancompare",
			Subsystem: "worker",
			Name:      "dead_letter_total",
			Help:      "Total stage tasks routed to a dead-letter topic.",
		},
		[]string{"service", "kind"},
	)
	rasterPages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plancompare",
			Subsystem: "raster",
			Name:      "pages_total",
			Help:      "Total rasterized pages by outcome.",
		},
		[]string{"service", "outcome"},
	)
	rasterHeapBytes := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "plancompare",
			Subsystem: "raster",
			Name:      "heap_bytes",
			Help:      "Heap allocation observed at the last rasterizer memory check.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, queueLag, deadLetterTotal, rasterPages, rasterHeapBytes)

	return &WorkerMetrics{
		registry:        registry,
		stageTotal:      stageTotal,
		stageDuration:   stageDuration,
		stageInFlight:   stageInFlight,
		queueLag:        queueLag,
		deadLetterTotal: deadLetterTotal,
		rasterPages:     rasterPages,
		rasterHeapBytes: rasterHeapBytes,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartStage(kind string) {
	m.stageInFlight.WithLabelValues(kind).Inc()
}

func (m *WorkerMetrics) FinishStage(service, kind string, duration time.Duration, err error) {
	m.stageInFlight.WithLabelValues(kind).Dec()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	m.stageTotal.WithLabelValues(service, kind, outcome).Inc()
	m.stageDuration.WithLabelValues(service, kind, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service, kind string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service, kind).Observe(lag.Seconds())
}

func (m *WorkerMetrics) DeadLetter(service, kind string) {
	m.deadLetterTotal.WithLabelValues(service, kind).Inc()
}

func (m *WorkerMetrics) RasterPage(service string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.rasterPages.WithLabelValues(service, outcome).Inc()
}

func (m *WorkerMetrics) ObserveRasterHeap(bytes uint64) {
	m.rasterHeapBytes.Set(float64(bytes))
}
