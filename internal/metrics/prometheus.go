// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"movement-service/internal/models"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movement_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "movement_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesReceived количество полученных отсчетов
	SamplesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movement_samples_received_total",
			Help: "Total number of sensor samples received",
		},
	)

	// SamplesRejected отсчеты, отклоненные детектором
	SamplesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movement_samples_rejected_total",
			Help: "Total number of samples rejected by the detector",
		},
	)

	// DetectorEvents переходы детектора по типам
	DetectorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movement_detector_events_total",
			Help: "Detector transitions by event type",
		},
		[]string{"event"},
	)

	// MovementIndex текущий индекс движения по устройствам
	MovementIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "movement_index",
			Help: "Current smoothed movement index per device",
		},
		[]string{"device"},
	)

	// DetectorState текущее состояние детектора по устройствам
	DetectorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "movement_detector_state",
			Help: "Current detector state per device (0 searching for movement, 1 searching for no movement, 2 timeout)",
		},
		[]string{"device"},
	)

	// ActiveStreams количество потоков
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "movement_active_streams",
			Help: "Number of device streams with a detector",
		},
	)

	// CacheErrors ошибки записи в кэш
	CacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movement_cache_errors_total",
			Help: "Total number of failed cache writes",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "movement_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// PredictLatency время обработки одного отсчета
	PredictLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "movement_predict_latency_seconds",
			Help:    "Detector prediction latency in seconds",
			Buckets: []float64{.00001, .0001, .0005, .001, .005, .01, .025},
		},
	)
)

// UpdateDetectionMetrics обновляет метрики по результату детекции
func UpdateDetectionMetrics(result models.DetectionResult) {
	MovementIndex.WithLabelValues(result.DeviceID).Set(result.MovementIndex)
	DetectorState.WithLabelValues(result.DeviceID).Set(float64(result.State))
	if result.Event != "" {
		DetectorEvents.WithLabelValues(result.Event).Inc()
	}
}
