// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"movement-service/internal/analytics"
	"movement-service/internal/cache"
	"movement-service/internal/detector"
	"movement-service/internal/metrics"
	"movement-service/internal/models"
)

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	analyzer  *analytics.Analyzer
	cache     *cache.RedisCache
	startTime time.Time
}

// NewHandler создает новый обработчик. cache может быть nil
func NewHandler(analyzer *analytics.Analyzer, cache *cache.RedisCache) *Handler {
	return &Handler{
		analyzer:  analyzer,
		cache:     cache,
		startTime: time.Now(),
	}
}

// Register регистрирует маршруты API
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/samples", h.SampleHandler).Methods(http.MethodPost)
	router.HandleFunc("/samples/batch", h.BatchSamplesHandler).Methods(http.MethodPost)
	router.HandleFunc("/samples/async", h.AsyncSampleHandler).Methods(http.MethodPost)
	router.HandleFunc("/samples/latest", h.LatestSamplesHandler).Methods(http.MethodGet)
	router.HandleFunc("/detectors", h.DetectorsHandler).Methods(http.MethodGet)
	router.HandleFunc("/detectors/{id}", h.DetectorHandler).Methods(http.MethodGet)
	router.HandleFunc("/detectors/{id}/reset", h.ResetHandler).Methods(http.MethodPost)
	router.HandleFunc("/detectors/{id}/snapshot", h.SnapshotHandler).Methods(http.MethodPost)
	router.HandleFunc("/detectors/{id}/restore", h.RestoreHandler).Methods(http.MethodPost)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// SampleHandler обрабатывает POST /samples - прием одного отсчета
func (h *Handler) SampleHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples", r.Method))
	defer timer.ObserveDuration()

	var sample models.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/samples", r.Method, "400").Inc()
		return
	}

	result, err := h.process(r.Context(), sample)
	if err != nil {
		status := statusForError(err)
		h.respondError(w, err.Error(), status)
		metrics.RequestsTotal.WithLabelValues("/samples", r.Method, strconv.Itoa(status)).Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/samples", r.Method, "200").Inc()
	h.respondJSON(w, result, http.StatusOK)
}

// AsyncSampleHandler обрабатывает POST /samples/async - постановка отсчета в очередь воркеров
func (h *Handler) AsyncSampleHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples/async", r.Method))
	defer timer.ObserveDuration()

	var sample models.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/samples/async", r.Method, "400").Inc()
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	if !h.analyzer.Submit(sample) {
		h.respondError(w, "Detection queue is full", http.StatusServiceUnavailable)
		metrics.RequestsTotal.WithLabelValues("/samples/async", r.Method, "503").Inc()
		return
	}
	metrics.SamplesReceived.Inc()

	if h.cache != nil {
		if err := h.cache.CacheSample(r.Context(), sample); err != nil {
			metrics.CacheErrors.Inc()
		}
	}

	metrics.RequestsTotal.WithLabelValues("/samples/async", r.Method, "202").Inc()
	h.respondJSON(w, map[string]string{"status": "queued"}, http.StatusAccepted)
}

// BatchSamplesHandler обрабатывает POST /samples/batch - отсчеты обрабатываются по порядку
func (h *Handler) BatchSamplesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples/batch", r.Method))
	defer timer.ObserveDuration()

	var batch models.SamplesBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/samples/batch", r.Method, "400").Inc()
		return
	}

	results := make([]models.DetectionResult, 0, len(batch.Samples))
	rejected := make([]string, 0)
	events := 0

	for _, sample := range batch.Samples {
		result, err := h.process(r.Context(), sample)
		if err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		results = append(results, result)
		if result.Event != "" {
			events++
		}
	}

	response := map[string]interface{}{
		"processed": len(results),
		"events":    events,
		"rejected":  rejected,
		"results":   results,
	}

	metrics.RequestsTotal.WithLabelValues("/samples/batch", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

// process кэширует отсчет, запускает детектор и обновляет метрики
func (h *Handler) process(ctx context.Context, sample models.Sample) (models.DetectionResult, error) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	metrics.SamplesReceived.Inc()

	start := time.Now()
	result, err := h.analyzer.AnalyzeSync(ctx, sample)
	metrics.PredictLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SamplesRejected.Inc()
		if h.cache != nil {
			if _, cerr := h.cache.IncrementCounter(ctx, cache.RejectedSamplesKey); cerr != nil {
				metrics.CacheErrors.Inc()
			}
		}
		return result, err
	}
	metrics.UpdateDetectionMetrics(result)

	if h.cache != nil {
		if err := h.cache.CacheSample(ctx, sample); err != nil {
			// Логируем ошибку, но продолжаем обработку
			log.Printf("Failed to cache sample: %v", err)
			metrics.CacheErrors.Inc()
		}
		if err := h.cache.CacheResult(ctx, result); err != nil {
			metrics.CacheErrors.Inc()
		}
	}
	return result, nil
}

// LatestSamplesHandler возвращает последние отсчеты из кэша
func (h *Handler) LatestSamplesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples/latest", r.Method))
	defer timer.ObserveDuration()

	count := int64(50)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= cache.LatestSamplesLimit {
			count = c
		}
	}

	if h.cache == nil {
		h.respondError(w, "Cache not available", http.StatusServiceUnavailable)
		metrics.RequestsTotal.WithLabelValues("/samples/latest", r.Method, "503").Inc()
		return
	}

	samples, err := h.cache.GetLatestSamples(r.Context(), count)
	if err != nil {
		h.respondError(w, "Failed to get samples: "+err.Error(), http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues("/samples/latest", r.Method, "500").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/samples/latest", r.Method, "200").Inc()
	h.respondJSON(w, samples, http.StatusOK)
}

// DetectorsHandler обрабатывает GET /detectors - состояния всех потоков
func (h *Handler) DetectorsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/detectors", r.Method))
	defer timer.ObserveDuration()

	metrics.RequestsTotal.WithLabelValues("/detectors", r.Method, "200").Inc()
	h.respondJSON(w, h.analyzer.Streams(), http.StatusOK)
}

// DetectorHandler обрабатывает GET /detectors/{id}
func (h *Handler) DetectorHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/detectors/{id}", r.Method))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	status, ok := h.analyzer.Status(id)
	if !ok {
		h.respondError(w, "Unknown stream: "+id, http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues("/detectors/{id}", r.Method, "404").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/detectors/{id}", r.Method, "200").Inc()
	h.respondJSON(w, status, http.StatusOK)
}

// ResetHandler обрабатывает POST /detectors/{id}/reset
func (h *Handler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/detectors/{id}/reset", r.Method))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	if !h.analyzer.ResetStream(id) {
		h.respondError(w, "Unknown stream: "+id, http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues("/detectors/{id}/reset", r.Method, "404").Inc()
		return
	}

	status, _ := h.analyzer.Status(id)
	metrics.RequestsTotal.WithLabelValues("/detectors/{id}/reset", r.Method, "200").Inc()
	h.respondJSON(w, status, http.StatusOK)
}

// SnapshotHandler обрабатывает POST /detectors/{id}/snapshot - сохранение модели
func (h *Handler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/detectors/{id}/snapshot", r.Method))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	if err := h.analyzer.Snapshot(r.Context(), id); err != nil {
		status := statusForError(err)
		h.respondError(w, err.Error(), status)
		metrics.RequestsTotal.WithLabelValues("/detectors/{id}/snapshot", r.Method, strconv.Itoa(status)).Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/detectors/{id}/snapshot", r.Method, "200").Inc()
	h.respondJSON(w, map[string]string{"device_id": id, "status": "saved"}, http.StatusOK)
}

// RestoreHandler обрабатывает POST /detectors/{id}/restore - загрузка модели
func (h *Handler) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/detectors/{id}/restore", r.Method))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	if err := h.analyzer.Restore(r.Context(), id); err != nil {
		status := statusForError(err)
		h.respondError(w, err.Error(), status)
		metrics.RequestsTotal.WithLabelValues("/detectors/{id}/restore", r.Method, strconv.Itoa(status)).Inc()
		return
	}

	status, _ := h.analyzer.Status(id)
	metrics.RequestsTotal.WithLabelValues("/detectors/{id}/restore", r.Method, "200").Inc()
	h.respondJSON(w, status, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	if h.cache != nil && h.cache.Ping(r.Context()) == nil {
		redisStatus = "connected"
	}

	status := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Redis:     redisStatus,
		Uptime:    time.Since(h.startTime).String(),
	}

	h.respondJSON(w, status, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	// Обновляем метрику горутин
	metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))

	stats := h.analyzer.GetStats()
	response := models.StatsResponse{
		Streams:  stats.Streams,
		Moving:   stats.Moving,
		TimedOut: stats.TimedOut,
	}

	if h.cache != nil {
		ctx := r.Context()
		response.TotalSamples, _ = h.cache.GetCounter(ctx, cache.TotalSamplesKey)
		response.RejectedSamples, _ = h.cache.GetCounter(ctx, cache.RejectedSamplesKey)
		response.MovementEvents, _ = h.cache.GetCounter(ctx, cache.EventCounterPrefix+models.EventMovement)
		response.NoMovementEvents, _ = h.cache.GetCounter(ctx, cache.EventCounterPrefix+models.EventNoMovement)
		response.TimeoutEvents, _ = h.cache.GetCounter(ctx, cache.EventCounterPrefix+models.EventTimeout)
	}

	metrics.ActiveStreams.Set(float64(stats.Streams))

	metrics.RequestsTotal.WithLabelValues("/stats", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

// statusForError сопоставляет ошибку детектора с HTTP статусом
func statusForError(err error) int {
	switch {
	case errors.Is(err, detector.ErrDimensionMismatch), errors.Is(err, detector.ErrNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, analytics.ErrUnknownStream), errors.Is(err, analytics.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, analytics.ErrNoModelStore), errors.Is(err, analytics.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
