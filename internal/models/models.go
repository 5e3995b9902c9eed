// Package models содержит структуры данных для отсчетов и результатов детекции
package models

import "time"

// Sample представляет входящий отсчет сенсора от устройства
type Sample struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// События детектора
const (
	EventMovement   = "movement"
	EventNoMovement = "no_movement"
	EventTimeout    = "timeout"
)

// DetectionResult содержит результат обработки одного отсчета
type DetectionResult struct {
	DeviceID           string    `json:"device_id"`
	Timestamp          time.Time `json:"timestamp"`
	MovementIndex      float64   `json:"movement_index"`
	State              int       `json:"state"`
	StateName          string    `json:"state_name"`
	MovementDetected   bool      `json:"movement_detected"`
	NoMovementDetected bool      `json:"no_movement_detected"`
	FirstSample        bool      `json:"first_sample"`
	Event              string    `json:"event,omitempty"`
}

// DetectorStatus текущее состояние детектора одного потока
type DetectorStatus struct {
	DeviceID       string    `json:"device_id"`
	NumDimensions  int       `json:"num_dimensions"`
	UpperThreshold float64   `json:"upper_threshold"`
	LowerThreshold float64   `json:"lower_threshold"`
	Gamma          float64   `json:"gamma"`
	SearchTimeout  string    `json:"search_timeout"`
	MovementIndex  float64   `json:"movement_index"`
	State          int       `json:"state"`
	StateName      string    `json:"state_name"`
	SearchElapsed  string    `json:"search_elapsed"`
	Samples        int64     `json:"samples"`
	LastSeen       time.Time `json:"last_seen"`
}

// SamplesBatch представляет пакет отсчетов для массовой загрузки
type SamplesBatch struct {
	Samples []Sample `json:"samples"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
type StatsResponse struct {
	TotalSamples     int64 `json:"total_samples"`
	RejectedSamples  int64 `json:"rejected_samples"`
	MovementEvents   int64 `json:"movement_events"`
	NoMovementEvents int64 `json:"no_movement_events"`
	TimeoutEvents    int64 `json:"timeout_events"`
	Streams          int   `json:"streams"`
	Moving           int   `json:"moving"`
	TimedOut         int   `json:"timed_out"`
}
