// Package detector реализует потоковый детектор движения
// Сглаженный индекс движения (EMA от величины изменения между соседними отсчетами)
// сравнивается с двумя порогами (гистерезис), поиск покоя ограничен таймаутом
package detector

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/floats"

	"movement-service/internal/timeutil"
)

// State состояние автомата поиска. Числовые значения входят в формат файла модели
type State int

const (
	// SearchingForMovement ожидание начала движения
	SearchingForMovement State = 0
	// SearchingForNoMovement движение обнаружено, ожидание покоя
	SearchingForNoMovement State = 1
	// SearchTimeout покой не наступил за отведенное время, нужен Reset
	SearchTimeout State = 2
)

// String возвращает имя состояния
func (s State) String() string {
	switch s {
	case SearchingForMovement:
		return "SEARCHING_FOR_MOVEMENT"
	case SearchingForNoMovement:
		return "SEARCHING_FOR_NO_MOVEMENT"
	case SearchTimeout:
		return "SEARCH_TIMEOUT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Valid сообщает, является ли значение одним из известных состояний
func (s State) Valid() bool {
	return s >= SearchingForMovement && s <= SearchTimeout
}

var (
	// ErrNotConfigured детектор не сконфигурирован (нет размерности)
	ErrNotConfigured = errors.New("detector is not configured")
	// ErrDimensionMismatch длина отсчета не совпадает с размерностью
	ErrDimensionMismatch = errors.New("input dimension mismatch")
	// ErrInvalidModel файл модели поврежден или обрезан
	ErrInvalidModel = errors.New("invalid movement detector model")
)

// StreamDetector общий контракт потоковых детекторов состояния
type StreamDetector interface {
	Predict(input []float64) error
	Reset()
	Clear()
	IsTrained() bool
	NumDimensions() int
	State() State
	SaveModel(w io.Writer) error
	LoadModel(r io.Reader) error
}

// Config неизменяемая конфигурация детектора.
// UpperThreshold >= LowerThreshold и Gamma в [0, 1] не проверяются
type Config struct {
	NumDimensions  int
	UpperThreshold float64
	LowerThreshold float64
	Gamma          float64
	// SearchTimeout 0 означает бесконечный поиск покоя
	SearchTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		NumDimensions:  1,
		UpperThreshold: 1.0,
		LowerThreshold: 0.9,
		Gamma:          0.95,
		SearchTimeout:  0,
	}
}

// runtimeState изменяемое состояние, которое сбрасывает Reset
type runtimeState struct {
	state              State
	movementIndex      float64
	firstSample        bool
	movementDetected   bool
	noMovementDetected bool
	searching          bool
	searchStart        time.Time
	lastSample         []float64
}

// MovementDetector детектор движения. Не потокобезопасен: один владелец на поток отсчетов
type MovementDetector struct {
	cfg   Config
	clock timeutil.Clock
	rt    runtimeState
}

var _ StreamDetector = (*MovementDetector)(nil)

// Option настраивает MovementDetector
type Option func(*MovementDetector)

// WithClock задает часы для таймера поиска
func WithClock(c timeutil.Clock) Option {
	return func(d *MovementDetector) {
		if c != nil {
			d.clock = c
		}
	}
}

// New создает детектор. Значения конфигурации сохраняются как есть
func New(cfg Config, opts ...Option) *MovementDetector {
	d := &MovementDetector{
		cfg:   cfg,
		clock: timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Reset()
	return d
}

// Predict обрабатывает один отсчет.
// При ошибке состояние детектора не меняется
func (d *MovementDetector) Predict(input []float64) error {
	if !d.IsTrained() {
		return ErrNotConfigured
	}
	if len(input) != d.cfg.NumDimensions {
		return fmt.Errorf("%w: expected %d values, got %d",
			ErrDimensionMismatch, d.cfg.NumDimensions, len(input))
	}

	d.rt.movementDetected = false
	d.rt.noMovementDetected = false

	// Первый отсчет: сравнивать не с чем
	if d.rt.firstSample {
		d.rt.firstSample = false
		d.storeLast(input)
		return nil
	}

	delta := floats.Distance(input, d.rt.lastSample, 2)
	d.rt.movementIndex = d.cfg.Gamma*d.rt.movementIndex + (1-d.cfg.Gamma)*delta

	switch d.rt.state {
	case SearchingForMovement:
		if d.rt.movementIndex >= d.cfg.UpperThreshold {
			d.rt.movementDetected = true
			d.rt.state = SearchingForNoMovement
			d.startSearch()
		}
	case SearchingForNoMovement:
		if d.rt.movementIndex <= d.cfg.LowerThreshold {
			d.rt.noMovementDetected = true
			d.rt.state = SearchingForMovement
			d.stopSearch()
		} else if d.cfg.SearchTimeout > 0 && d.SearchElapsed() >= d.cfg.SearchTimeout {
			d.rt.state = SearchTimeout
			d.stopSearch()
		}
	case SearchTimeout:
		// поглощающее состояние до Reset
	}

	d.storeLast(input)
	return nil
}

func (d *MovementDetector) storeLast(input []float64) {
	if cap(d.rt.lastSample) < len(input) {
		d.rt.lastSample = make([]float64, len(input))
	}
	d.rt.lastSample = d.rt.lastSample[:len(input)]
	copy(d.rt.lastSample, input)
}

func (d *MovementDetector) startSearch() {
	d.rt.searching = true
	d.rt.searchStart = d.clock.Now()
}

func (d *MovementDetector) stopSearch() {
	d.rt.searching = false
	d.rt.searchStart = time.Time{}
}

// Reset возвращает детектор в SearchingForMovement с нулевым индексом
func (d *MovementDetector) Reset() {
	d.rt = runtimeState{
		state:       SearchingForMovement,
		firstSample: true,
	}
}

// Clear сбрасывает детектор и снимает конфигурацию размерности.
// До Configure все вызовы Predict завершаются ErrNotConfigured
func (d *MovementDetector) Clear() {
	d.Reset()
	d.cfg.NumDimensions = 0
}

// Configure заменяет конфигурацию и сбрасывает состояние
func (d *MovementDetector) Configure(cfg Config) {
	d.cfg = cfg
	d.Reset()
}

// IsTrained сообщает, готов ли детектор к Predict. Обучение не требуется
func (d *MovementDetector) IsTrained() bool {
	return d.cfg.NumDimensions > 0
}

// Config возвращает текущую конфигурацию
func (d *MovementDetector) Config() Config { return d.cfg }

// NumDimensions возвращает размерность отсчета
func (d *MovementDetector) NumDimensions() int { return d.cfg.NumDimensions }

// UpperThreshold возвращает порог входа в движение
func (d *MovementDetector) UpperThreshold() float64 { return d.cfg.UpperThreshold }

// LowerThreshold возвращает порог входа в покой
func (d *MovementDetector) LowerThreshold() float64 { return d.cfg.LowerThreshold }

// Gamma возвращает коэффициент сглаживания
func (d *MovementDetector) Gamma() float64 { return d.cfg.Gamma }

// SearchTimeout возвращает таймаут поиска покоя
func (d *MovementDetector) SearchTimeout() time.Duration { return d.cfg.SearchTimeout }

// MovementIndex возвращает сглаженный индекс движения
func (d *MovementDetector) MovementIndex() float64 { return d.rt.movementIndex }

// MovementDetected true только на вызове, перешедшем в SearchingForNoMovement
func (d *MovementDetector) MovementDetected() bool { return d.rt.movementDetected }

// NoMovementDetected true только на вызове, вернувшем детектор в SearchingForMovement
func (d *MovementDetector) NoMovementDetected() bool { return d.rt.noMovementDetected }

// State возвращает текущее состояние автомата
func (d *MovementDetector) State() State { return d.rt.state }

// FirstSample сообщает, ожидает ли детектор первый отсчет
func (d *MovementDetector) FirstSample() bool { return d.rt.firstSample }

// SearchElapsed время с начала поиска покоя, 0 если поиск не идет
func (d *MovementDetector) SearchElapsed() time.Duration {
	if !d.rt.searching {
		return 0
	}
	return d.clock.Since(d.rt.searchStart)
}

// SetUpperThreshold задает верхний порог. Состояние не сбрасывается
func (d *MovementDetector) SetUpperThreshold(v float64) error {
	d.cfg.UpperThreshold = v
	return nil
}

// SetLowerThreshold задает нижний порог. Состояние не сбрасывается
func (d *MovementDetector) SetLowerThreshold(v float64) error {
	d.cfg.LowerThreshold = v
	return nil
}

// SetGamma задает коэффициент сглаживания. Состояние не сбрасывается
func (d *MovementDetector) SetGamma(v float64) error {
	d.cfg.Gamma = v
	return nil
}

// SetSearchTimeout задает таймаут поиска. Состояние не сбрасывается
func (d *MovementDetector) SetSearchTimeout(v time.Duration) error {
	d.cfg.SearchTimeout = v
	return nil
}
