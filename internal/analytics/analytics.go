// Package analytics управляет детекторами движения для множества потоков отсчетов
// Каждому устройству соответствует свой детектор, асинхронная обработка
// распределяется по воркерам по хэшу идентификатора устройства
package analytics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"movement-service/internal/detector"
	"movement-service/internal/models"
	"movement-service/internal/timeutil"
)

// DefaultStreamID поток для отсчетов без идентификатора устройства
const DefaultStreamID = "default"

var (
	// ErrModelNotFound модель потока отсутствует в хранилище
	ErrModelNotFound = errors.New("model not found")
	// ErrNoModelStore хранилище моделей не настроено
	ErrNoModelStore = errors.New("model store is not configured")
	// ErrUnknownStream поток с таким идентификатором не найден
	ErrUnknownStream = errors.New("unknown stream")
	// ErrStoreUnavailable хранилище моделей не отвечает
	ErrStoreUnavailable = errors.New("model store unavailable")
)

// ModelStore хранилище сериализованных моделей детекторов.
// Отсутствие модели ErrModelNotFound, ошибки ввода-вывода оборачивают ErrStoreUnavailable
type ModelStore interface {
	SaveModel(ctx context.Context, deviceID string, data []byte) error
	LoadModel(ctx context.Context, deviceID string) ([]byte, error)
}

// stream детектор одного устройства. Детектор не потокобезопасен, доступ под mu
type stream struct {
	mu       sync.Mutex
	det      *detector.MovementDetector
	samples  int64
	lastSeen time.Time
}

// Analyzer обрабатывает отсчеты и хранит детекторы по устройствам
type Analyzer struct {
	mu          sync.RWMutex
	defaults    detector.Config
	clock       timeutil.Clock
	store       ModelStore
	streams     map[string]*stream
	bufferSize  int
	shards      []chan models.Sample
	resultsChan chan models.DetectionResult
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Stats сводка по потокам
type Stats struct {
	Streams  int
	Moving   int
	TimedOut int
}

// Option настраивает Analyzer
type Option func(*Analyzer)

// WithClock задает часы для детекторов
func WithClock(c timeutil.Clock) Option {
	return func(a *Analyzer) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithModelStore задает хранилище моделей
func WithModelStore(s ModelStore) Option {
	return func(a *Analyzer) {
		a.store = s
	}
}

// NewAnalyzer создает анализатор. При defaults.NumDimensions == 0
// размерность потока определяется по его первому отсчету
func NewAnalyzer(defaults detector.Config, bufferSize int, opts ...Option) *Analyzer {
	a := &Analyzer{
		defaults:    defaults,
		clock:       timeutil.RealClock{},
		streams:     make(map[string]*stream),
		bufferSize:  bufferSize,
		resultsChan: make(chan models.DetectionResult, bufferSize),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start запускает воркеры. Отсчеты одного устройства всегда попадают к одному воркеру
func (a *Analyzer) Start(numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	size := a.bufferSize / numWorkers
	if size < 1 {
		size = 1
	}
	a.shards = make([]chan models.Sample, numWorkers)
	for i := range a.shards {
		a.shards[i] = make(chan models.Sample, size)
		a.wg.Add(1)
		go a.worker(a.shards[i])
	}
}

// worker горутина для обработки отсчетов своего шарда
func (a *Analyzer) worker(samples <-chan models.Sample) {
	defer a.wg.Done()
	for {
		select {
		case s := <-samples:
			result, err := a.analyze(context.Background(), s)
			if err != nil {
				log.Printf("Dropping sample from %s: %v", s.DeviceID, err)
				continue
			}
			select {
			case a.resultsChan <- result:
			default:
				// Канал результатов переполнен, пропускаем
			}
		case <-a.stopChan:
			return
		}
	}
}

// Submit отправляет отсчет на асинхронную обработку.
// Возвращает false, если воркеры не запущены или очередь шарда заполнена
func (a *Analyzer) Submit(s models.Sample) bool {
	if len(a.shards) == 0 {
		return false
	}
	id := streamID(s.DeviceID)
	shard := a.shards[xxhash.Sum64String(id)%uint64(len(a.shards))]
	select {
	case shard <- s:
		return true
	default:
		return false
	}
}

// AnalyzeSync синхронно обрабатывает отсчет
func (a *Analyzer) AnalyzeSync(ctx context.Context, s models.Sample) (models.DetectionResult, error) {
	return a.analyze(ctx, s)
}

// analyze выполняет детекцию для одного отсчета
func (a *Analyzer) analyze(ctx context.Context, s models.Sample) (models.DetectionResult, error) {
	id := streamID(s.DeviceID)
	st, err := a.getOrCreate(ctx, id, len(s.Values))
	if err != nil {
		return models.DetectionResult{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.det.State()
	first := st.det.FirstSample()
	if err := st.det.Predict(s.Values); err != nil {
		return models.DetectionResult{}, fmt.Errorf("stream %s: %w", id, err)
	}
	st.samples++
	st.lastSeen = a.clock.Now()

	timestamp := s.Timestamp
	if timestamp.IsZero() {
		timestamp = st.lastSeen
	}

	state := st.det.State()
	result := models.DetectionResult{
		DeviceID:           id,
		Timestamp:          timestamp,
		MovementIndex:      st.det.MovementIndex(),
		State:              int(state),
		StateName:          state.String(),
		MovementDetected:   st.det.MovementDetected(),
		NoMovementDetected: st.det.NoMovementDetected(),
		FirstSample:        first,
	}
	switch {
	case result.MovementDetected:
		result.Event = models.EventMovement
	case result.NoMovementDetected:
		result.Event = models.EventNoMovement
	case prev != detector.SearchTimeout && state == detector.SearchTimeout:
		result.Event = models.EventTimeout
	}
	return result, nil
}

// getOrCreate возвращает поток, создавая его и восстанавливая модель из хранилища
func (a *Analyzer) getOrCreate(ctx context.Context, id string, dims int) (*stream, error) {
	a.mu.RLock()
	st, ok := a.streams[id]
	a.mu.RUnlock()
	if ok {
		return st, nil
	}

	cfg := a.defaults
	if cfg.NumDimensions == 0 {
		if dims == 0 {
			return nil, fmt.Errorf("stream %s: %w: empty first sample", id, detector.ErrNotConfigured)
		}
		cfg.NumDimensions = dims
	}
	det := detector.New(cfg, detector.WithClock(a.clock))

	// Хранилище опрашивается без блокировки анализатора
	if a.store != nil {
		if err := a.restoreInto(ctx, id, det); err != nil && !errors.Is(err, ErrModelNotFound) {
			log.Printf("Failed to restore model for %s, starting fresh: %v", id, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.streams[id]; ok {
		return st, nil
	}
	st = &stream{det: det}
	a.streams[id] = st
	return st, nil
}

func (a *Analyzer) restoreInto(ctx context.Context, id string, det detector.StreamDetector) error {
	data, err := a.store.LoadModel(ctx, id)
	if err != nil {
		return err
	}
	return det.LoadModel(bytes.NewReader(data))
}

func (a *Analyzer) lookup(id string) (*stream, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.streams[streamID(id)]
	return st, ok
}

// Status возвращает состояние детектора потока
func (a *Analyzer) Status(id string) (models.DetectorStatus, bool) {
	st, ok := a.lookup(id)
	if !ok {
		return models.DetectorStatus{}, false
	}
	return st.status(streamID(id)), true
}

func (st *stream) status(id string) models.DetectorStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	cfg := st.det.Config()
	state := st.det.State()
	return models.DetectorStatus{
		DeviceID:       id,
		NumDimensions:  cfg.NumDimensions,
		UpperThreshold: cfg.UpperThreshold,
		LowerThreshold: cfg.LowerThreshold,
		Gamma:          cfg.Gamma,
		SearchTimeout:  cfg.SearchTimeout.String(),
		MovementIndex:  st.det.MovementIndex(),
		State:          int(state),
		StateName:      state.String(),
		SearchElapsed:  st.det.SearchElapsed().String(),
		Samples:        st.samples,
		LastSeen:       st.lastSeen,
	}
}

// Streams возвращает состояния всех потоков, отсортированные по идентификатору
func (a *Analyzer) Streams() []models.DetectorStatus {
	a.mu.RLock()
	ids := make([]string, 0, len(a.streams))
	streams := make(map[string]*stream, len(a.streams))
	for id, st := range a.streams {
		ids = append(ids, id)
		streams[id] = st
	}
	a.mu.RUnlock()

	sort.Strings(ids)
	result := make([]models.DetectorStatus, 0, len(ids))
	for _, id := range ids {
		result = append(result, streams[id].status(id))
	}
	return result
}

// ResetStream сбрасывает детектор потока
func (a *Analyzer) ResetStream(id string) bool {
	st, ok := a.lookup(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	st.det.Reset()
	st.mu.Unlock()
	return true
}

// Snapshot сохраняет модель потока в хранилище
func (a *Analyzer) Snapshot(ctx context.Context, id string) error {
	if a.store == nil {
		return ErrNoModelStore
	}
	st, ok := a.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}

	var buf bytes.Buffer
	st.mu.Lock()
	err := st.det.SaveModel(&buf)
	st.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", id, err)
	}
	return a.store.SaveModel(ctx, streamID(id), buf.Bytes())
}

// Restore загружает модель потока из хранилища, создавая поток при необходимости
func (a *Analyzer) Restore(ctx context.Context, id string) error {
	if a.store == nil {
		return ErrNoModelStore
	}
	id = streamID(id)
	data, err := a.store.LoadModel(ctx, id)
	if err != nil {
		return err
	}

	if st, ok := a.lookup(id); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.det.LoadModel(bytes.NewReader(data))
	}

	det := detector.New(a.defaults, detector.WithClock(a.clock))
	if err := det.LoadModel(bytes.NewReader(data)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.streams[id]; ok {
		// поток появился параллельно, загружаем в него
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.det.LoadModel(bytes.NewReader(data))
	}
	a.streams[id] = &stream{det: det}
	return nil
}

// SnapshotAll сохраняет модели всех потоков
func (a *Analyzer) SnapshotAll(ctx context.Context) error {
	if a.store == nil {
		return ErrNoModelStore
	}
	a.mu.RLock()
	ids := make([]string, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := a.Snapshot(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetResults возвращает канал результатов асинхронной обработки
func (a *Analyzer) GetResults() <-chan models.DetectionResult {
	return a.resultsChan
}

// GetStats возвращает сводку по потокам
func (a *Analyzer) GetStats() Stats {
	a.mu.RLock()
	streams := make([]*stream, 0, len(a.streams))
	for _, st := range a.streams {
		streams = append(streams, st)
	}
	a.mu.RUnlock()

	stats := Stats{Streams: len(streams)}
	for _, st := range streams {
		st.mu.Lock()
		switch st.det.State() {
		case detector.SearchingForNoMovement:
			stats.Moving++
		case detector.SearchTimeout:
			stats.TimedOut++
		}
		st.mu.Unlock()
	}
	return stats
}

// Stop останавливает воркеры и закрывает канал результатов. Повторный вызов ничего не делает
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
		close(a.resultsChan)
	})
}

func streamID(id string) string {
	if id == "" {
		return DefaultStreamID
	}
	return id
}
