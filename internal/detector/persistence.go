package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ModelFormat метка формата файла модели
const ModelFormat = "movement-detector/v1"

// modelFile содержимое файла модели
type modelFile struct {
	Format         string       `json:"format"`
	NumDimensions  int          `json:"num_dimensions"`
	UpperThreshold modelFloat   `json:"upper_threshold"`
	LowerThreshold modelFloat   `json:"lower_threshold"`
	Gamma          modelFloat   `json:"gamma"`
	SearchTimeout  int64        `json:"search_timeout_ns"`
	State          State        `json:"state"`
	MovementIndex  modelFloat   `json:"movement_index"`
	FirstSample    bool         `json:"first_sample"`
	LastSample     []modelFloat `json:"last_sample,omitempty"`
	SearchElapsed  int64        `json:"search_elapsed_ns,omitempty"`
}

// modelFloat число модели. Конечные значения пишутся числом JSON,
// +Inf, -Inf и NaN строками
type modelFloat float64

func (f modelFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *modelFloat) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = modelFloat(math.NaN())
		case "+Inf":
			*f = modelFloat(math.Inf(1))
		case "-Inf":
			*f = modelFloat(math.Inf(-1))
		default:
			return fmt.Errorf("unexpected number %q", s)
		}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*f = modelFloat(v)
	return nil
}

func toModelFloats(values []float64) []modelFloat {
	out := make([]modelFloat, len(values))
	for i, v := range values {
		out[i] = modelFloat(v)
	}
	return out
}

func fromModelFloats(values []modelFloat) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// SaveModel записывает конфигурацию и состояние детектора в w
func (d *MovementDetector) SaveModel(w io.Writer) error {
	m := modelFile{
		Format:         ModelFormat,
		NumDimensions:  d.cfg.NumDimensions,
		UpperThreshold: modelFloat(d.cfg.UpperThreshold),
		LowerThreshold: modelFloat(d.cfg.LowerThreshold),
		Gamma:          modelFloat(d.cfg.Gamma),
		SearchTimeout:  int64(d.cfg.SearchTimeout),
		State:          d.rt.state,
		MovementIndex:  modelFloat(d.rt.movementIndex),
		FirstSample:    d.rt.firstSample,
		SearchElapsed:  int64(d.SearchElapsed()),
	}
	if !d.rt.firstSample {
		m.LastSample = toModelFloats(d.rt.lastSample)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// LoadModel читает модель из r. Детектор меняется только при успешной загрузке
func (d *MovementDetector) LoadModel(r io.Reader) error {
	var m modelFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after model", ErrInvalidModel)
	}
	if err := m.validate(); err != nil {
		return err
	}

	d.cfg = Config{
		NumDimensions:  m.NumDimensions,
		UpperThreshold: float64(m.UpperThreshold),
		LowerThreshold: float64(m.LowerThreshold),
		Gamma:          float64(m.Gamma),
		SearchTimeout:  time.Duration(m.SearchTimeout),
	}
	rt := runtimeState{
		state:         m.State,
		movementIndex: float64(m.MovementIndex),
		firstSample:   m.FirstSample,
	}
	if !m.FirstSample {
		rt.lastSample = fromModelFloats(m.LastSample)
	}
	// Таймер продолжает отсчет с сохраненного значения
	if m.State == SearchingForNoMovement {
		rt.searching = true
		rt.searchStart = d.clock.Now().Add(-time.Duration(m.SearchElapsed))
	}
	d.rt = rt
	return nil
}

func (m *modelFile) validate() error {
	if m.Format != ModelFormat {
		return fmt.Errorf("%w: unexpected format %q", ErrInvalidModel, m.Format)
	}
	if m.NumDimensions < 0 {
		return fmt.Errorf("%w: negative dimensions %d", ErrInvalidModel, m.NumDimensions)
	}
	if !m.State.Valid() {
		return fmt.Errorf("%w: unknown state %d", ErrInvalidModel, int(m.State))
	}
	if m.SearchElapsed < 0 {
		return fmt.Errorf("%w: negative search elapsed time", ErrInvalidModel)
	}
	if !m.FirstSample && len(m.LastSample) != m.NumDimensions {
		return fmt.Errorf("%w: last sample has %d values, expected %d",
			ErrInvalidModel, len(m.LastSample), m.NumDimensions)
	}
	return nil
}

// SaveModelToFile сохраняет модель в файл через временный файл и rename
func (d *MovementDetector) SaveModelToFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp model file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := d.SaveModel(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close model file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to save model file: %w", err)
	}
	return nil
}

// LoadModelFromFile загружает модель из файла
func (d *MovementDetector) LoadModelFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()
	return d.LoadModel(f)
}
