package detector

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchingDetector(t *testing.T) (*MovementDetector, *bytes.Buffer) {
	t.Helper()
	clock := newTestClock()
	d := New(Config{
		NumDimensions:  2,
		UpperThreshold: 1,
		LowerThreshold: 0.4,
		Gamma:          0.7,
		SearchTimeout:  5 * time.Second,
	}, WithClock(clock))

	require.NoError(t, d.Predict([]float64{0, 0}))
	require.NoError(t, d.Predict([]float64{3, 4}))
	require.Equal(t, SearchingForNoMovement, d.State())

	var buf bytes.Buffer
	require.NoError(t, d.SaveModel(&buf))
	return d, &buf
}

func TestSaveLoad_RoundTripContinuesStream(t *testing.T) {
	clock := newTestClock()
	original := New(Config{
		NumDimensions:  2,
		UpperThreshold: 1,
		LowerThreshold: 0.4,
		Gamma:          0.7,
		SearchTimeout:  5 * time.Second,
	}, WithClock(clock))

	stream := [][]float64{
		{0, 0}, {3, 4}, {3.5, 4}, {3.5, 4.25}, {3.5, 4.25}, {3.5, 4.25},
		{3.5, 4.25}, {8, 1}, {8, 1.5}, {8, 1.5}, {8, 1.5}, {8, 1.5},
	}
	split := 3
	for _, s := range stream[:split] {
		require.NoError(t, original.Predict(s))
	}
	clock.Advance(time.Second)

	var buf bytes.Buffer
	require.NoError(t, original.SaveModel(&buf))

	restored := New(Config{NumDimensions: 7}, WithClock(clock))
	require.NoError(t, restored.LoadModel(&buf))

	assert.Equal(t, original.Config(), restored.Config())
	assert.Equal(t, original.State(), restored.State())
	assert.Equal(t, original.MovementIndex(), restored.MovementIndex())
	assert.Equal(t, original.FirstSample(), restored.FirstSample())
	assert.Equal(t, original.SearchElapsed(), restored.SearchElapsed())

	for i, s := range stream[split:] {
		clock.Advance(time.Second)
		require.NoError(t, original.Predict(s))
		require.NoError(t, restored.Predict(s))

		assert.Equal(t, original.MovementIndex(), restored.MovementIndex(), "step %d", i)
		assert.Equal(t, original.State(), restored.State(), "step %d", i)
		assert.Equal(t, original.MovementDetected(), restored.MovementDetected(), "step %d", i)
		assert.Equal(t, original.NoMovementDetected(), restored.NoMovementDetected(), "step %d", i)
	}
}

func TestSaveLoad_AwaitingFirstSample(t *testing.T) {
	d := New(DefaultConfig())

	var buf bytes.Buffer
	require.NoError(t, d.SaveModel(&buf))
	assert.NotContains(t, buf.String(), "last_sample")

	restored := New(Config{NumDimensions: 3})
	require.NoError(t, restored.LoadModel(&buf))

	assert.True(t, restored.FirstSample())
	assert.Equal(t, DefaultConfig(), restored.Config())
}

func TestLoad_TruncatedModelLeavesDetectorUntouched(t *testing.T) {
	_, buf := searchingDetector(t)
	data := buf.Bytes()

	target := New(DefaultConfig())
	require.NoError(t, target.Predict([]float64{0}))
	require.NoError(t, target.Predict([]float64{100}))
	before := target.Config()
	beforeIndex := target.MovementIndex()

	for _, n := range []int{0, 1, len(data) / 2, len(data) - 3} {
		err := target.LoadModel(bytes.NewReader(data[:n]))
		assert.ErrorIs(t, err, ErrInvalidModel, "truncated at %d", n)
		assert.Equal(t, before, target.Config())
		assert.Equal(t, beforeIndex, target.MovementIndex())
		assert.Equal(t, SearchingForNoMovement, target.State())
	}
}

func TestLoad_RejectsMalformedModels(t *testing.T) {
	_, buf := searchingDetector(t)
	valid := buf.String()

	tests := []struct {
		name string
		data string
	}{
		{"not json", "GRT model file"},
		{"wrong format", strings.Replace(valid, ModelFormat, "movement-detector/v0", 1)},
		{"unknown state", strings.Replace(valid, `"state": 1`, `"state": 7`, 1)},
		{"negative dimensions", strings.Replace(valid, `"num_dimensions": 2`, `"num_dimensions": -2`, 1)},
		{"short last sample", strings.Replace(valid, `"num_dimensions": 2`, `"num_dimensions": 3`, 1)},
		{"unknown field", strings.Replace(valid, `"gamma"`, `"alpha": 1, "gamma"`, 1)},
		{"trailing data", valid + "GARBAGE{{{"},
		{"second model", valid + valid},
		{"unknown number string", strings.Replace(valid, `"gamma": 0.7`, `"gamma": "Infinity"`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(DefaultConfig())
			err := d.LoadModel(strings.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrInvalidModel)
			assert.Equal(t, DefaultConfig(), d.Config())
			assert.True(t, d.FirstSample())
		})
	}
}

func TestSaveLoad_NonFiniteIndex(t *testing.T) {
	d := New(Config{NumDimensions: 1, UpperThreshold: 1, LowerThreshold: 0.5, Gamma: 0})
	require.NoError(t, d.Predict([]float64{-math.MaxFloat64}))
	require.NoError(t, d.Predict([]float64{math.MaxFloat64}))
	require.True(t, math.IsInf(d.MovementIndex(), 1))
	require.Equal(t, SearchingForNoMovement, d.State())

	var buf bytes.Buffer
	require.NoError(t, d.SaveModel(&buf))
	assert.Contains(t, buf.String(), `"movement_index": "+Inf"`)

	restored := New(DefaultConfig())
	require.NoError(t, restored.LoadModel(bytes.NewReader(buf.Bytes())))
	assert.True(t, math.IsInf(restored.MovementIndex(), 1))
	assert.Equal(t, SearchingForNoMovement, restored.State())

	// 0 * Inf
	require.NoError(t, d.Predict([]float64{math.MaxFloat64}))
	require.True(t, math.IsNaN(d.MovementIndex()))

	buf.Reset()
	require.NoError(t, d.SaveModel(&buf))
	require.NoError(t, restored.LoadModel(&buf))
	assert.True(t, math.IsNaN(restored.MovementIndex()))

	assert.Equal(t, d.State(), restored.State())
	assert.False(t, restored.FirstSample())
}

func TestSaveLoad_ExactFloats(t *testing.T) {
	d := New(Config{NumDimensions: 2, UpperThreshold: 1e300, LowerThreshold: -1e-300, Gamma: 0.1 + 0.2})
	require.NoError(t, d.Predict([]float64{0.1, 1.0 / 3}))
	require.NoError(t, d.Predict([]float64{math.SmallestNonzeroFloat64, math.Pi}))

	var buf bytes.Buffer
	require.NoError(t, d.SaveModel(&buf))

	restored := New(DefaultConfig())
	require.NoError(t, restored.LoadModel(&buf))
	assert.Equal(t, d.Config(), restored.Config())
	assert.Equal(t, d.MovementIndex(), restored.MovementIndex())

	require.NoError(t, d.Predict([]float64{2, 2}))
	require.NoError(t, restored.Predict([]float64{2, 2}))
	assert.Equal(t, d.MovementIndex(), restored.MovementIndex())
}

func TestSaveLoadFile(t *testing.T) {
	d, _ := searchingDetector(t)
	path := filepath.Join(t.TempDir(), "model.json")

	require.NoError(t, d.SaveModelToFile(path))

	// No temp files left next to the model
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	restored := New(DefaultConfig())
	require.NoError(t, restored.LoadModelFromFile(path))
	assert.Equal(t, d.Config(), restored.Config())
	assert.Equal(t, d.MovementIndex(), restored.MovementIndex())
	assert.Equal(t, SearchingForNoMovement, restored.State())
}

func TestLoadModelFromFile_Missing(t *testing.T) {
	d := New(DefaultConfig())
	err := d.LoadModelFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	assert.True(t, d.IsTrained())
}
