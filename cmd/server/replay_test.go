package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movement-service/internal/detector"
	"movement-service/internal/models"
)

func jsonl(start time.Time, step time.Duration, values ...float64) string {
	var b strings.Builder
	for i, v := range values {
		ts := start.Add(time.Duration(i) * step).Format(time.RFC3339Nano)
		fmt.Fprintf(&b, "{\"timestamp\":%q,\"values\":[%g]}\n", ts, v)
	}
	return b.String()
}

func TestRunReplay_Transitions(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	input := jsonl(start, time.Second, 0, 0, 0, 0, 0, 100, 100, 100)

	var out bytes.Buffer
	summary, err := runReplay(strings.NewReader(input), &out, replayOptions{Defaults: detector.DefaultConfig()})
	require.NoError(t, err)

	assert.Equal(t, 8, summary.Samples)
	assert.Equal(t, 1, summary.Events[models.EventMovement])
	assert.Equal(t, detector.SearchingForNoMovement, summary.Final)
	assert.Contains(t, out.String(), "6\tmovement")
}

func TestRunReplay_TimestampsDriveTimeout(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	cfg := detector.Config{NumDimensions: 1, UpperThreshold: 1, LowerThreshold: 0.5, Gamma: 0, SearchTimeout: 3 * time.Second}
	input := jsonl(start, time.Second, 0, 5, 10, 15, 20, 25)

	var out bytes.Buffer
	summary, err := runReplay(strings.NewReader(input), &out, replayOptions{Defaults: cfg})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Events[models.EventTimeout])
	assert.Equal(t, detector.SearchTimeout, summary.Final)
}

func TestRunReplay_FirstTimestampAfterUntimedLines(t *testing.T) {
	cfg := detector.Config{NumDimensions: 1, UpperThreshold: 1, LowerThreshold: 0.5, Gamma: 0, SearchTimeout: time.Hour}
	input := `{"values":[0]}
{"values":[5]}
{"timestamp":"2024-05-01T09:00:00Z","values":[10]}
{"timestamp":"2024-05-01T09:30:00Z","values":[15]}
`

	var out bytes.Buffer
	summary, err := runReplay(strings.NewReader(input), &out, replayOptions{Defaults: cfg})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Events[models.EventTimeout])
	assert.Equal(t, detector.SearchingForNoMovement, summary.Final)

	// The search timer runs from the first timestamp
	input += `{"timestamp":"2024-05-01T10:00:00Z","values":[20]}
`
	summary, err = runReplay(strings.NewReader(input), &out, replayOptions{Defaults: cfg})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events[models.EventTimeout])
	assert.Contains(t, out.String(), "5\ttimeout")
}

func TestRunReplay_SaveThenLoadContinues(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.json")
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	_, err := runReplay(strings.NewReader(jsonl(start, time.Second, 0, 100)), &out, replayOptions{
		Defaults: detector.DefaultConfig(),
		SavePath: model,
	})
	require.NoError(t, err)

	// Stream continues after load: 100 -> 100 is not a first sample
	summary, err := runReplay(strings.NewReader(jsonl(start.Add(2*time.Second), time.Second, 100)), &out, replayOptions{
		Defaults: detector.DefaultConfig(),
		LoadPath: model,
	})
	require.NoError(t, err)
	assert.Equal(t, detector.SearchingForNoMovement, summary.Final)
	assert.InDelta(t, 0.95*5, summary.Index, 1e-9)
}

func TestRunReplay_AutoDimensionsAndRejects(t *testing.T) {
	cfg := detector.DefaultConfig()
	cfg.NumDimensions = 0
	input := "{\"values\":[1,2,3]}\n\n{\"values\":[1,2]}\n{\"values\":[1,2,3]}\n"

	var out bytes.Buffer
	summary, err := runReplay(strings.NewReader(input), &out, replayOptions{Defaults: cfg})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Samples)
	assert.Equal(t, 1, summary.Rejected)
	assert.Contains(t, out.String(), "3\trejected")
}

func TestRunReplay_InvalidLine(t *testing.T) {
	_, err := runReplay(strings.NewReader("{\"values\":[1]}\nnot json\n"), &bytes.Buffer{}, replayOptions{Defaults: detector.DefaultConfig()})
	assert.ErrorContains(t, err, "line 2")
}
