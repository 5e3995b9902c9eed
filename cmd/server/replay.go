package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"movement-service/internal/config"
	"movement-service/internal/detector"
	"movement-service/internal/models"
	"movement-service/internal/timeutil"
)

// replayOptions параметры офлайн прогона
type replayOptions struct {
	Defaults detector.Config
	LoadPath string
	SavePath string
}

// replaySummary итог прогона
type replaySummary struct {
	Samples  int
	Rejected int
	Events   map[string]int
	Final    detector.State
	Index    float64
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a JSON-lines file of samples through a single detector",
	Long: `Replay reads one JSON sample per line ({"timestamp": ..., "values": [...]})
and prints every detector transition. Sample timestamps drive the search timer,
so a recorded session replays with its original timing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		input, _ := cmd.Flags().GetString("input")
		opts := replayOptions{Defaults: cfg.DetectorDefaults()}
		opts.LoadPath, _ = cmd.Flags().GetString("load")
		opts.SavePath, _ = cmd.Flags().GetString("save")

		var r io.Reader = os.Stdin
		if input != "" && input != "-" {
			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			r = f
		}

		summary, err := runReplay(r, cmd.OutOrStdout(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "samples=%d rejected=%d movement=%d no_movement=%d timeout=%d final_state=%s index=%.6f\n",
			summary.Samples, summary.Rejected,
			summary.Events[models.EventMovement], summary.Events[models.EventNoMovement],
			summary.Events[models.EventTimeout], summary.Final, summary.Index)
		return nil
	},
}

func init() {
	flags := replayCmd.Flags()
	flags.StringP("input", "i", "-", "JSON-lines samples file (- for stdin)")
	flags.String("load", "", "load a detector model before replaying")
	flags.String("save", "", "save the detector model after replaying")
}

// runReplay прогоняет отсчеты из r через один детектор и пишет переходы в w
func runReplay(r io.Reader, w io.Writer, opts replayOptions) (replaySummary, error) {
	summary := replaySummary{Events: make(map[string]int)}
	clock := timeutil.NewMockClock(time.Unix(0, 0).UTC())
	var det *detector.MovementDetector
	// Сдвиг между временем записи и часами детектора. Задается по первой метке времени
	var offset time.Duration
	anchored := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var s models.Sample
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			return summary, fmt.Errorf("line %d: invalid sample: %w", line, err)
		}
		if !s.Timestamp.IsZero() {
			if !anchored {
				anchored = true
				// Отсчеты без меток уже прошли: продолжаем с текущего времени часов без скачка
				if det != nil {
					offset = s.Timestamp.Sub(clock.Now())
				}
			}
			clock.Set(s.Timestamp.Add(-offset))
		}

		// Детектор создается по первому отсчету, чтобы таймер модели шел по времени записи
		if det == nil {
			var err error
			if det, err = newReplayDetector(opts, len(s.Values), clock); err != nil {
				return summary, err
			}
		}

		prev := det.State()
		if err := det.Predict(s.Values); err != nil {
			summary.Rejected++
			fmt.Fprintf(w, "%d\trejected\t%v\n", line, err)
			continue
		}
		summary.Samples++

		event := ""
		switch {
		case det.MovementDetected():
			event = models.EventMovement
		case det.NoMovementDetected():
			event = models.EventNoMovement
		case prev != detector.SearchTimeout && det.State() == detector.SearchTimeout:
			event = models.EventTimeout
		}
		if event != "" {
			summary.Events[event]++
			fmt.Fprintf(w, "%d\t%s\t%.6f\t%s\n", line, event, det.MovementIndex(), det.State())
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read samples: %w", err)
	}

	if det == nil {
		var err error
		if det, err = newReplayDetector(opts, 0, clock); err != nil {
			return summary, err
		}
	}
	summary.Final = det.State()
	summary.Index = det.MovementIndex()

	if opts.SavePath != "" {
		if err := det.SaveModelToFile(opts.SavePath); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func newReplayDetector(opts replayOptions, dims int, clock timeutil.Clock) (*detector.MovementDetector, error) {
	cfg := opts.Defaults
	if cfg.NumDimensions == 0 {
		cfg.NumDimensions = dims
	}
	det := detector.New(cfg, detector.WithClock(clock))
	if opts.LoadPath != "" {
		if err := det.LoadModelFromFile(opts.LoadPath); err != nil {
			return nil, err
		}
	}
	return det, nil
}
