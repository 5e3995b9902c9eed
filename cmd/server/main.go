// Package main запускает сервис детекции движения по потокам сенсорных отсчетов
// Сервис реализует:
// - HTTP API для приема отсчетов от IoT-устройств
// - Детектор движения на каждое устройство (EMA индекса движения, гистерезис, таймаут поиска покоя)
// - Кэширование отсчетов и хранение моделей детекторов в Redis
// - Экспорт метрик в Prometheus
// - Офлайн прогон файла отсчетов через детектор (команда replay)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"movement-service/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "movement-service",
	Short: "Streaming movement detection for multi-dimensional sensor samples",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return nil
		}
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	flags := rootCmd.PersistentFlags()
	flags.Int("dimensions", 1, "sample dimensionality for new streams (0 = from first sample)")
	flags.Float64("upper-threshold", 1.0, "movement index that enters the moving state")
	flags.Float64("lower-threshold", 0.9, "movement index that returns to the still state")
	flags.Float64("gamma", 0.95, "movement index smoothing factor")
	flags.Duration("search-timeout", 0, "give up waiting for stillness after this long (0 = never)")

	_ = v.BindPFlag("detector.dimensions", flags.Lookup("dimensions"))
	_ = v.BindPFlag("detector.upper_threshold", flags.Lookup("upper-threshold"))
	_ = v.BindPFlag("detector.lower_threshold", flags.Lookup("lower-threshold"))
	_ = v.BindPFlag("detector.gamma", flags.Lookup("gamma"))
	_ = v.BindPFlag("detector.search_timeout", flags.Lookup("search-timeout"))

	rootCmd.AddCommand(serveCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
