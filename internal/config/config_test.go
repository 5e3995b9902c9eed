package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movement-service/internal/detector"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10000, cfg.Server.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, detector.DefaultConfig(), cfg.DetectorDefaults())
	assert.Empty(t, cfg.Warnings())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("MOVEMENT_SERVER_ADDR", ":9090")
	t.Setenv("MOVEMENT_DETECTOR_DIMENSIONS", "3")
	t.Setenv("MOVEMENT_DETECTOR_GAMMA", "0.8")
	t.Setenv("MOVEMENT_DETECTOR_SEARCH_TIMEOUT", "2s")
	t.Setenv("MOVEMENT_REDIS_ENABLED", "false")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, detector.Config{
		NumDimensions:  3,
		UpperThreshold: 1.0,
		LowerThreshold: 0.9,
		Gamma:          0.8,
		SearchTimeout:  2 * time.Second,
	}, cfg.DetectorDefaults())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero workers", func(c *Config) { c.Server.WorkerCount = 0 }},
		{"zero buffer", func(c *Config) { c.Server.BufferSize = 0 }},
		{"negative redis db", func(c *Config) { c.Redis.DB = -1 }},
		{"negative dimensions", func(c *Config) { c.Detector.Dimensions = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWarnings_DegenerateDetectorAccepted(t *testing.T) {
	v := New()
	v.Set("detector.upper_threshold", 0.5)
	v.Set("detector.lower_threshold", 0.9)
	v.Set("detector.gamma", 1.5)
	v.Set("detector.search_timeout", -time.Second)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Len(t, cfg.Warnings(), 3)
}
