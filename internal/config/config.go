// Package config загружает конфигурацию сервиса из переменных окружения, файла и флагов
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"movement-service/internal/detector"
)

// EnvPrefix префикс переменных окружения: MOVEMENT_SERVER_ADDR, MOVEMENT_DETECTOR_GAMMA и т.д.
const EnvPrefix = "MOVEMENT"

// Config содержит конфигурацию сервиса
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Detector DetectorConfig `mapstructure:"detector"`
}

// ServerConfig настройки HTTP сервера и воркеров
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	WorkerCount  int           `mapstructure:"worker_count"`
	BufferSize   int           `mapstructure:"buffer_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RedisConfig настройки подключения к Redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// DetectorConfig параметры детектора по умолчанию для новых потоков.
// Dimensions = 0 означает размерность по первому отсчету потока
type DetectorConfig struct {
	Dimensions     int           `mapstructure:"dimensions"`
	UpperThreshold float64       `mapstructure:"upper_threshold"`
	LowerThreshold float64       `mapstructure:"lower_threshold"`
	Gamma          float64       `mapstructure:"gamma"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
}

// New создает viper с значениями по умолчанию и чтением окружения
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults задает значения по умолчанию для всех ключей
func SetDefaults(v *viper.Viper) {
	d := detector.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.worker_count", runtime.NumCPU())
	v.SetDefault("server.buffer_size", 10000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	v.SetDefault("detector.dimensions", d.NumDimensions)
	v.SetDefault("detector.upper_threshold", d.UpperThreshold)
	v.SetDefault("detector.lower_threshold", d.LowerThreshold)
	v.SetDefault("detector.gamma", d.Gamma)
	v.SetDefault("detector.search_timeout", d.SearchTimeout)
}

// Load читает конфигурацию из v и проверяет ее
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет настройки сервиса. Параметры детектора не отклоняются, см. Warnings
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.WorkerCount < 1 {
		return fmt.Errorf("invalid worker count: %d (must be positive)", c.Server.WorkerCount)
	}
	if c.Server.BufferSize < 1 {
		return fmt.Errorf("invalid buffer size: %d (must be positive)", c.Server.BufferSize)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis db: %d", c.Redis.DB)
	}
	if c.Detector.Dimensions < 0 {
		return fmt.Errorf("invalid detector dimensions: %d", c.Detector.Dimensions)
	}
	return nil
}

// Warnings возвращает предупреждения о вырожденных параметрах детектора
func (c *Config) Warnings() []string {
	var warnings []string
	d := c.Detector
	if d.UpperThreshold < d.LowerThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"upper threshold %.4g is below lower threshold %.4g, hysteresis is degenerate",
			d.UpperThreshold, d.LowerThreshold))
	}
	if d.Gamma < 0 || d.Gamma > 1 {
		warnings = append(warnings, fmt.Sprintf("gamma %.4g is outside [0, 1]", d.Gamma))
	}
	if d.SearchTimeout < 0 {
		warnings = append(warnings, fmt.Sprintf("negative search timeout %s disables the timeout", d.SearchTimeout))
	}
	return warnings
}

// DetectorDefaults возвращает конфигурацию детектора для новых потоков
func (c *Config) DetectorDefaults() detector.Config {
	return detector.Config{
		NumDimensions:  c.Detector.Dimensions,
		UpperThreshold: c.Detector.UpperThreshold,
		LowerThreshold: c.Detector.LowerThreshold,
		Gamma:          c.Detector.Gamma,
		SearchTimeout:  c.Detector.SearchTimeout,
	}
}
