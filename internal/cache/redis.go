// Package cache реализует кэширование отсчетов и хранение моделей детекторов в Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"movement-service/internal/analytics"
	"movement-service/internal/models"
)

const (
	// SampleKeyPrefix префикс для ключей отсчетов
	SampleKeyPrefix = "sample:"
	// LatestSamplesKey ключ списка последних отсчетов
	LatestSamplesKey = "samples:latest"
	// ResultKeyPrefix префикс для результатов детекции
	ResultKeyPrefix = "result:"
	// ModelKeyPrefix префикс для моделей детекторов
	ModelKeyPrefix = "model:"
	// TotalSamplesKey счетчик обработанных отсчетов
	TotalSamplesKey = "samples:total"
	// RejectedSamplesKey счетчик отклоненных детектором отсчетов
	RejectedSamplesKey = "samples:rejected"
	// EventCounterPrefix префикс счетчиков событий детектора
	EventCounterPrefix = "events:"
	// LatestSamplesLimit сколько отсчетов хранится в списке последних
	LatestSamplesLimit = 1000
	// ResultTTL время жизни результата детекции
	ResultTTL = 5 * time.Minute
	// SampleTTL время жизни отсчета
	SampleTTL = 1 * time.Hour
)

// RedisCache реализует кэширование в Redis
type RedisCache struct {
	client *redis.Client
}

var _ analytics.ModelStore = (*RedisCache)(nil)

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewFromClient оборачивает готовый клиент
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// CacheSample сохраняет отсчет в Redis
func (r *RedisCache) CacheSample(ctx context.Context, s models.Sample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := fmt.Sprintf("%s%s:%d", SampleKeyPrefix, s.DeviceID, s.Timestamp.UnixNano())

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, SampleTTL)
	pipe.LPush(ctx, LatestSamplesKey, data)
	pipe.LTrim(ctx, LatestSamplesKey, 0, LatestSamplesLimit-1)
	pipe.Incr(ctx, TotalSamplesKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache sample: %w", err)
	}
	return nil
}

// GetLatestSamples возвращает последние count отсчетов
func (r *RedisCache) GetLatestSamples(ctx context.Context, count int64) ([]models.Sample, error) {
	data, err := r.client.LRange(ctx, LatestSamplesKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest samples: %w", err)
	}

	samples := make([]models.Sample, 0, len(data))
	for _, d := range data {
		var s models.Sample
		if err := json.Unmarshal([]byte(d), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// CacheResult сохраняет результат детекции и считает события
func (r *RedisCache) CacheResult(ctx context.Context, result models.DetectionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal detection result: %w", err)
	}

	key := fmt.Sprintf("%s%s:%d", ResultKeyPrefix, result.DeviceID, result.Timestamp.UnixNano())

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, ResultTTL)
	if result.Event != "" {
		pipe.Incr(ctx, EventCounterPrefix+result.Event)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache detection result: %w", err)
	}
	return nil
}

// SaveModel сохраняет сериализованную модель детектора без TTL
func (r *RedisCache) SaveModel(ctx context.Context, deviceID string, data []byte) error {
	if err := r.client.Set(ctx, ModelKeyPrefix+deviceID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save model for %s: %w: %w", deviceID, analytics.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadModel возвращает модель детектора или analytics.ErrModelNotFound
func (r *RedisCache) LoadModel(ctx context.Context, deviceID string) ([]byte, error) {
	data, err := r.client.Get(ctx, ModelKeyPrefix+deviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", analytics.ErrModelNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model for %s: %w: %w", deviceID, analytics.ErrStoreUnavailable, err)
	}
	return data, nil
}

// IncrementCounter увеличивает счетчик
func (r *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
