package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"movement-service/internal/analytics"
	"movement-service/internal/cache"
	"movement-service/internal/config"
	"movement-service/internal/handlers"
	"movement-service/internal/metrics"
)

// RequestIDHeader заголовок с идентификатором запроса
const RequestIDHeader = "X-Request-ID"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP detection service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.Bool("redis", true, "use Redis for sample cache and model snapshots")
	flags.Int("workers", runtime.NumCPU(), "number of async detection workers")

	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = v.BindPFlag("redis.enabled", flags.Lookup("redis"))
	_ = v.BindPFlag("server.worker_count", flags.Lookup("workers"))
}

func serve(cfg *config.Config) error {
	log.Println("Starting Movement Service...")
	log.Printf("Go version: %s", runtime.Version())
	log.Printf("NumCPU: %d", runtime.NumCPU())

	for _, w := range cfg.Warnings() {
		log.Printf("Warning: %s", w)
	}

	// Инициализируем Redis кэш
	redisCache := connectRedis(cfg.Redis)

	opts := []analytics.Option{}
	if redisCache != nil {
		opts = append(opts, analytics.WithModelStore(redisCache))
	}
	defaults := cfg.DetectorDefaults()
	analyzer := analytics.NewAnalyzer(defaults, cfg.Server.BufferSize, opts...)
	analyzer.Start(cfg.Server.WorkerCount)
	log.Printf("Detection engine started with %d workers (dims=%d upper=%.4g lower=%.4g gamma=%.4g timeout=%s)",
		cfg.Server.WorkerCount, defaults.NumDimensions, defaults.UpperThreshold,
		defaults.LowerThreshold, defaults.Gamma, defaults.SearchTimeout)

	handler := handlers.NewHandler(analyzer, redisCache)

	// Настраиваем маршруты
	router := mux.NewRouter()
	handler.Register(router)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go updateMetricsLoop(analyzer)
	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		processDetectionResults(analyzer, redisCache)
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		log.Printf("Endpoints:")
		log.Printf("  POST /samples                  - Submit one sample")
		log.Printf("  POST /samples/batch            - Submit samples in order")
		log.Printf("  POST /samples/async            - Queue a sample for workers")
		log.Printf("  GET  /samples/latest           - Latest cached samples")
		log.Printf("  GET  /detectors                - All stream detectors")
		log.Printf("  GET  /detectors/{id}           - One stream detector")
		log.Printf("  POST /detectors/{id}/reset     - Reset a detector")
		log.Printf("  POST /detectors/{id}/snapshot  - Save detector model")
		log.Printf("  POST /detectors/{id}/restore   - Load detector model")
		log.Printf("  GET  /health                   - Health check")
		log.Printf("  GET  /stats                    - Service statistics")
		log.Printf("  GET  /prometheus               - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		log.Printf("Server error: %v", err)
	}
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Stop закрывает канал результатов, ждем обработки оставшихся
	analyzer.Stop()
	<-resultsDone

	if redisCache != nil {
		if err := analyzer.SnapshotAll(ctx); err != nil {
			log.Printf("Failed to snapshot detectors: %v", err)
		}
		redisCache.Close()
	}

	log.Println("Server stopped")
	return nil
}

// connectRedis подключается к Redis с повторами, nil если Redis выключен или недоступен
func connectRedis(cfg config.RedisConfig) *cache.RedisCache {
	if !cfg.Enabled {
		log.Println("Redis disabled, running without cache")
		return nil
	}

	var err error
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var redisCache *cache.RedisCache
		redisCache, err = cache.NewRedisCache(ctx, cfg.Addr, cfg.Password, cfg.DB)
		cancel()
		if err == nil {
			log.Printf("Connected to Redis at %s", cfg.Addr)
			return redisCache
		}
		log.Printf("Redis connection attempt %d failed: %v", i+1, err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	log.Printf("Warning: Failed to connect to Redis, running without cache: %v", err)
	return nil
}

// requestIDMiddleware проставляет идентификатор запроса
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %s", r.Header.Get(RequestIDHeader), r.Method, r.URL.Path, time.Since(start))
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(analyzer *analytics.Analyzer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		metrics.ActiveStreams.Set(float64(analyzer.GetStats().Streams))
		metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
	}
}

// processDetectionResults обрабатывает результаты асинхронной детекции до закрытия канала
func processDetectionResults(analyzer *analytics.Analyzer, redisCache *cache.RedisCache) {
	for result := range analyzer.GetResults() {
		metrics.UpdateDetectionMetrics(result)
		if redisCache != nil {
			if err := redisCache.CacheResult(context.Background(), result); err != nil {
				metrics.CacheErrors.Inc()
			}
		}
		if result.Event != "" {
			log.Printf("Detector event %s on %s: index %.4f, state %s",
				result.Event, result.DeviceID, result.MovementIndex, result.StateName)
		}
	}
}
