// metrics.go — Prometheus HTTP метрики Upload Module.
// Регистрирует метрики: um_http_requests_total, um_http_request_duration_seconds.
// Бизнес-метрики (um_chunks_received_total, um_conversions_active и др.)
// экспортируются для обновления из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "um_http_requests_total",
			Help: "Общее количество HTTP-запросов к Upload Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "um_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Upload Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// OperationsTotal — общее количество операций загрузки.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "um_operations_total",
			Help: "Общее количество операций загрузки",
		},
		[]string{"operation", "result"},
	)

	// ChunkBytesReceived — суммарный объём принятых чанков.
	ChunkBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "um_chunk_bytes_received_total",
			Help: "Суммарный объём принятых чанков в байтах",
		},
	)

	// ConversionsActive — количество выполняемых заданий конвертации (gauge).
	ConversionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "um_conversions_active",
			Help: "Текущее количество выполняемых заданий конвертации",
		},
	)

	// JobsTotal — общее количество обработанных заданий по исходам.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "um_jobs_total",
			Help: "Общее количество обработанных заданий конвертации",
		},
		[]string{"result"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем идентификаторы на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в пути на плейсхолдеры.
// /api/v1/uploads/{uuid}/chunks/7 → /api/v1/uploads/{id}/chunks/{index}
func normalizePath(path string) string {
	switch {
	case path == "/health/live", path == "/health/ready", path == "/metrics":
		return path
	case path == "/api/v1/uploads":
		return "/api/v1/uploads"
	case path == "/api/v1/queue/jobs":
		return "/api/v1/queue/jobs"
	case strings.HasPrefix(path, "/api/v1/uploads/"):
		rest := path[len("/api/v1/uploads/"):]
		if idx := strings.IndexByte(rest, '/'); idx != -1 {
			switch {
			case strings.HasPrefix(rest[idx:], "/chunks/"):
				return "/api/v1/uploads/{id}/chunks/{index}"
			case rest[idx:] == "/complete":
				return "/api/v1/uploads/{id}/complete"
			case rest[idx:] == "/progress":
				return "/api/v1/uploads/{id}/progress"
			}
			return path
		}
		return "/api/v1/uploads/{id}"
	case strings.HasPrefix(path, "/api/v1/queue/jobs/"):
		rest := path[len("/api/v1/queue/jobs/"):]
		if strings.HasSuffix(rest, "/retry") {
			return "/api/v1/queue/jobs/{id}/retry"
		}
		return "/api/v1/queue/jobs/{id}"
	}
	return path
}
