// metrics.go — Prometheus HTTP метрики для Attachment Service.
// Регистрирует метрики: att_http_requests_total, att_http_request_duration_seconds.
// Бизнес-метрики (загрузки, сессии, миниатюры) экспортируются для обновления
// из сервисного слоя.
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
			Name: "att_http_requests_total",
			Help: "Общее количество HTTP-запросов к Attachment Service",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "att_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Attachment Service в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// UploadsTotal — завершённые загрузки по стратегии и результату.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "att_uploads_total",
			Help: "Количество загрузок по стратегии (direct, resumable) и результату",
		},
		[]string{"strategy", "result"},
	)

	// SessionsExpiredTotal — количество сессий, истёкших по TTL.
	SessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "att_sessions_expired_total",
			Help: "Количество upload-сессий, истёкших по TTL",
		},
	)

	// SessionsActive — текущее количество активных upload-сессий (gauge).
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "att_sessions_active",
			Help: "Текущее количество активных upload-сессий",
		},
	)

	// ThumbnailsTotal — сгенерированные миниатюры по результату.
	ThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "att_thumbnails_total",
			Help: "Количество задач генерации миниатюр по результату",
		},
		[]string{"result"},
	)

	// OrphansRemovedTotal — файлы, удалённые сверкой хранилища с метаданными.
	OrphansRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "att_orphans_removed_total",
			Help: "Количество файлов-сирот, удалённых фоновой сверкой",
		},
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

// normalizePath заменяет переменные сегменты пути на плейсхолдеры
// для предотвращения взрывного роста кардинальности метрик.
// /api/v1/attachments/a1b2.../download → /api/v1/attachments/{id}/download
func normalizePath(path string) string {
	switch {
	case path == "/health/live", path == "/health/ready", path == "/metrics":
		return path
	case path == "/api/v1/uploads":
		return "/api/v1/uploads"
	case strings.HasPrefix(path, "/api/v1/uploads/"):
		return "/api/v1/uploads/{session_id}"
	case path == "/api/v1/attachments":
		return "/api/v1/attachments"
	case strings.HasPrefix(path, "/api/v1/attachments/"):
		suffix := path[len("/api/v1/attachments/"):]
		if strings.HasSuffix(suffix, "/download") {
			return "/api/v1/attachments/{id}/download"
		}
		if strings.HasSuffix(suffix, "/thumbnail") {
			return "/api/v1/attachments/{id}/thumbnail"
		}
		return "/api/v1/attachments/{id}"
	case strings.HasPrefix(path, "/api/v1/parents/"):
		return "/api/v1/parents/{parent_id}/attachments"
	}
	return path
}
