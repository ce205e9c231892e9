// Пакет server — HTTP-сервер Attachment Service с graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/handlers"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
)

// Server — HTTP-сервер Attachment Service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Handlers — обработчики, монтируемые в роутер.
type Handlers struct {
	Uploads     *handlers.UploadsHandler
	Attachments *handlers.AttachmentsHandler
	Health      *handlers.HealthHandler
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// authMiddleware — JWT-аутентификация (или DevAuth без JWKS); применяется
// только к /api/v1, health и metrics остаются публичными.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, authMiddleware func(http.Handler) http.Handler) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Публичные endpoints
	router.Get("/health/live", h.Health.Live)
	router.Get("/health/ready", h.Health.Ready)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Защищённые endpoints
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)

		r.Post("/uploads", h.Uploads.Initiate)
		r.Get("/uploads/{session_id}", h.Uploads.GetSession)
		r.Patch("/uploads/{session_id}", h.Uploads.AppendChunk)
		r.Delete("/uploads/{session_id}", h.Uploads.AbortSession)

		r.Get("/attachments/{id}", h.Attachments.GetAttachment)
		r.Get("/attachments/{id}/download", h.Attachments.DownloadAttachment)
		r.Get("/attachments/{id}/thumbnail", h.Attachments.GetThumbnail)
		r.Delete("/attachments/{id}", h.Attachments.DeleteAttachment)

		r.Get("/parents/{parent_id}/attachments", h.Attachments.ListByParent)
		r.Delete("/parents/{parent_id}/attachments", h.Attachments.PurgeParent)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
		// WriteTimeout не задаём: скачивание крупных вложений может
		// длиться дольше любого разумного фиксированного значения
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// из конфигурации.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
