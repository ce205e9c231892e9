// Точка входа Attachment Service — сервиса хранения вложений TaskDesk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/handlers"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/database"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/server"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/service"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/session"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/sniff"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Attachment Service запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Int64("max_file_size", cfg.MaxFileSize),
		slog.Int64("direct_threshold", cfg.DirectThreshold),
	)

	// --- Инициализация компонентов ---

	ctx := context.Background()

	// 1. Миграции и пул соединений PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Блоб-хранилище
	store, err := blobstore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Валидатор содержимого
	validator := sniff.New(cfg.MaxFileSize, cfg.AllowedTypes)

	// 4. Репозиторий метаданных
	repo := repository.NewAttachmentRepository(pool)

	// 5. Сервисы
	thumbSvc := service.NewThumbnailService(store, repo,
		cfg.WorkerPoolSize, cfg.ThumbnailSize, cfg.ThumbnailQuality, logger)
	downloadSvc := service.NewDownloadService(store, repo, logger)
	cleanupSvc := service.NewCleanupService(store, repo, cfg.OrphanSweepInterval, logger)

	// 6. Реестр upload-сессий: callback истечения задаёт upload-сервис,
	// поэтому реестр создаётся с отложенной привязкой
	var uploadSvc *service.UploadService
	registry := session.NewRegistry(logger, func(s *session.UploadSession) {
		uploadSvc.OnSessionExpire(s)
	})
	uploadSvc = service.NewUploadService(cfg, store, validator, registry, repo, thumbSvc, logger)

	// 7. Фоновые процессы
	registry.StartSweeper(ctx, cfg.SessionSweepInterval)
	cleanupSvc.Start(ctx)

	// 8. Аутентификация: JWKS либо dev-режим
	var authMw func(http.Handler) http.Handler
	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(cfg.JWKSUrl, 5*time.Minute, 30*time.Second, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT-аутентификации", slog.String("error", err.Error()))
			os.Exit(1)
		}
		authMw = jwtAuth.Middleware()
	} else {
		authMw = middleware.DevAuth(logger)
	}

	// 9. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Uploads:     handlers.NewUploadsHandler(uploadSvc),
		Attachments: handlers.NewAttachmentsHandler(downloadSvc, cleanupSvc),
		Health:      handlers.NewHealthHandler(pool),
	}, authMw)

	// Run блокирует до сигнала завершения
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Остановка фоновых процессов и ожидание задач миниатюр
	registry.StopSweeper()
	cleanupSvc.Stop()
	thumbSvc.Wait()

	logger.Info("Attachment Service остановлен")
}
