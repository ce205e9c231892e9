// cleanup.go — удаление вложений и фоновая сверка хранилища с метаданными.
//
// Каскадное удаление: метаданные удаляются транзакционно, файлы и миниатюры
// — вслед за ними, best-effort. Недоудалённые файлы подбирает фоновая
// сверка (orphan sweep): файл без записи метаданных старше порога
// считается сиротой и удаляется.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
)

// Prometheus метрики сверки
var (
	// sweepRunsTotal — количество запусков сверки.
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "att_orphan_sweep_runs_total",
		Help: "Общее количество запусков сверки хранилища с метаданными",
	})

	// sweepDurationSeconds — длительность выполнения сверки.
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "att_orphan_sweep_duration_seconds",
		Help:    "Длительность сверки хранилища с метаданными в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// orphanMinAge — минимальный возраст файла для признания сиротой.
// Защищает файлы, перенесённые на постоянный адрес за мгновение до
// записи метаданных.
const orphanMinAge = time.Hour

// CleanupService — сервис удаления вложений и сверки хранилища.
type CleanupService struct {
	store    *blobstore.BlobStore
	repo     repository.AttachmentRepository
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска SweepOnce
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCleanupService создаёт сервис удаления и сверки.
func NewCleanupService(
	store *blobstore.BlobStore,
	repo repository.AttachmentRepository,
	interval time.Duration,
	logger *slog.Logger,
) *CleanupService {
	return &CleanupService{
		store:    store,
		repo:     repo,
		interval: interval,
		logger:   logger.With(slog.String("component", "cleanup_service")),
	}
}

// DeleteAttachment удаляет вложение владельца: метаданные, файл, миниатюру.
// Чужое вложение неотличимо от несуществующего.
func (s *CleanupService) DeleteAttachment(ctx context.Context, ownerID, attachmentID string) *Error {
	att, err := s.repo.FindByIDAndOwner(ctx, attachmentID, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errNotFound(fmt.Sprintf("Вложение %s не найдено", attachmentID))
		}
		return errInternal("Не удалось получить метаданные вложения")
	}

	if err := s.repo.Delete(ctx, attachmentID, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errNotFound(fmt.Sprintf("Вложение %s не найдено", attachmentID))
		}
		s.logger.Error("Ошибка удаления метаданных вложения",
			slog.String("attachment_id", attachmentID),
			slog.String("error", err.Error()),
		)
		return errInternal("Не удалось удалить вложение")
	}

	// Файлы удаляются вслед за метаданными; неудачу подберёт сверка
	s.removeBlobs(att)

	s.logger.Info("Вложение удалено",
		slog.String("attachment_id", attachmentID),
		slog.String("parent_id", att.ParentID),
	)
	return nil
}

// PurgeParent каскадно удаляет все вложения родительской сущности владельца.
// Вызывается при удалении задачи. Возвращает количество удалённых вложений.
// Отсутствие вложений — не ошибка: операция идемпотентна.
func (s *CleanupService) PurgeParent(ctx context.Context, ownerID, parentID string) (int, *Error) {
	if !blobstore.ValidSegment(parentID) {
		return 0, errValidation("Недопустимый parent_id: %q", parentID)
	}

	deleted, err := s.repo.DeleteByParent(ctx, parentID, ownerID)
	if err != nil {
		s.logger.Error("Ошибка каскадного удаления вложений",
			slog.String("parent_id", parentID),
			slog.String("error", err.Error()),
		)
		return 0, errInternal("Не удалось удалить вложения")
	}

	for _, att := range deleted {
		s.removeBlobs(att)
	}

	s.logger.Info("Вложения родительской сущности удалены",
		slog.String("parent_id", parentID),
		slog.Int("count", len(deleted)),
	)
	return len(deleted), nil
}

// removeBlobs удаляет файл и миниатюру вложения. Best-effort: ошибки
// логируются, оставшиеся файлы считаются сиротами для сверки.
func (s *CleanupService) removeBlobs(att *model.Attachment) {
	rel := s.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	if err := s.store.Delete(rel); err != nil {
		s.logger.Warn("Файл вложения не удалён, будет подобран сверкой",
			slog.String("attachment_id", att.ID),
			slog.String("error", err.Error()),
		)
	}
	if att.HasThumbnail {
		if err := s.store.Delete(att.ThumbnailPath); err != nil {
			s.logger.Warn("Миниатюра не удалена, будет подобрана сверкой",
				slog.String("attachment_id", att.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Start запускает фоновую сверку с периодическим тикером.
func (s *CleanupService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Сверка хранилища запущена",
		slog.Duration("interval", s.interval),
	)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("Ошибка сверки хранилища",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую сверку и дожидается завершения горутины.
func (s *CleanupService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Сверка хранилища остановлена")
}

// SweepOnce выполняет один проход сверки: обходит файлы на диске и
// удаляет те, на которые не ссылается ни одна запись метаданных.
// Возвращает количество удалённых файлов-сирот.
func (s *CleanupService) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	sweepRunsTotal.Inc()

	atts, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("чтение метаданных для сверки: %w", err)
	}

	// Ожидаемые пути: оригиналы и миниатюры
	expected := make(map[string]bool, len(atts)*2)
	for _, att := range atts {
		expected[s.store.Path(att.OwnerID, att.ParentID, att.StoredName)] = true
		if att.HasThumbnail {
			expected[att.ThumbnailPath] = true
		}
	}

	removed := 0
	walkErr := s.store.Walk(func(rel string) error {
		if expected[rel] {
			return nil
		}

		// Свежие файлы пропускаем: метаданные могут догнать
		info, err := os.Stat(s.store.FullPath(rel))
		if err != nil {
			return nil
		}
		if time.Since(info.ModTime()) < orphanMinAge {
			return nil
		}

		if err := s.store.Delete(rel); err != nil {
			s.logger.Warn("Файл-сирота не удалён",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			return nil
		}
		removed++
		middleware.OrphansRemovedTotal.Inc()
		s.logger.Info("Удалён файл-сирота", slog.String("path", rel))
		return nil
	})

	duration := time.Since(start)
	sweepDurationSeconds.Observe(duration.Seconds())

	if walkErr != nil {
		return removed, fmt.Errorf("обход хранилища: %w", walkErr)
	}

	s.logger.Debug("Сверка хранилища завершена",
		slog.Int("orphans_removed", removed),
		slog.Duration("duration", duration),
	)
	return removed, nil
}
