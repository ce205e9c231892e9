// thumbnail.go — фоновая генерация миниатюр изображений.
//
// Задачи выполняются пулом воркеров, ограниченным weighted-семафором:
// генерация не конкурирует с приёмом загрузок за CPU. Любая ошибка
// генерации логируется и не влияет на судьбу вложения — оно остаётся
// доступным без миниатюры.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	// Декодеры форматов из списка разрешённых типов
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
)

// ThumbnailService — сервис генерации миниатюр.
type ThumbnailService struct {
	store   *blobstore.BlobStore
	repo    repository.AttachmentRepository
	size    int
	quality int
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewThumbnailService создаёт сервис миниатюр с пулом из poolSize воркеров.
func NewThumbnailService(
	store *blobstore.BlobStore,
	repo repository.AttachmentRepository,
	poolSize, size, quality int,
	logger *slog.Logger,
) *ThumbnailService {
	return &ThumbnailService{
		store:   store,
		repo:    repo,
		size:    size,
		quality: quality,
		sem:     semaphore.NewWeighted(int64(poolSize)),
		logger:  logger.With(slog.String("component", "thumbnail_service")),
	}
}

// Enqueue ставит задачу генерации миниатюры для вложения.
// Не блокирует вызывающего: горутина ждёт свободного воркера в семафоре.
func (t *ThumbnailService) Enqueue(att *model.Attachment) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := t.sem.Acquire(ctx, 1); err != nil {
			middleware.ThumbnailsTotal.WithLabelValues("error").Inc()
			t.logger.Warn("Задача миниатюры отброшена: пул занят",
				slog.String("attachment_id", att.ID),
			)
			return
		}
		defer t.sem.Release(1)

		if err := t.generate(ctx, att); err != nil {
			middleware.ThumbnailsTotal.WithLabelValues("error").Inc()
			t.logger.Warn("Генерация миниатюры не удалась",
				slog.String("attachment_id", att.ID),
				slog.String("mime_type", att.MimeType),
				slog.String("error", err.Error()),
			)
			return
		}
		middleware.ThumbnailsTotal.WithLabelValues("success").Inc()
	}()
}

// Wait дожидается завершения всех запущенных задач. Вызывается при shutdown.
func (t *ThumbnailService) Wait() {
	t.wg.Wait()
}

// generate декодирует исходное изображение, масштабирует до стороны size
// с сохранением пропорций и сохраняет JPEG-миниатюру рядом с оригиналом.
func (t *ThumbnailService) generate(ctx context.Context, att *model.Attachment) error {
	src := t.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	f, err := t.store.Open(src)
	if err != nil {
		return fmt.Errorf("открытие оригинала: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("декодирование изображения: %w", err)
	}

	resized := t.resize(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: t.quality}); err != nil {
		return fmt.Errorf("кодирование JPEG: %w", err)
	}

	thumbRel := t.store.ThumbPath(att.OwnerID, att.ParentID, att.StoredName)
	if _, err := t.store.Write(thumbRel, &buf); err != nil {
		return fmt.Errorf("запись миниатюры: %w", err)
	}

	if err := t.repo.SetThumbnailPath(ctx, att.ID, thumbRel); err != nil {
		// Метаданные не обновились — миниатюра осталась бы сиротой
		_ = t.store.Delete(thumbRel)
		return fmt.Errorf("обновление метаданных: %w", err)
	}

	t.logger.Debug("Миниатюра сгенерирована",
		slog.String("attachment_id", att.ID),
		slog.String("thumbnail_path", thumbRel),
	)
	return nil
}

// resize вписывает изображение в квадрат size x size с сохранением пропорций.
// Изображения меньше целевого размера не увеличиваются.
func (t *ThumbnailService) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= t.size && height <= t.size {
		return img
	}

	ratio := float64(width) / float64(height)
	newWidth := t.size
	newHeight := t.size
	if ratio > 1 {
		newHeight = int(float64(t.size) / ratio)
	} else {
		newWidth = int(float64(t.size) * ratio)
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
