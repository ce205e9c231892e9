// download.go — сервис чтения метаданных и отдачи содержимого вложений.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
)

// DownloadService — сервис отдачи вложений и миниатюр.
type DownloadService struct {
	store  *blobstore.BlobStore
	repo   repository.AttachmentRepository
	logger *slog.Logger
}

// NewDownloadService создаёт сервис отдачи вложений.
func NewDownloadService(
	store *blobstore.BlobStore,
	repo repository.AttachmentRepository,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		store:  store,
		repo:   repo,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// Get возвращает метаданные вложения владельца.
// Чужое вложение неотличимо от несуществующего: в обоих случаях NOT_FOUND.
func (s *DownloadService) Get(ctx context.Context, ownerID, attachmentID string) (*model.Attachment, *Error) {
	att, err := s.repo.FindByIDAndOwner(ctx, attachmentID, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errNotFound(fmt.Sprintf("Вложение %s не найдено", attachmentID))
		}
		s.logger.Error("Ошибка чтения метаданных вложения",
			slog.String("attachment_id", attachmentID),
			slog.String("error", err.Error()),
		)
		return nil, errInternal("Не удалось получить метаданные вложения")
	}
	return att, nil
}

// List возвращает вложения родительской сущности владельца.
func (s *DownloadService) List(ctx context.Context, ownerID, parentID string) ([]*model.Attachment, *Error) {
	if !blobstore.ValidSegment(parentID) {
		return nil, errValidation("Недопустимый parent_id: %q", parentID)
	}
	atts, err := s.repo.ListByParent(ctx, parentID, ownerID)
	if err != nil {
		s.logger.Error("Ошибка списка вложений",
			slog.String("parent_id", parentID),
			slog.String("error", err.Error()),
		)
		return nil, errInternal("Не удалось получить список вложений")
	}
	return atts, nil
}

// Serve отдаёт содержимое вложения через http.ServeContent.
// Поддерживает Range requests (206 Partial Content) и ETag (If-None-Match).
// Тип содержимого — тот, что был определён по магическим байтам при загрузке.
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, ownerID, attachmentID string) *Error {
	att, svcErr := s.Get(r.Context(), ownerID, attachmentID)
	if svcErr != nil {
		return svcErr
	}

	rel := s.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	file, err := s.store.Open(rel)
	if err != nil {
		s.logger.Error("Файл вложения не найден на диске",
			slog.String("attachment_id", attachmentID),
			slog.String("error", err.Error()),
		)
		return errNotFound(fmt.Sprintf("Вложение %s не найдено", attachmentID))
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return errInternal("Ошибка чтения файла")
	}

	// inline — только для типов, безопасных к показу в браузере
	disposition := "attachment"
	if att.IsPreviewable() {
		disposition = "inline"
	}

	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, att.DisplayName))
	w.Header().Set("ETag", fmt.Sprintf("%q", att.Checksum))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Accept-Ranges", "bytes")

	// http.ServeContent обрабатывает Range, If-None-Match, Content-Length
	http.ServeContent(w, r, att.DisplayName, stat.ModTime(), file)

	s.logger.Debug("Вложение отдано",
		slog.String("attachment_id", attachmentID),
		slog.Int64("size_bytes", att.SizeBytes),
	)
	return nil
}

// ServeThumbnail отдаёт JPEG-миниатюру вложения.
// Для вложений без миниатюры (не изображение, генерация не удалась или
// ещё не завершилась) — NOT_FOUND.
func (s *DownloadService) ServeThumbnail(w http.ResponseWriter, r *http.Request, ownerID, attachmentID string) *Error {
	att, svcErr := s.Get(r.Context(), ownerID, attachmentID)
	if svcErr != nil {
		return svcErr
	}

	if !att.HasThumbnail {
		return errNotFound(fmt.Sprintf("Миниатюра вложения %s отсутствует", attachmentID))
	}

	file, err := s.store.Open(att.ThumbnailPath)
	if err != nil {
		s.logger.Error("Файл миниатюры не найден на диске",
			slog.String("attachment_id", attachmentID),
			slog.String("error", err.Error()),
		)
		return errNotFound(fmt.Sprintf("Миниатюра вложения %s отсутствует", attachmentID))
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return errInternal("Ошибка чтения миниатюры")
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, att.StoredName+".jpg", stat.ModTime(), file)
	return nil
}
