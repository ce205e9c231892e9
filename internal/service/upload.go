// upload.go — координатор загрузки вложений.
//
// Две стратегии загрузки:
//   - прямая: размер <= DirectThreshold, файл принимается целиком в одном
//     multipart-запросе и сразу финализируется;
//   - возобновляемая: создаётся сессия, chunks принимаются последовательно
//     через PATCH, финализация срабатывает при достижении заявленного размера.
//
// Финализация общая для обеих стратегий: валидация содержимого по магическим
// байтам, атомарный перенос на постоянный адрес (с retry), запись метаданных,
// постановка задачи генерации миниатюры.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	apierrors "github.com/arturkryukov/taskdesk/attachment-service/internal/api/errors"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/session"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/sniff"
)

// InitiateParams — параметры инициации загрузки.
type InitiateParams struct {
	// OwnerID — идентификатор владельца (sub из JWT)
	OwnerID string
	// ParentID — идентификатор родительской сущности (задачи)
	ParentID string
	// DisplayName — отображаемое имя файла, задаётся клиентом
	DisplayName string
	// DeclaredSize — заявленный размер файла в байтах
	DeclaredSize int64
	// File — поток данных файла (только для прямой загрузки)
	File io.Reader
	// HasFile — присутствует ли файл в запросе
	HasFile bool
}

// InitiateResult — результат инициации загрузки.
// Для прямой стратегии заполнен Attachment, для возобновляемой — Session.
type InitiateResult struct {
	Attachment *model.Attachment
	Session    *session.UploadSession
}

// ChunkResult — результат приёма chunk.
type ChunkResult struct {
	// ReceivedOffset — подтверждённое смещение после записи chunk
	ReceivedOffset int64
	// State — состояние сессии после приёма
	State session.State
	// Attachment — заполнен, если chunk завершил загрузку
	Attachment *model.Attachment
}

// UploadService — координатор загрузки вложений.
type UploadService struct {
	cfg       *config.Config
	store     *blobstore.BlobStore
	validator *sniff.Validator
	registry  *session.Registry
	repo      repository.AttachmentRepository
	thumbs    *ThumbnailService
	logger    *slog.Logger
}

// NewUploadService создаёт координатор загрузки.
func NewUploadService(
	cfg *config.Config,
	store *blobstore.BlobStore,
	validator *sniff.Validator,
	registry *session.Registry,
	repo repository.AttachmentRepository,
	thumbs *ThumbnailService,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:       cfg,
		store:     store,
		validator: validator,
		registry:  registry,
		repo:      repo,
		thumbs:    thumbs,
		logger:    logger.With(slog.String("component", "upload_service")),
	}
}

// Initiate начинает загрузку вложения.
//
// Поток:
//  1. Валидация parent_id, display_name, заявленного размера
//  2. Выбор стратегии по порогу DirectThreshold
//  3. Прямая: приём байт + немедленная финализация
//  4. Возобновляемая: регистрация сессии, байты придут через AppendChunk
func (s *UploadService) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, *Error) {
	// 1. Валидация входных данных
	if !blobstore.ValidSegment(params.ParentID) {
		return nil, errValidation("Недопустимый parent_id: %q", params.ParentID)
	}
	displayName := sanitizeDisplayName(params.DisplayName)
	if displayName == "" {
		return nil, errValidation("Отображаемое имя файла не задано")
	}
	if err := s.validator.ValidateSize(params.DeclaredSize); err != nil {
		return nil, sniffError(err)
	}

	// 2. Возобновляемая стратегия: размер выше порога
	if params.DeclaredSize > s.cfg.DirectThreshold {
		now := time.Now().UTC()
		sess := &session.UploadSession{
			ID:           uuid.NewString(),
			OwnerID:      params.OwnerID,
			ParentID:     params.ParentID,
			DisplayName:  displayName,
			DeclaredSize: params.DeclaredSize,
			ExpiresAt:    now.Add(s.cfg.SessionTTL),
			State:        session.StateCreated,
			CreatedAt:    now,
		}
		s.registry.Put(sess)
		middleware.SessionsActive.Set(float64(s.registry.Count()))

		s.logger.Info("Создана возобновляемая сессия загрузки",
			slog.String("session_id", sess.ID),
			slog.String("parent_id", sess.ParentID),
			slog.Int64("declared_size", sess.DeclaredSize),
		)
		return &InitiateResult{Session: sess}, nil
	}

	// 3. Прямая стратегия: файл обязателен в этом же запросе
	if !params.HasFile {
		return nil, errValidation("Для файлов размером до %d байт данные передаются в том же запросе", s.cfg.DirectThreshold)
	}

	stagingID := uuid.NewString()
	// LimitReader на байт больше заявленного: лишние байты означают
	// расхождение заявленного и фактического размера
	written, err := s.store.AppendPartial(stagingID, 0, io.LimitReader(params.File, params.DeclaredSize+1))
	if err != nil {
		_ = s.store.DeletePartial(stagingID)
		s.logger.Error("Ошибка приёма файла прямой загрузки", slog.String("error", err.Error()))
		middleware.UploadsTotal.WithLabelValues("direct", "error").Inc()
		return nil, errStorage("Не удалось принять файл")
	}
	if written != params.DeclaredSize {
		_ = s.store.DeletePartial(stagingID)
		middleware.UploadsTotal.WithLabelValues("direct", "rejected").Inc()
		return nil, errValidation("Фактический размер файла %d байт не совпадает с заявленным %d", written, params.DeclaredSize)
	}

	att, svcErr := s.finalizeBlob(ctx, stagingID, params.OwnerID, params.ParentID, displayName, params.DeclaredSize)
	if svcErr != nil {
		if svcErr.StatusCode == http.StatusUnprocessableEntity || svcErr.Code == apierrors.CodeEmptyFile {
			middleware.UploadsTotal.WithLabelValues("direct", "rejected").Inc()
		} else {
			middleware.UploadsTotal.WithLabelValues("direct", "error").Inc()
		}
		return nil, svcErr
	}

	middleware.UploadsTotal.WithLabelValues("direct", "success").Inc()
	s.logger.Info("Прямая загрузка завершена",
		slog.String("attachment_id", att.ID),
		slog.String("parent_id", att.ParentID),
		slog.Int64("size_bytes", att.SizeBytes),
	)
	return &InitiateResult{Attachment: att}, nil
}

// AppendChunk принимает очередной chunk возобновляемой сессии.
//
// Сессия блокируется на время приёма: параллельные chunks одной сессии
// сериализуются, второй получит CONFLICT по несовпадению смещения.
// Chunks разных сессий обрабатываются параллельно.
//
// При достижении заявленного размера выполняется финализация в рамках
// той же блокировки; результат — готовый Attachment в ChunkResult.
func (s *UploadService) AppendChunk(ctx context.Context, ownerID, sessionID string, offset int64, body io.Reader) (*ChunkResult, *Error) {
	var result *ChunkResult
	var svcErr *Error

	err := s.registry.WithLock(sessionID, func(sess *session.UploadSession) error {
		// Сессия другого владельца неотличима от несуществующей
		if sess.OwnerID != ownerID {
			svcErr = errNotFound(fmt.Sprintf("Сессия %s не найдена", sessionID))
			return nil
		}

		// Истечение проверяется в момент захвата блокировки: между
		// проходами sweeper'а сессия может пережить свой дедлайн
		if sess.IsExpired(time.Now().UTC()) {
			s.expireLocked(sess)
			svcErr = errSessionExpired(sessionID)
			return nil
		}

		if sess.IsTerminal() {
			svcErr = errConflict(fmt.Sprintf("Сессия %s завершена в состоянии %s", sessionID, sess.State), sess.ReceivedOffset)
			return nil
		}

		// Протокол смещений: chunk принимается только с актуального смещения.
		// Ответ несёт авторитетное смещение — клиент возобновляет с него.
		if offset != sess.ReceivedOffset {
			svcErr = errConflict(fmt.Sprintf("Смещение chunk %d не совпадает с текущим смещением сессии %d", offset, sess.ReceivedOffset), sess.ReceivedOffset)
			return nil
		}

		if sess.State == session.StateCreated {
			if err := sess.TransitionTo(session.StateUploading); err != nil {
				svcErr = errInternal("Недопустимый переход состояния сессии")
				return nil
			}
		}

		remaining := sess.DeclaredSize - sess.ReceivedOffset
		written, err := s.store.AppendPartial(sessionID, offset, io.LimitReader(body, remaining+1))
		if err != nil {
			s.logger.Error("Ошибка записи chunk",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			svcErr = errStorage("Не удалось записать chunk")
			return nil
		}

		// Суммарный объём превысил заявленный размер — данные не заслуживают
		// доверия, сессия прерывается
		if written > remaining {
			s.abortLocked(sess)
			svcErr = errValidation("Объём переданных данных превысил заявленный размер %d", sess.DeclaredSize)
			return nil
		}

		sess.ReceivedOffset += written

		// Загрузка не завершена: подтверждаем смещение
		if sess.ReceivedOffset < sess.DeclaredSize {
			result = &ChunkResult{
				ReceivedOffset: sess.ReceivedOffset,
				State:          sess.State,
			}
			return nil
		}

		// Все байты получены: финализация
		att, finErr := s.finalizeBlob(ctx, sessionID, sess.OwnerID, sess.ParentID, sess.DisplayName, sess.DeclaredSize)
		if finErr != nil {
			// Любая ошибка финализации необратима: staging-файл к этому
			// моменту удалён либо поглощён переносом, повторить последний
			// chunk не во что — сессия прерывается, клиент начинает заново
			s.abortLocked(sess)
			if finErr.StatusCode == http.StatusUnprocessableEntity || finErr.Code == apierrors.CodeEmptyFile {
				middleware.UploadsTotal.WithLabelValues("resumable", "rejected").Inc()
			} else {
				middleware.UploadsTotal.WithLabelValues("resumable", "error").Inc()
			}
			svcErr = finErr
			return nil
		}

		if err := sess.TransitionTo(session.StateCompleted); err != nil {
			svcErr = errInternal("Недопустимый переход состояния сессии")
			return nil
		}

		middleware.UploadsTotal.WithLabelValues("resumable", "success").Inc()
		s.logger.Info("Возобновляемая загрузка завершена",
			slog.String("session_id", sessionID),
			slog.String("attachment_id", att.ID),
			slog.Int64("size_bytes", att.SizeBytes),
		)
		result = &ChunkResult{
			ReceivedOffset: sess.ReceivedOffset,
			State:          sess.State,
			Attachment:     att,
		}
		return nil
	})

	var nf *session.ErrNotFound
	if errors.As(err, &nf) {
		return nil, errNotFound(fmt.Sprintf("Сессия %s не найдена", sessionID))
	}
	if svcErr != nil {
		return nil, svcErr
	}

	// Завершённые и прерванные сессии убираются из реестра после снятия блокировки
	if result.State == session.StateCompleted {
		s.registry.Remove(sessionID)
		middleware.SessionsActive.Set(float64(s.registry.Count()))
	}
	return result, nil
}

// GetSession возвращает текущее состояние сессии для опроса клиентом.
func (s *UploadService) GetSession(ownerID, sessionID string) (*session.UploadSession, *Error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil || sess.OwnerID != ownerID {
		return nil, errNotFound(fmt.Sprintf("Сессия %s не найдена", sessionID))
	}
	if sess.IsExpired(time.Now().UTC()) {
		return nil, errSessionExpired(sessionID)
	}
	return sess, nil
}

// Abort прерывает сессию по запросу клиента: состояние aborted,
// staging-файл удаляется, частичные данные не восстановимы.
func (s *UploadService) Abort(ownerID, sessionID string) *Error {
	var svcErr *Error
	err := s.registry.WithLock(sessionID, func(sess *session.UploadSession) error {
		if sess.OwnerID != ownerID {
			svcErr = errNotFound(fmt.Sprintf("Сессия %s не найдена", sessionID))
			return nil
		}
		if sess.IsTerminal() {
			return nil
		}
		s.abortLocked(sess)
		return nil
	})

	var nf *session.ErrNotFound
	if errors.As(err, &nf) {
		return errNotFound(fmt.Sprintf("Сессия %s не найдена", sessionID))
	}
	if svcErr != nil {
		return svcErr
	}

	s.registry.Remove(sessionID)
	middleware.SessionsActive.Set(float64(s.registry.Count()))
	s.logger.Info("Сессия прервана клиентом", slog.String("session_id", sessionID))
	return nil
}

// OnSessionExpire — callback для sweeper'а реестра: удаляет staging-файл
// истёкшей сессии и обновляет метрики.
func (s *UploadService) OnSessionExpire(sess *session.UploadSession) {
	if err := s.store.DeletePartial(sess.ID); err != nil {
		s.logger.Error("Ошибка удаления staging-файла истёкшей сессии",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	middleware.SessionsExpiredTotal.Inc()
	middleware.SessionsActive.Set(float64(s.registry.Count()))
}

// finalizeBlob — общая финализация обеих стратегий.
//
// Поток:
//  1. Валидация содержимого по магическим байтам (DetectReader)
//  2. Перенос staging-файла на постоянный адрес (retry на сбоях I/O)
//  3. Контрольная сумма SHA-256
//  4. Запись метаданных; при сбое — компенсирующее удаление файла
//
// При любой ошибке staging-файл удаляется: на шагах 1–2 явно, начиная
// с шага 3 он уже поглощён переносом. Повтор после ошибки финализации
// невозможен — вызывающий начинает загрузку заново.
func (s *UploadService) finalizeBlob(ctx context.Context, stagingID, ownerID, parentID, displayName string, size int64) (*model.Attachment, *Error) {
	// 1. Тип определяется по содержимому, заявленному клиентом типу не доверяем
	f, err := s.store.Open(s.store.PartialPath(stagingID))
	if err != nil {
		_ = s.store.DeletePartial(stagingID)
		return nil, errStorage("Не удалось открыть принятый файл")
	}
	detected, sniffErr := s.validator.DetectReader(f)
	f.Close()
	if sniffErr != nil {
		_ = s.store.DeletePartial(stagingID)
		return nil, sniffError(sniffErr)
	}

	// 2. Атомарный перенос на постоянный адрес с ограниченным числом повторов
	storedName := strings.ReplaceAll(uuid.NewString(), "-", "")
	rel := s.store.Path(ownerID, parentID, storedName)

	backoff := retry.WithMaxRetries(uint64(s.cfg.StorageRetries-1), retry.NewConstant(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		if promoteErr := s.store.Promote(stagingID, rel); promoteErr != nil {
			return retry.RetryableError(promoteErr)
		}
		return nil
	})
	if err != nil {
		_ = s.store.DeletePartial(stagingID)
		s.logger.Error("Перенос файла не удался после повторов",
			slog.String("staging_id", stagingID),
			slog.String("error", err.Error()),
		)
		return nil, errStorage("Не удалось сохранить файл")
	}

	// 3. Контрольная сумма сохранённого файла
	checksum, err := s.store.Checksum(rel)
	if err != nil {
		_ = s.store.Delete(rel)
		return nil, errStorage("Не удалось вычислить контрольную сумму")
	}

	att := &model.Attachment{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ParentID:    parentID,
		DisplayName: displayName,
		StoredName:  storedName,
		MimeType:    detected.MIME,
		SizeBytes:   size,
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
	}

	// 4. Метаданные; файл без записи — сирота, удаляем компенсирующе
	if err := s.repo.Create(ctx, att); err != nil {
		_ = s.store.Delete(rel)
		s.logger.Error("Ошибка записи метаданных вложения",
			slog.String("attachment_id", att.ID),
			slog.String("error", err.Error()),
		)
		return nil, errInternal("Не удалось сохранить метаданные вложения")
	}

	// Миниатюра — необязательное улучшение, ошибки не влияют на загрузку
	if s.thumbs != nil && detected.IsImage() {
		s.thumbs.Enqueue(att)
	}

	return att, nil
}

// expireLocked переводит сессию в expired под блокировкой реестра.
func (s *UploadService) expireLocked(sess *session.UploadSession) {
	_ = sess.TransitionTo(session.StateExpired)
	s.OnSessionExpire(sess)
}

// abortLocked переводит сессию в aborted и удаляет staging-файл.
func (s *UploadService) abortLocked(sess *session.UploadSession) {
	_ = sess.TransitionTo(session.StateAborted)
	if err := s.store.DeletePartial(sess.ID); err != nil {
		s.logger.Error("Ошибка удаления staging-файла прерванной сессии",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

// sniffError транслирует ошибки валидатора содержимого в сервисные ошибки.
func sniffError(err error) *Error {
	switch {
	case errors.Is(err, sniff.ErrEmptyFile):
		return &Error{StatusCode: http.StatusBadRequest, Code: apierrors.CodeEmptyFile, Message: "Пустой файл не принимается"}
	case errors.Is(err, sniff.ErrFileTooLarge):
		return &Error{StatusCode: http.StatusRequestEntityTooLarge, Code: apierrors.CodeFileTooLarge, Message: err.Error()}
	case errors.Is(err, sniff.ErrUnknownSignature):
		return &Error{StatusCode: http.StatusUnprocessableEntity, Code: apierrors.CodeUnknownSignature, Message: "Тип файла не распознан по содержимому"}
	case errors.Is(err, sniff.ErrDisallowedType):
		return &Error{StatusCode: http.StatusUnprocessableEntity, Code: apierrors.CodeDisallowedType, Message: err.Error()}
	default:
		return errInternal("Ошибка валидации файла")
	}
}

// sanitizeDisplayName отбрасывает путь из отображаемого имени: клиенты
// (особенно браузеры на Windows) могут передать полный путь.
func sanitizeDisplayName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
