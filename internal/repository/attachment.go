package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
)

// AttachmentRepository — интерфейс хранилища метаданных вложений.
// Сервисный слой зависит только от интерфейса: в тестах подставляется
// in-memory реализация.
type AttachmentRepository interface {
	// Create создаёт запись вложения.
	Create(ctx context.Context, a *model.Attachment) error
	// FindByIDAndOwner возвращает вложение по паре (id, owner).
	// Несовпадение владельца неотличимо от отсутствия записи: ErrNotFound.
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Attachment, error)
	// Delete удаляет запись по паре (id, owner). ErrNotFound при отсутствии.
	Delete(ctx context.Context, id, ownerID string) error
	// DeleteByParent удаляет все записи родителя одной транзакцией
	// и возвращает удалённые записи (для очистки физических байт).
	DeleteByParent(ctx context.Context, parentID, ownerID string) ([]*model.Attachment, error)
	// ListByParent возвращает вложения родителя (новые первые).
	ListByParent(ctx context.Context, parentID, ownerID string) ([]*model.Attachment, error)
	// ListAll возвращает все записи. Используется orphan sweep'ом
	// для сверки блоб-хранилища с живыми метаданными.
	ListAll(ctx context.Context) ([]*model.Attachment, error)
	// SetThumbnailPath записывает путь сгенерированной миниатюры.
	SetThumbnailPath(ctx context.Context, id, thumbnailPath string) error
}

const attachmentColumns = `id, owner_id, parent_id, display_name, stored_name,
	mime_type, size_bytes, checksum, thumbnail_path, created_at`

// attachmentRepo — реализация AttachmentRepository на PostgreSQL.
type attachmentRepo struct {
	db DBTX
}

// NewAttachmentRepository создаёт репозиторий вложений.
func NewAttachmentRepository(db DBTX) AttachmentRepository {
	return &attachmentRepo{db: db}
}

func (r *attachmentRepo) Create(ctx context.Context, a *model.Attachment) error {
	query := `
		INSERT INTO attachments (id, owner_id, parent_id, display_name, stored_name,
			mime_type, size_bytes, checksum, thumbnail_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.OwnerID, a.ParentID, a.DisplayName, a.StoredName,
		a.MimeType, a.SizeBytes, a.Checksum, a.ThumbnailPath, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: вложение с таким ID или stored_name уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания вложения: %w", err)
	}
	return nil
}

func (r *attachmentRepo) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Attachment, error) {
	query := `
		SELECT ` + attachmentColumns + `
		FROM attachments
		WHERE id = $1 AND owner_id = $2`

	a, err := scanAttachment(r.db.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска вложения: %w", err)
	}
	return a, nil
}

func (r *attachmentRepo) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM attachments WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("ошибка удаления вложения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) DeleteByParent(ctx context.Context, parentID, ownerID string) ([]*model.Attachment, error) {
	query := `
		DELETE FROM attachments
		WHERE parent_id = $1 AND owner_id = $2
		RETURNING ` + attachmentColumns

	rows, err := r.db.Query(ctx, query, parentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка каскадного удаления вложений: %w", err)
	}
	defer rows.Close()

	return collectAttachments(rows)
}

func (r *attachmentRepo) ListByParent(ctx context.Context, parentID, ownerID string) ([]*model.Attachment, error) {
	query := `
		SELECT ` + attachmentColumns + `
		FROM attachments
		WHERE parent_id = $1 AND owner_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, parentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка вложений: %w", err)
	}
	defer rows.Close()

	return collectAttachments(rows)
}

func (r *attachmentRepo) ListAll(ctx context.Context) ([]*model.Attachment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+attachmentColumns+` FROM attachments`)
	if err != nil {
		return nil, fmt.Errorf("ошибка полного списка вложений: %w", err)
	}
	defer rows.Close()

	return collectAttachments(rows)
}

func (r *attachmentRepo) SetThumbnailPath(ctx context.Context, id, thumbnailPath string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE attachments SET thumbnail_path = $2 WHERE id = $1`, id, thumbnailPath)
	if err != nil {
		return fmt.Errorf("ошибка записи пути миниатюры: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAttachment читает одну строку в модель.
func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	var a model.Attachment
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.ParentID, &a.DisplayName, &a.StoredName,
		&a.MimeType, &a.SizeBytes, &a.Checksum, &a.ThumbnailPath, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.HasThumbnail = a.ThumbnailPath != ""
	return &a, nil
}

// collectAttachments читает все строки результата в срез моделей.
func collectAttachments(rows pgx.Rows) ([]*model.Attachment, error) {
	var result []*model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки вложения: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода результата: %w", err)
	}
	return result, nil
}
