// Пакет model — доменные модели Attachment Service.
// Attachment — единственная персистентная сущность: метаданные файла,
// прикреплённого к родительской сущности (задаче) приложения taskdesk.
package model

import (
	"strings"
	"time"
)

// Attachment — метаданные загруженного файла.
// Хранится в таблице attachments (PostgreSQL).
type Attachment struct {
	// ID — уникальный идентификатор вложения (UUID v4)
	ID string `json:"id"`

	// OwnerID — идентификатор владельца (sub из JWT).
	// Денормализован для быстрой проверки прав без join через родителя.
	OwnerID string `json:"owner_id"`

	// ParentID — идентификатор родительской сущности (задачи)
	ParentID string `json:"parent_id"`

	// DisplayName — имя файла, указанное клиентом.
	// Недоверенное: используется только для отображения и Content-Disposition.
	DisplayName string `json:"display_name"`

	// StoredName — непрозрачное имя файла в хранилище (UUID v4, без расширения).
	// Уникально в пределах хранилища, никогда не переиспользуется.
	StoredName string `json:"-"`

	// MimeType — MIME-тип, определённый по содержимому.
	// Всегда результат детектора, никогда не значение от клиента.
	MimeType string `json:"mime_type"`

	// SizeBytes — размер файла в байтах
	SizeBytes int64 `json:"size_bytes"`

	// Checksum — SHA-256 хэш содержимого (используется как ETag)
	Checksum string `json:"checksum"`

	// ThumbnailPath — относительный путь миниатюры в хранилище.
	// Пустая строка, если миниатюра не сгенерирована.
	ThumbnailPath string `json:"-"`

	// HasThumbnail — признак наличия миниатюры (для API-ответа)
	HasThumbnail bool `json:"has_thumbnail"`

	// CreatedAt — дата и время создания (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// IsPreviewable возвращает true для типов, которые браузер может
// отобразить inline (изображения, PDF, plain text).
// Для остальных ставится Content-Disposition: attachment.
func (a *Attachment) IsPreviewable() bool {
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		return true
	case a.MimeType == "application/pdf":
		return true
	case strings.HasPrefix(a.MimeType, "text/plain"):
		return true
	default:
		return false
	}
}
