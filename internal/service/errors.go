// Пакет service — бизнес-логика Attachment Service.
// errors.go — типизированная ошибка сервисного слоя с HTTP-кодом.
package service

import (
	"fmt"
	"net/http"

	apierrors "github.com/arturkryukov/taskdesk/attachment-service/internal/api/errors"
)

// Error — ошибка сервисного слоя с HTTP-кодом и машиночитаемым кодом.
// Handlers транслируют её в JSON-ответ без дополнительной логики.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// CurrentOffset — актуальное смещение сессии, заполняется только
	// для CONFLICT при несовпадении смещения chunk.
	CurrentOffset *int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Конструкторы типичных ошибок ---

func errValidation(format string, args ...any) *Error {
	return &Error{
		StatusCode: http.StatusBadRequest,
		Code:       apierrors.CodeValidationError,
		Message:    fmt.Sprintf(format, args...),
	}
}

func errNotFound(message string) *Error {
	return &Error{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    message,
	}
}

func errConflict(message string, currentOffset int64) *Error {
	return &Error{
		StatusCode:    http.StatusConflict,
		Code:          apierrors.CodeConflict,
		Message:       message,
		CurrentOffset: &currentOffset,
	}
}

func errSessionExpired(sessionID string) *Error {
	return &Error{
		StatusCode: http.StatusGone,
		Code:       apierrors.CodeSessionExpired,
		Message:    fmt.Sprintf("Срок жизни сессии %s истёк", sessionID),
	}
}

func errStorage(message string) *Error {
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeStorageError,
		Message:    message,
	}
}

func errInternal(message string) *Error {
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    message,
	}
}
