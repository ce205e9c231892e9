// Пакет errors — конструкторы стандартных ошибок API Attachment Service.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
// Сообщения описывают причину и действие, без внутренних путей и деталей
// реализации хранилища.
package errors //nolint:revive // конфликт имени со stdlib осознанный, пакет используется с алиасом

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок API.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeEmptyFile        = "EMPTY_FILE"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeUnknownSignature = "UNKNOWN_SIGNATURE"
	CodeDisallowedType   = "DISALLOWED_TYPE"
	CodeConflict         = "CONFLICT"
	CodeNotFound         = "NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeStorageError     = "STORAGE_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// EmptyFile — 400 пустой файл.
func EmptyFile(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeEmptyFile, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// UnknownSignature — 422 тип файла не распознан по содержимому.
func UnknownSignature(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeUnknownSignature, message)
}

// DisallowedType — 422 тип файла распознан, но запрещён.
func DisallowedType(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeDisallowedType, message)
}

// Conflict — 409 смещение chunk не совпадает с текущим смещением сессии.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// ConflictWithOffset — 409 с актуальным смещением сессии в теле ответа.
// Клиент возобновляет передачу с received_offset, не гадая о состоянии.
func ConflictWithOffset(w http.ResponseWriter, message string, receivedOffset int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(struct {
		Error          errorDetail `json:"error"`
		ReceivedOffset int64       `json:"received_offset"`
	}{
		Error: errorDetail{
			Code:    CodeConflict,
			Message: message,
		},
		ReceivedOffset: receivedOffset,
	})
}

// NotFound — 404 ресурс не найден или принадлежит другому владельцу.
// Ответ намеренно одинаков для обоих случаев.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// SessionExpired — 410 срок жизни сессии истёк.
func SessionExpired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGone, CodeSessionExpired, message)
}

// StorageError — 500 ошибка ввода-вывода хранилища после исчерпания retry.
func StorageError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeStorageError, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
