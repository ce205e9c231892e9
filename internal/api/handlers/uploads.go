// uploads.go — HTTP handlers протокола загрузки вложений.
// Инициация (прямая и возобновляемая), приём chunks, опрос и прерывание сессий.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/errors"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/service"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/session"
)

// multipartMemoryLimit — байты multipart-формы, удерживаемые в памяти;
// остальное уходит во временные файлы.
const multipartMemoryLimit = 1 << 20

// uploadOffsetHeader — заголовок со смещением chunk в возобновляемой сессии.
const uploadOffsetHeader = "Upload-Offset"

// UploadsHandler — обработчик endpoints загрузки.
type UploadsHandler struct {
	uploadSvc *service.UploadService
}

// NewUploadsHandler создаёт обработчик endpoints загрузки.
func NewUploadsHandler(uploadSvc *service.UploadService) *UploadsHandler {
	return &UploadsHandler{uploadSvc: uploadSvc}
}

// sessionResponse — представление upload-сессии в API.
type sessionResponse struct {
	SessionID      string `json:"session_id"`
	ReceivedOffset int64  `json:"received_offset"`
	DeclaredSize   int64  `json:"declared_size"`
	State          string `json:"state"`
	ExpiresAt      string `json:"expires_at"`
}

func sessionToAPI(s *session.UploadSession) sessionResponse {
	return sessionResponse{
		SessionID:      s.ID,
		ReceivedOffset: s.ReceivedOffset,
		DeclaredSize:   s.DeclaredSize,
		State:          string(s.State),
		ExpiresAt:      s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Initiate обрабатывает POST /api/v1/uploads.
// Multipart form: parent_id, display_name, declared_size (обязательны),
// file (обязателен при размере до порога прямой загрузки).
// Ответ 201: Attachment (прямая) либо сессия (возобновляемая).
func (h *UploadsHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	parentID := r.FormValue("parent_id")
	if parentID == "" {
		errors.ValidationError(w, "Поле 'parent_id' обязательно")
		return
	}

	displayName := r.FormValue("display_name")

	declaredSizeStr := r.FormValue("declared_size")
	if declaredSizeStr == "" {
		errors.ValidationError(w, "Поле 'declared_size' обязательно")
		return
	}
	declaredSize, err := strconv.ParseInt(declaredSizeStr, 10, 64)
	if err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный declared_size: %q", declaredSizeStr))
		return
	}

	params := service.InitiateParams{
		OwnerID:      ownerID,
		ParentID:     parentID,
		DisplayName:  displayName,
		DeclaredSize: declaredSize,
	}

	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		params.File = file
		params.HasFile = true
		// Имя из заголовка part — запасной вариант для display_name
		if params.DisplayName == "" {
			params.DisplayName = header.Filename
		}
	}

	result, svcErr := h.uploadSvc.Initiate(r.Context(), params)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}

	if result.Attachment != nil {
		writeJSON(w, http.StatusCreated, result.Attachment)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToAPI(result.Session))
}

// AppendChunk обрабатывает PATCH /api/v1/uploads/{session_id}.
// Тело запроса — сырые байты chunk, заголовок Upload-Offset — смещение.
// Ответ 200: received_offset и состояние сессии; при завершении — Attachment.
func (h *UploadsHandler) AppendChunk(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	offsetStr := r.Header.Get(uploadOffsetHeader)
	if offsetStr == "" {
		errors.ValidationError(w, fmt.Sprintf("Заголовок %s обязателен", uploadOffsetHeader))
		return
	}
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil || offset < 0 {
		errors.ValidationError(w, fmt.Sprintf("Некорректный %s: %q", uploadOffsetHeader, offsetStr))
		return
	}

	result, svcErr := h.uploadSvc.AppendChunk(r.Context(), ownerID, sessionID, offset, r.Body)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}

	resp := struct {
		ReceivedOffset int64  `json:"received_offset"`
		State          string `json:"state"`
		Attachment     any    `json:"attachment,omitempty"`
	}{
		ReceivedOffset: result.ReceivedOffset,
		State:          string(result.State),
	}
	if result.Attachment != nil {
		resp.Attachment = result.Attachment
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession обрабатывает GET /api/v1/uploads/{session_id}.
// Клиент опрашивает состояние после обрыва соединения, чтобы узнать
// подтверждённое смещение.
func (h *UploadsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	sess, svcErr := h.uploadSvc.GetSession(ownerID, sessionID)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}
	writeJSON(w, http.StatusOK, sessionToAPI(sess))
}

// AbortSession обрабатывает DELETE /api/v1/uploads/{session_id}.
// Прерывает сессию и удаляет частично принятые данные.
func (h *UploadsHandler) AbortSession(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	if svcErr := h.uploadSvc.Abort(ownerID, sessionID); svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError транслирует сервисную ошибку в JSON-ответ.
// CONFLICT с известным смещением получает received_offset в теле.
func writeServiceError(w http.ResponseWriter, e *service.Error) {
	if e.CurrentOffset != nil {
		errors.ConflictWithOffset(w, e.Message, *e.CurrentOffset)
		return
	}
	errors.WriteError(w, e.StatusCode, e.Code, e.Message)
}

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
