// attachments.go — HTTP handlers работы с готовыми вложениями.
// Метаданные, скачивание, миниатюры, удаление, каскадная очистка.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/api/middleware"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/service"
)

// AttachmentsHandler — обработчик endpoints вложений.
type AttachmentsHandler struct {
	downloadSvc *service.DownloadService
	cleanupSvc  *service.CleanupService
}

// NewAttachmentsHandler создаёт обработчик endpoints вложений.
func NewAttachmentsHandler(downloadSvc *service.DownloadService, cleanupSvc *service.CleanupService) *AttachmentsHandler {
	return &AttachmentsHandler{
		downloadSvc: downloadSvc,
		cleanupSvc:  cleanupSvc,
	}
}

// GetAttachment обрабатывает GET /api/v1/attachments/{id}.
func (h *AttachmentsHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	attachmentID := chi.URLParam(r, "id")

	att, svcErr := h.downloadSvc.Get(r.Context(), ownerID, attachmentID)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// DownloadAttachment обрабатывает GET /api/v1/attachments/{id}/download.
func (h *AttachmentsHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	attachmentID := chi.URLParam(r, "id")

	if svcErr := h.downloadSvc.Serve(w, r, ownerID, attachmentID); svcErr != nil {
		writeServiceError(w, svcErr)
	}
}

// GetThumbnail обрабатывает GET /api/v1/attachments/{id}/thumbnail.
func (h *AttachmentsHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	attachmentID := chi.URLParam(r, "id")

	if svcErr := h.downloadSvc.ServeThumbnail(w, r, ownerID, attachmentID); svcErr != nil {
		writeServiceError(w, svcErr)
	}
}

// DeleteAttachment обрабатывает DELETE /api/v1/attachments/{id}.
func (h *AttachmentsHandler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	attachmentID := chi.URLParam(r, "id")

	if svcErr := h.cleanupSvc.DeleteAttachment(r.Context(), ownerID, attachmentID); svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListByParent обрабатывает GET /api/v1/parents/{parent_id}/attachments.
func (h *AttachmentsHandler) ListByParent(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	parentID := chi.URLParam(r, "parent_id")

	atts, svcErr := h.downloadSvc.List(r.Context(), ownerID, parentID)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}

	resp := struct {
		Attachments any `json:"attachments"`
		Total       int `json:"total"`
	}{
		Attachments: atts,
		Total:       len(atts),
	}
	if atts == nil {
		resp.Attachments = []struct{}{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PurgeParent обрабатывает DELETE /api/v1/parents/{parent_id}/attachments.
// Каскадная очистка при удалении родительской сущности.
func (h *AttachmentsHandler) PurgeParent(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())
	parentID := chi.URLParam(r, "parent_id")

	count, svcErr := h.cleanupSvc.PurgeParent(r.Context(), ownerID, parentID)
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Deleted int `json:"deleted"`
	}{Deleted: count})
}
