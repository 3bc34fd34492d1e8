// library_files.go — обработчики /api/v1/library-files endpoints.
// Обнаружение файлов, выборки, пакетные операции оператора,
// отмена и отчёт воркера о завершении.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/fileflows/flow-server/internal/api/errors"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/service"
)

// uidsRequest — тело пакетной операции.
type uidsRequest struct {
	UIDs []string `json:"uids"`
}

type deleteRequest struct {
	UIDs     []string `json:"uids"`
	Physical bool     `json:"physical"`
}

// batchResponse — итог пакетной операции.
type batchResponse struct {
	Success  bool `json:"success"`
	Affected int  `json:"affected"`
}

type fileListResponse struct {
	Items   []service.FileView `json:"items"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
	HasMore bool               `json:"hasMore"`
}

// DiscoverLibraryFile — POST /api/v1/library-files.
// Сканер сообщает о найденном файле.
func (h *APIHandler) DiscoverLibraryFile(w http.ResponseWriter, r *http.Request) {
	var req service.DiscoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.Files.Discover(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "обнаружение файла", err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// ListLibraryFiles — GET /api/v1/library-files.
// Фильтры: status (по отображаемому статусу), library_uid, node_uid.
func (h *APIHandler) ListLibraryFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paginationDefaults(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	q := r.URL.Query()
	params := service.FileListParams{
		LibraryUID: q.Get("library_uid"),
		NodeUID:    q.Get("node_uid"),
		Limit:      limit,
		Offset:     offset,
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseFileStatus(v)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		params.Status = &st
	}

	res, err := h.svc.Files.List(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, "список файлов", err)
		return
	}
	writeJSON(w, http.StatusOK, fileListResponse{
		Items:   res.Items,
		Total:   res.Total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < res.Total,
	})
}

// GetLibraryFile — GET /api/v1/library-files/{uid}.
func (h *APIHandler) GetLibraryFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.Files.Get(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "получение файла", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// batch выполняет пакетную операцию над {uids:[...]}.
func (h *APIHandler) batch(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, uids []string) (int, error),
) {
	var req uidsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := fn(r.Context(), req.UIDs)
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Success: true, Affected: n})
}

// MoveToTop — POST /api/v1/library-files/move-to-top.
func (h *APIHandler) MoveToTop(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, "move-to-top", h.svc.Files.MoveToTop)
}

// Reprocess — POST /api/v1/library-files/reprocess.
func (h *APIHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, "reprocess", h.svc.Files.Reprocess)
}

// ForceProcessing — POST /api/v1/library-files/force-processing.
func (h *APIHandler) ForceProcessing(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, "force-processing", h.svc.Files.ForceProcessing)
}

// ToggleForce — POST /api/v1/library-files/toggle-force.
func (h *APIHandler) ToggleForce(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, "toggle-force", h.svc.Files.ToggleForce)
}

// Unhold — POST /api/v1/library-files/unhold.
func (h *APIHandler) Unhold(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, "unhold", h.svc.Files.Unhold)
}

// SetFileStatus — POST /api/v1/library-files/set-status/{status}.
func (h *APIHandler) SetFileStatus(w http.ResponseWriter, r *http.Request) {
	st, err := model.ParseFileStatus(chi.URLParam(r, "status"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.batch(w, r, "set-status", func(ctx context.Context, uids []string) (int, error) {
		return h.svc.Files.SetStatus(ctx, st, uids)
	})
}

// DeleteLibraryFiles — POST /api/v1/library-files/delete.
func (h *APIHandler) DeleteLibraryFiles(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.svc.Files.Delete(r.Context(), req.UIDs, req.Physical)
	if err != nil {
		h.writeServiceError(w, r, "удаление файлов", err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Success: true, Affected: n})
}

// CancelLibraryFile — POST /api/v1/library-files/{uid}/cancel.
func (h *APIHandler) CancelLibraryFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.Files.Cancel(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "отмена обработки", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// FinishLibraryFile — POST /api/v1/library-files/{uid}/finish.
func (h *APIHandler) FinishLibraryFile(w http.ResponseWriter, r *http.Request) {
	var req service.FinishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.Files.Finish(r.Context(), chi.URLParam(r, "uid"), req)
	if err != nil {
		h.writeServiceError(w, r, "завершение обработки", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
