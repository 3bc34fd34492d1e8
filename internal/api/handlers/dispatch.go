// dispatch.go — обработчик опроса воркеров.
package handlers

import (
	"net/http"

	"github.com/bigkaa/fileflows/flow-server/internal/service"
)

// ClaimNext — POST /api/v1/dispatch/claim.
// Отказы (нет файла, пауза, узел выключен) возвращаются с кодом 200
// и соответствующим status.
func (h *APIHandler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	var req service.ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Dispatch.ClaimNext(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "выдача файла", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
