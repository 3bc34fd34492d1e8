// system.go — пауза и возобновление выдачи файлов.
package handlers

import (
	"net/http"
)

type pauseRequest struct {
	Minutes int `json:"minutes"`
}

// GetSystemStatus — GET /api/v1/system/status.
func (h *APIHandler) GetSystemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.System.Status())
}

// PauseSystem — POST /api/v1/system/pause.
func (h *APIHandler) PauseSystem(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := h.svc.System.Pause(r.Context(), req.Minutes)
	if err != nil {
		h.writeServiceError(w, r, "пауза", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResumeSystem — POST /api/v1/system/resume.
func (h *APIHandler) ResumeSystem(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.System.Resume(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "возобновление", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
