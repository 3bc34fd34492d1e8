// nodes.go — обработчики /api/v1/nodes и /api/v1/executors.
// Регистрация и heartbeat узлов, администрирование, живые захваты.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/service"
)

type heartbeatResponse struct {
	Status   string `json:"status"`
	Revision int64  `json:"revision"`
}

type clearWorkersResponse struct {
	Success bool     `json:"success"`
	Reset   []string `json:"reset"`
}

// RegisterNode — POST /api/v1/nodes/register.
func (h *APIHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Registry.Register(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "регистрация узла", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// NodeHeartbeat — POST /api/v1/nodes/{uid}/heartbeat.
// В ответе текущая ревизия: по ней узел решает, перечитывать ли конфигурацию.
func (h *APIHandler) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Registry.Heartbeat(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.writeServiceError(w, r, "heartbeat узла", err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok", Revision: h.svc.ConfigSync.Revision()})
}

// ClearNodeWorkers — POST /api/v1/nodes/{uid}/clear-workers.
// Вызывается узлом после перезапуска: все его файлы возвращаются в очередь.
func (h *APIHandler) ClearNodeWorkers(w http.ResponseWriter, r *http.Request) {
	uids, err := h.svc.Registry.ClearWorkers(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "сброс воркеров узла", err)
		return
	}
	if uids == nil {
		uids = []string{}
	}
	writeJSON(w, http.StatusOK, clearWorkersResponse{Success: true, Reset: uids})
}

// ListNodes — GET /api/v1/nodes.
func (h *APIHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.Registry.ListNodes(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "список узлов", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(nodes))
}

// GetNode — GET /api/v1/nodes/{uid}.
func (h *APIHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "получение узла", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// UpdateNode — PUT /api/v1/nodes/{uid}.
// Меняются только административные поля узла.
func (h *APIHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessingNode
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.svc.Registry.UpdateNode(r.Context(), chi.URLParam(r, "uid"), req)
	if err != nil {
		h.writeServiceError(w, r, "обновление узла", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNode — DELETE /api/v1/nodes/{uid}.
func (h *APIHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Registry.DeleteNode(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.writeServiceError(w, r, "удаление узла", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListExecutors — GET /api/v1/executors.
func (h *APIHandler) ListExecutors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newListResponse(h.svc.Registry.Executors()))
}
