// config.go — обработчики конфигурации: библиотеки, потоки, переменные,
// ревизия и снимок конфигурации для узлов.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newListResponse[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

// --- Библиотеки ---

// ListLibraries — GET /api/v1/libraries.
func (h *APIHandler) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.svc.Libraries.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "список библиотек", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(libs))
}

// GetLibrary — GET /api/v1/libraries/{uid}.
func (h *APIHandler) GetLibrary(w http.ResponseWriter, r *http.Request) {
	lib, err := h.svc.Libraries.Get(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "получение библиотеки", err)
		return
	}
	writeJSON(w, http.StatusOK, lib)
}

// CreateLibrary — POST /api/v1/libraries.
func (h *APIHandler) CreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req model.Library
	if !decodeJSON(w, r, &req) {
		return
	}
	lib, err := h.svc.Libraries.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "создание библиотеки", err)
		return
	}
	writeJSON(w, http.StatusCreated, lib)
}

// UpdateLibrary — PUT /api/v1/libraries/{uid}.
func (h *APIHandler) UpdateLibrary(w http.ResponseWriter, r *http.Request) {
	var req model.Library
	if !decodeJSON(w, r, &req) {
		return
	}
	lib, err := h.svc.Libraries.Update(r.Context(), chi.URLParam(r, "uid"), req)
	if err != nil {
		h.writeServiceError(w, r, "обновление библиотеки", err)
		return
	}
	writeJSON(w, http.StatusOK, lib)
}

// DeleteLibrary — DELETE /api/v1/libraries/{uid}.
func (h *APIHandler) DeleteLibrary(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Libraries.Delete(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.writeServiceError(w, r, "удаление библиотеки", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Потоки ---

// ListFlows — GET /api/v1/flows.
func (h *APIHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.svc.Flows.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "список потоков", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(flows))
}

// GetFlow — GET /api/v1/flows/{uid}.
func (h *APIHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.Flows.Get(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, "получение потока", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// CreateFlow — POST /api/v1/flows.
func (h *APIHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req model.Flow
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.Flows.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "создание потока", err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// UpdateFlow — PUT /api/v1/flows/{uid}.
func (h *APIHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req model.Flow
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.Flows.Update(r.Context(), chi.URLParam(r, "uid"), req)
	if err != nil {
		h.writeServiceError(w, r, "обновление потока", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// DeleteFlow — DELETE /api/v1/flows/{uid}.
func (h *APIHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Flows.Delete(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.writeServiceError(w, r, "удаление потока", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Переменные ---

// ListVariables — GET /api/v1/variables.
func (h *APIHandler) ListVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := h.svc.Variables.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "список переменных", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(vars))
}

// CreateVariable — POST /api/v1/variables.
func (h *APIHandler) CreateVariable(w http.ResponseWriter, r *http.Request) {
	var req model.Variable
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := h.svc.Variables.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "создание переменной", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// UpdateVariable — PUT /api/v1/variables/{uid}.
func (h *APIHandler) UpdateVariable(w http.ResponseWriter, r *http.Request) {
	var req model.Variable
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := h.svc.Variables.Update(r.Context(), chi.URLParam(r, "uid"), req)
	if err != nil {
		h.writeServiceError(w, r, "обновление переменной", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteVariable — DELETE /api/v1/variables/{uid}.
func (h *APIHandler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Variables.Delete(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.writeServiceError(w, r, "удаление переменной", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Конфигурация узлов ---

type revisionResponse struct {
	Revision int64 `json:"revision"`
}

// GetConfigRevision — GET /api/v1/config/revision.
func (h *APIHandler) GetConfigRevision(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, revisionResponse{Revision: h.svc.ConfigSync.Revision()})
}

// GetCurrentConfig — GET /api/v1/config/current.
func (h *APIHandler) GetCurrentConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.ConfigSync.CurrentConfig(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "снимок конфигурации", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
