// handler.go — основной обработчик API Flow Server.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/fileflows/flow-server/internal/api/errors"
	"github.com/bigkaa/fileflows/flow-server/internal/service"
)

// Services — сервисы, которые обслуживает API.
type Services struct {
	Dispatch   *service.DispatchService
	Files      *service.LibraryFileService
	Libraries  *service.LibraryService
	Flows      *service.FlowService
	Variables  *service.VariableService
	Registry   *service.WorkerRegistry
	ConfigSync *service.ConfigSyncService
	System     *service.SystemService
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	svc    Services
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, svc Services, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		svc:    svc,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Mount регистрирует все маршруты API на роутере.
func (h *APIHandler) Mount(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/dispatch/claim", h.ClaimNext)

		r.Route("/library-files", func(r chi.Router) {
			r.Get("/", h.ListLibraryFiles)
			r.Post("/", h.DiscoverLibraryFile)
			r.Post("/move-to-top", h.MoveToTop)
			r.Post("/reprocess", h.Reprocess)
			r.Post("/force-processing", h.ForceProcessing)
			r.Post("/toggle-force", h.ToggleForce)
			r.Post("/unhold", h.Unhold)
			r.Post("/set-status/{status}", h.SetFileStatus)
			r.Post("/delete", h.DeleteLibraryFiles)
			r.Get("/{uid}", h.GetLibraryFile)
			r.Post("/{uid}/cancel", h.CancelLibraryFile)
			r.Post("/{uid}/finish", h.FinishLibraryFile)
		})

		r.Route("/libraries", func(r chi.Router) {
			r.Get("/", h.ListLibraries)
			r.Post("/", h.CreateLibrary)
			r.Get("/{uid}", h.GetLibrary)
			r.Put("/{uid}", h.UpdateLibrary)
			r.Delete("/{uid}", h.DeleteLibrary)
		})

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", h.ListFlows)
			r.Post("/", h.CreateFlow)
			r.Get("/{uid}", h.GetFlow)
			r.Put("/{uid}", h.UpdateFlow)
			r.Delete("/{uid}", h.DeleteFlow)
		})

		r.Route("/variables", func(r chi.Router) {
			r.Get("/", h.ListVariables)
			r.Post("/", h.CreateVariable)
			r.Put("/{uid}", h.UpdateVariable)
			r.Delete("/{uid}", h.DeleteVariable)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", h.ListNodes)
			r.Post("/register", h.RegisterNode)
			r.Get("/{uid}", h.GetNode)
			r.Put("/{uid}", h.UpdateNode)
			r.Delete("/{uid}", h.DeleteNode)
			r.Post("/{uid}/heartbeat", h.NodeHeartbeat)
			r.Post("/{uid}/clear-workers", h.ClearNodeWorkers)
		})

		r.Get("/executors", h.ListExecutors)

		r.Get("/config/revision", h.GetConfigRevision)
		r.Get("/config/current", h.GetCurrentConfig)

		r.Get("/system/status", h.GetSystemStatus)
		r.Post("/system/pause", h.PauseSystem)
		r.Post("/system/resume", h.ResumeSystem)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса. При ошибке сам пишет ответ 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
// Неизвестные ошибки считаются сбоем хранилища.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrFileProcessing):
		apierrors.FileProcessing(w, err.Error())
	case errors.Is(err, service.ErrWorkerMismatch):
		apierrors.WorkerMismatch(w, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		apierrors.InvalidTransition(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "Ошибка обработки запроса",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		apierrors.StorageUnavailable(w, op+": хранилище недоступно")
	}
}

// paginationDefaults разбирает limit и offset из query.
// Возвращает корректные значения или ошибку разбора.
func paginationDefaults(r *http.Request) (int, int, error) {
	l, o := 100, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("limit должен быть целым числом")
		}
		l = min(max(n, 1), 1000)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("offset должен быть целым числом")
		}
		o = max(n, 0)
	}
	return l, o, nil
}
