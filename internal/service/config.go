// config.go — конфигурационные сущности: библиотеки, потоки, переменные.
// Все изменения идут через кэши и увеличивают ревизию конфигурации.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/fileflows/flow-server/internal/cache"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

// ConfigCaches — кэши конфигурационных сущностей.
type ConfigCaches struct {
	Libraries *cache.Repository[model.Library]
	Flows     *cache.Repository[model.Flow]
	Variables *cache.Repository[model.Variable]
	Nodes     *cache.Repository[model.ProcessingNode]

	// nodeStore — точечные записи узлов и чтение LastSeen в обход кэша
	nodeStore repository.NodeRepository
}

// NewConfigCaches создаёт кэши поверх репозиториев. Ревизию
// увеличивает SchedulerState.
func NewConfigCaches(
	libraries repository.LibraryRepository,
	flows repository.FlowRepository,
	variables repository.VariableRepository,
	nodes repository.NodeRepository,
	st *state.SchedulerState,
	logger *slog.Logger,
) *ConfigCaches {
	return &ConfigCaches{
		Libraries: cache.New[model.Library]("libraries", libraries, st, logger),
		Flows:     cache.New[model.Flow]("flows", flows, st, logger),
		Variables: cache.New[model.Variable]("variables", variables, st, logger),
		Nodes:     cache.New[model.ProcessingNode]("nodes", nodes, st, logger),
		nodeStore: nodes,
	}
}

// RefreshAll перечитывает все кэши из хранилища.
func (c *ConfigCaches) RefreshAll(ctx context.Context) error {
	if err := c.Libraries.Refresh(ctx); err != nil {
		return err
	}
	if err := c.Flows.Refresh(ctx); err != nil {
		return err
	}
	if err := c.Variables.Refresh(ctx); err != nil {
		return err
	}
	return c.Nodes.Refresh(ctx)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// --- Библиотеки ---

// LibraryService — CRUD библиотек.
type LibraryService struct {
	caches *ConfigCaches
	state  *state.SchedulerState
	logger *slog.Logger
}

// NewLibraryService создаёт сервис библиотек.
func NewLibraryService(caches *ConfigCaches, st *state.SchedulerState, logger *slog.Logger) *LibraryService {
	return &LibraryService{
		caches: caches,
		state:  st,
		logger: logger.With(slog.String("component", "library_service")),
	}
}

// List возвращает все библиотеки.
func (s *LibraryService) List(ctx context.Context) ([]model.Library, error) {
	return s.caches.Libraries.GetAll(ctx)
}

// Get возвращает библиотеку по UID.
func (s *LibraryService) Get(ctx context.Context, uid string) (*model.Library, error) {
	lib, ok, err := s.caches.Libraries.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: библиотека %s", ErrNotFound, uid)
	}
	return &lib, nil
}

func (s *LibraryService) validate(ctx context.Context, lib *model.Library) error {
	lib.Name = strings.TrimSpace(lib.Name)
	switch {
	case lib.Name == "":
		return validationError("имя библиотеки обязательно")
	case strings.TrimSpace(lib.Path) == "":
		return validationError("путь библиотеки обязателен")
	case !lib.Priority.Valid():
		return validationError("недопустимый приоритет %d", lib.Priority)
	case !lib.ProcessingOrder.Valid():
		return validationError("недопустимый порядок обработки %d", lib.ProcessingOrder)
	case lib.MaxRunners < 0:
		return validationError("maxRunners не может быть отрицательным")
	case lib.HoldMinutes < 0:
		return validationError("holdMinutes не может быть отрицательным")
	case lib.ScanInterval < 0:
		return validationError("scanInterval не может быть отрицательным")
	}
	if lib.FlowUID != "" {
		if _, ok, err := s.caches.Flows.GetByID(ctx, lib.FlowUID); err != nil {
			return err
		} else if !ok {
			return validationError("поток %s не найден", lib.FlowUID)
		}
	}
	if !schedule.Valid(lib.Schedule) && lib.Schedule != "" {
		s.logger.Warn("Некорректное расписание библиотеки, сохраняется как без ограничений",
			slog.String("library", lib.Name),
			slog.Int("length", len(lib.Schedule)),
		)
	}
	lib.Schedule = schedule.Normalize(lib.Schedule)
	return nil
}

// Create создаёт библиотеку.
func (s *LibraryService) Create(ctx context.Context, lib model.Library) (*model.Library, error) {
	if err := s.validate(ctx, &lib); err != nil {
		return nil, err
	}
	now := s.state.Now()
	lib.UID = uuid.New().String()
	lib.DateCreated = now
	lib.DateModified = now

	if err := s.caches.Libraries.Update(ctx, lib); err != nil {
		return nil, mapRepoError(err)
	}
	s.logger.Info("Библиотека создана",
		slog.String("uid", lib.UID),
		slog.String("name", lib.Name),
	)
	return &lib, nil
}

// Update заменяет библиотеку.
func (s *LibraryService) Update(ctx context.Context, uid string, lib model.Library) (*model.Library, error) {
	existing, err := s.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, &lib); err != nil {
		return nil, err
	}
	lib.UID = uid
	lib.DateCreated = existing.DateCreated
	lib.LastScanned = existing.LastScanned
	lib.DateModified = s.state.Now()

	if err := s.caches.Libraries.Update(ctx, lib); err != nil {
		return nil, mapRepoError(err)
	}
	s.logger.Info("Библиотека обновлена", slog.String("uid", uid))
	return &lib, nil
}

// Delete удаляет библиотеку. Файлы библиотеки остаются в хранилище
// и не выдаются воркерам, пока библиотека отсутствует.
func (s *LibraryService) Delete(ctx context.Context, uid string) error {
	if err := s.caches.Libraries.Delete(ctx, uid); err != nil {
		return mapRepoError(err)
	}
	s.logger.Info("Библиотека удалена", slog.String("uid", uid))
	return nil
}

// --- Потоки ---

// FlowService — CRUD потоков. Определение потока не интерпретируется.
type FlowService struct {
	caches *ConfigCaches
	state  *state.SchedulerState
	logger *slog.Logger
}

// NewFlowService создаёт сервис потоков.
func NewFlowService(caches *ConfigCaches, st *state.SchedulerState, logger *slog.Logger) *FlowService {
	return &FlowService{
		caches: caches,
		state:  st,
		logger: logger.With(slog.String("component", "flow_service")),
	}
}

// List возвращает все потоки.
func (s *FlowService) List(ctx context.Context) ([]model.Flow, error) {
	return s.caches.Flows.GetAll(ctx)
}

// Get возвращает поток по UID.
func (s *FlowService) Get(ctx context.Context, uid string) (*model.Flow, error) {
	f, ok, err := s.caches.Flows.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: поток %s", ErrNotFound, uid)
	}
	return &f, nil
}

func validateFlow(f *model.Flow) error {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return validationError("имя потока обязательно")
	}
	if len(f.Definition) > 0 && !json.Valid(f.Definition) {
		return validationError("определение потока должно быть JSON")
	}
	return nil
}

// Create создаёт поток.
func (s *FlowService) Create(ctx context.Context, f model.Flow) (*model.Flow, error) {
	if err := validateFlow(&f); err != nil {
		return nil, err
	}
	now := s.state.Now()
	f.UID = uuid.New().String()
	f.DateCreated = now
	f.DateModified = now

	if err := s.caches.Flows.Update(ctx, f); err != nil {
		return nil, mapRepoError(err)
	}
	s.logger.Info("Поток создан", slog.String("uid", f.UID), slog.String("name", f.Name))
	return &f, nil
}

// Update заменяет поток.
func (s *FlowService) Update(ctx context.Context, uid string, f model.Flow) (*model.Flow, error) {
	existing, err := s.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := validateFlow(&f); err != nil {
		return nil, err
	}
	f.UID = uid
	f.DateCreated = existing.DateCreated
	f.DateModified = s.state.Now()

	if err := s.caches.Flows.Update(ctx, f); err != nil {
		return nil, mapRepoError(err)
	}
	s.logger.Info("Поток обновлён", slog.String("uid", uid))
	return &f, nil
}

// Delete удаляет поток. Библиотеки со ссылкой на него перестают
// выдавать файлы.
func (s *FlowService) Delete(ctx context.Context, uid string) error {
	if err := s.caches.Flows.Delete(ctx, uid); err != nil {
		return mapRepoError(err)
	}
	s.logger.Info("Поток удалён", slog.String("uid", uid))
	return nil
}

// --- Переменные ---

// VariableService — CRUD глобальных переменных.
type VariableService struct {
	caches *ConfigCaches
	state  *state.SchedulerState
}

// NewVariableService создаёт сервис переменных.
func NewVariableService(caches *ConfigCaches, st *state.SchedulerState) *VariableService {
	return &VariableService{caches: caches, state: st}
}

// List возвращает все переменные.
func (s *VariableService) List(ctx context.Context) ([]model.Variable, error) {
	return s.caches.Variables.GetAll(ctx)
}

// Create создаёт переменную.
func (s *VariableService) Create(ctx context.Context, v model.Variable) (*model.Variable, error) {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return nil, validationError("имя переменной обязательно")
	}
	now := s.state.Now()
	v.UID = uuid.New().String()
	v.DateCreated = now
	v.DateModified = now

	if err := s.caches.Variables.Update(ctx, v); err != nil {
		return nil, mapRepoError(err)
	}
	return &v, nil
}

// Update заменяет переменную.
func (s *VariableService) Update(ctx context.Context, uid string, v model.Variable) (*model.Variable, error) {
	existing, ok, err := s.caches.Variables.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: переменная %s", ErrNotFound, uid)
	}
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return nil, validationError("имя переменной обязательно")
	}
	v.UID = uid
	v.DateCreated = existing.DateCreated
	v.DateModified = s.state.Now()

	if err := s.caches.Variables.Update(ctx, v); err != nil {
		return nil, mapRepoError(err)
	}
	return &v, nil
}

// Delete удаляет переменную.
func (s *VariableService) Delete(ctx context.Context, uid string) error {
	return mapRepoError(s.caches.Variables.Delete(ctx, uid))
}
