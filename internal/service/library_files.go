// library_files.go — сервис файлов библиотек.
//
// Обнаружение файлов сканером, выборки с отображаемым статусом,
// пакетные операции оператора (все или ничего), отмена и отчёт воркера.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/lifecycle"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

// FileRemover удаляет файл с диска при физическом удалении.
type FileRemover interface {
	Remove(ctx context.Context, path string) error
}

// OSFileRemover удаляет файлы локальной файловой системы.
type OSFileRemover struct{}

// Remove удаляет файл. Отсутствующий файл не считается ошибкой.
func (OSFileRemover) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DiscoverRequest — файл, найденный сканером.
type DiscoverRequest struct {
	LibraryUID    string    `json:"libraryUid"`
	Name          string    `json:"name"`
	RelativePath  string    `json:"relativePath"`
	Size          int64     `json:"size"`
	CreationTime  time.Time `json:"creationTime"`
	LastWriteTime time.Time `json:"lastWriteTime"`
}

// FileView — файл с отображаемым статусом.
type FileView struct {
	*model.LibraryFile
	DisplayStatus model.FileStatus `json:"displayStatus"`
}

// FileListParams — параметры выборки файлов.
type FileListParams struct {
	// Status — фильтр по отображаемому статусу
	Status     *model.FileStatus
	LibraryUID string
	NodeUID    string
	Limit      int
	Offset     int
}

// FileListResult — страница файлов.
type FileListResult struct {
	Items []FileView `json:"items"`
	Total int        `json:"total"`
}

// FinishRequest — отчёт воркера о завершении обработки.
type FinishRequest struct {
	WorkerUID     string           `json:"workerUid"`
	Status        model.FileStatus `json:"status"`
	FinalSize     int64            `json:"finalSize"`
	FailureReason string           `json:"failureReason"`
}

// LibraryFileService — операции над файлами библиотек.
type LibraryFileService struct {
	caches   *ConfigCaches
	files    repository.LibraryFileRepository
	state    *state.SchedulerState
	registry *WorkerRegistry
	remover  FileRemover
	// scanLimit — предел выборки при фильтре по вычисляемому статусу
	scanLimit int
	logger    *slog.Logger
}

// NewLibraryFileService создаёт сервис файлов.
func NewLibraryFileService(
	caches *ConfigCaches,
	files repository.LibraryFileRepository,
	st *state.SchedulerState,
	registry *WorkerRegistry,
	remover FileRemover,
	scanLimit int,
	logger *slog.Logger,
) *LibraryFileService {
	if remover == nil {
		remover = OSFileRemover{}
	}
	if scanLimit <= 0 {
		scanLimit = 1000
	}
	return &LibraryFileService{
		caches:    caches,
		files:     files,
		state:     st,
		registry:  registry,
		remover:   remover,
		scanLimit: scanLimit,
		logger:    logger.With(slog.String("component", "library_files")),
	}
}

// Discover добавляет найденный сканером файл. При задержке библиотеки
// файл попадает в on_hold.
func (s *LibraryFileService) Discover(ctx context.Context, req DiscoverRequest) (*model.LibraryFile, error) {
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		return nil, validationError("путь файла обязателен")
	case req.Size < 0:
		return nil, validationError("размер файла не может быть отрицательным")
	}
	lib, ok, err := s.caches.Libraries.GetByID(ctx, req.LibraryUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationError("библиотека %s не найдена", req.LibraryUID)
	}

	now := s.state.Now()
	f := lifecycle.Discover(&model.LibraryFile{
		UID:           uuid.New().String(),
		Name:          req.Name,
		RelativePath:  req.RelativePath,
		OriginalSize:  req.Size,
		CreationTime:  req.CreationTime.UTC(),
		LastWriteTime: req.LastWriteTime.UTC(),
	}, &lib, now)

	if err := s.files.Add(ctx, f); err != nil {
		return nil, mapRepoError(err)
	}
	s.logger.Info("Файл обнаружен",
		slog.String("uid", f.UID),
		slog.String("file", f.Name),
		slog.String("library", lib.Name),
		slog.String("status", f.Status.String()),
	)
	return f, nil
}

func (s *LibraryFileService) view(ctx context.Context, f *model.LibraryFile, now time.Time) FileView {
	var lib *model.Library
	if l, ok, _ := s.caches.Libraries.GetByID(ctx, f.LibraryUID); ok {
		lib = &l
	}
	return FileView{LibraryFile: f, DisplayStatus: lifecycle.DisplayStatus(f, lib, now)}
}

// Get возвращает файл с отображаемым статусом.
func (s *LibraryFileService) Get(ctx context.Context, uid string) (*FileView, error) {
	f, err := s.files.Get(ctx, uid)
	if err != nil {
		return nil, mapRepoError(err)
	}
	v := s.view(ctx, f, s.state.Now())
	return &v, nil
}

// List возвращает страницу файлов. Статусы out_of_schedule и
// отложенный on_hold вычисляются, поэтому фильтр по ним применяется
// в памяти к ожидающим файлам.
func (s *LibraryFileService) List(ctx context.Context, p FileListParams) (*FileListResult, error) {
	now := s.state.Now()
	filter := model.FileFilter{
		Status:     p.Status,
		LibraryUID: p.LibraryUID,
		NodeUID:    p.NodeUID,
		Limit:      p.Limit,
		Offset:     p.Offset,
	}

	if p.Status != nil && computedStatus(*p.Status) {
		return s.listComputed(ctx, filter, *p.Status, now)
	}

	files, err := s.files.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.files.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]FileView, 0, len(files))
	for _, f := range files {
		items = append(items, s.view(ctx, f, now))
	}
	return &FileListResult{Items: items, Total: total}, nil
}

// computedStatus — статусы, которые может показывать ожидающий файл.
func computedStatus(st model.FileStatus) bool {
	return st == model.FileStatusOutOfSchedule || st == model.FileStatusOnHold ||
		st == model.FileStatusUnprocessed
}

func (s *LibraryFileService) listComputed(
	ctx context.Context,
	filter model.FileFilter,
	want model.FileStatus,
	now time.Time,
) (*FileListResult, error) {
	var matched []FileView
	for _, stored := range []model.FileStatus{model.FileStatusUnprocessed, model.FileStatusOnHold} {
		st := stored
		files, err := s.files.List(ctx, model.FileFilter{
			Status:     &st,
			LibraryUID: filter.LibraryUID,
			NodeUID:    filter.NodeUID,
			Limit:      s.scanLimit,
		})
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if v := s.view(ctx, f, now); v.DisplayStatus == want {
				matched = append(matched, v)
			}
		}
	}

	total := len(matched)
	if filter.Offset >= total {
		return &FileListResult{Items: []FileView{}, Total: total}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return &FileListResult{Items: matched, Total: total}, nil
}

// applyBatch загружает файлы, применяет переход к каждому и сохраняет
// все изменения одной операцией. Ошибка любого перехода отменяет всё.
func (s *LibraryFileService) applyBatch(
	ctx context.Context,
	op string,
	uids []string,
	fn func(i int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error),
) (int, error) {
	uids = dedupe(uids)
	if len(uids) == 0 {
		return 0, validationError("список файлов пуст")
	}

	files, err := s.files.GetMany(ctx, uids)
	if err != nil {
		return 0, err
	}
	if len(files) != len(uids) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, missing(uids, files))
	}

	// Порядок как в запросе: для move-to-top он задаёт очерёдность.
	byUID := make(map[string]*model.LibraryFile, len(files))
	for _, f := range files {
		byUID[f.UID] = f
	}

	now := s.state.Now()
	changes := make([]repository.Change, 0, len(uids))
	for i, uid := range uids {
		before := byUID[uid]
		after, err := fn(i, before, now)
		if err != nil {
			return 0, mapTransitionError(err)
		}
		changes = append(changes, repository.Change{Before: before, After: after})
	}

	if err := s.files.SaveChanges(ctx, changes); err != nil {
		return 0, mapRepoError(err)
	}
	s.logger.Info("Пакетная операция над файлами выполнена",
		slog.String("operation", op),
		slog.Int("count", len(changes)),
	)
	return len(changes), nil
}

func dedupe(uids []string) []string {
	seen := make(map[string]bool, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		uid = strings.TrimSpace(uid)
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}

func missing(uids []string, files []*model.LibraryFile) string {
	found := make(map[string]bool, len(files))
	for _, f := range files {
		found[f.UID] = true
	}
	var out []string
	for _, uid := range uids {
		if !found[uid] {
			out = append(out, uid)
		}
	}
	return "файлы не найдены: " + strings.Join(out, ", ")
}

// topOrderCeiling — первое значение ручного порядка. Каждый следующий
// MoveToTop выдаёт значения ниже всех выданных ранее.
const topOrderCeiling = 1 << 30

// MoveToTop ставит файлы в начало очереди в порядке списка, перед
// файлами, поднятыми ранее.
func (s *LibraryFileService) MoveToTop(ctx context.Context, uids []string) (int, error) {
	uids = dedupe(uids)
	low, err := s.files.MinExecutionOrder(ctx)
	if err != nil {
		return 0, err
	}
	if low <= 0 {
		low = topOrderCeiling
	}
	base := low - len(uids)
	if base < 1 {
		return 0, fmt.Errorf("%w: ручной порядок исчерпан", ErrConflict)
	}
	return s.applyBatch(ctx, "move_to_top", uids, func(i int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.MoveToTop(f, base+i, now), nil
	})
}

// Reprocess возвращает файлы в очередь с очисткой результатов.
func (s *LibraryFileService) Reprocess(ctx context.Context, uids []string) (int, error) {
	return s.applyBatch(ctx, "reprocess", uids, func(_ int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.Reprocess(f, now)
	})
}

// ForceProcessing ставит файлы в очередь с обходом расписания библиотеки.
func (s *LibraryFileService) ForceProcessing(ctx context.Context, uids []string) (int, error) {
	return s.applyBatch(ctx, "force_processing", uids, func(_ int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.ForceProcessing(f, now)
	})
}

// ToggleForce переключает флаг force.
func (s *LibraryFileService) ToggleForce(ctx context.Context, uids []string) (int, error) {
	return s.applyBatch(ctx, "toggle_force", uids, func(_ int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.ToggleForce(f, now), nil
	})
}

// Unhold снимает задержку с файлов.
func (s *LibraryFileService) Unhold(ctx context.Context, uids []string) (int, error) {
	return s.applyBatch(ctx, "unhold", uids, func(_ int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.Unhold(f, now)
	})
}

// SetStatus выставляет статус файлам вручную.
func (s *LibraryFileService) SetStatus(ctx context.Context, status model.FileStatus, uids []string) (int, error) {
	if !status.Stored() {
		return 0, validationError("статус %s не хранится", status)
	}
	return s.applyBatch(ctx, "set_status", uids, func(_ int, f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
		return lifecycle.SetStatus(f, status, now)
	})
}

// Delete удаляет записи файлов, при physical — и сами файлы. Если хотя
// бы одного файла нет или он обрабатывается, не удаляется ничего.
// С диска удаляются только файлы, записи которых удалены; ошибка
// удаления с диска записи не возвращает и только логируется.
func (s *LibraryFileService) Delete(ctx context.Context, uids []string, physical bool) (int, error) {
	uids = dedupe(uids)
	if len(uids) == 0 {
		return 0, validationError("список файлов пуст")
	}

	deleted, err := s.files.Delete(ctx, uids)
	switch {
	case errors.Is(err, repository.ErrConflict):
		return 0, fmt.Errorf("%w: %w", ErrFileProcessing, err) //nolint:errorlint // намеренный двойной wrap
	case err != nil:
		return 0, mapRepoError(err)
	}

	failed := 0
	if physical {
		for _, f := range deleted {
			if err := s.remover.Remove(ctx, f.Name); err != nil {
				failed++
				s.logger.Warn("Не удалось удалить файл с диска",
					slog.String("uid", f.UID),
					slog.String("file", f.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	s.logger.Info("Файлы удалены",
		slog.Int("count", len(deleted)),
		slog.Bool("physical", physical),
		slog.Int("remove_failed", failed),
	)
	return len(deleted), nil
}

// Cancel возвращает обрабатываемый файл в очередь и уведомляет узел.
// Для файла не в processing ничего не делает.
func (s *LibraryFileService) Cancel(ctx context.Context, uid string) (*model.LibraryFile, error) {
	f, err := s.files.Get(ctx, uid)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if f.Status != model.FileStatusProcessing {
		return f, nil
	}

	next := lifecycle.Cancel(f, s.state.Now())
	if err := s.files.SaveChanges(ctx, []repository.Change{{Before: f, After: next}}); err != nil {
		return nil, mapRepoError(err)
	}
	s.registry.DropExecutor(uid)
	s.registry.NotifyCancel(ctx, f)

	s.logger.Info("Обработка файла отменена",
		slog.String("uid", uid),
		slog.String("node_uid", f.NodeUID),
		slog.String("worker_uid", f.WorkerUID),
	)
	return next, nil
}

// Finish применяет отчёт воркера о завершении обработки.
func (s *LibraryFileService) Finish(ctx context.Context, uid string, req FinishRequest) (*model.LibraryFile, error) {
	if req.WorkerUID == "" {
		return nil, validationError("workerUid обязателен")
	}
	f, err := s.files.Get(ctx, uid)
	if err != nil {
		return nil, mapRepoError(err)
	}
	next, err := lifecycle.Complete(f, model.FinishParams{
		WorkerUID:     req.WorkerUID,
		Status:        req.Status,
		FinalSize:     req.FinalSize,
		FailureReason: req.FailureReason,
		Ended:         s.state.Now(),
	})
	if err != nil {
		return nil, mapTransitionError(err)
	}
	if err := s.files.SaveChanges(ctx, []repository.Change{{Before: f, After: next}}); err != nil {
		return nil, mapRepoError(err)
	}
	s.registry.DropExecutor(uid)

	s.logger.Info("Обработка файла завершена",
		slog.String("uid", uid),
		slog.String("file", f.Name),
		slog.String("status", next.Status.String()),
		slog.String("worker_uid", req.WorkerUID),
	)
	return next, nil
}
