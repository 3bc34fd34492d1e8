// registry.go — реестр узлов обработки и активных воркеров.
//
// WorkerRegistry отвечает за:
//   - регистрацию узлов и heartbeat (LastSeen не меняет ревизию);
//     сведения узла и LastSeen пишутся точечно, не всей строкой;
//   - администрирование узлов (включение, ёмкость, привязка к библиотекам);
//   - учёт живых захватов файлов (FlowExecutorInfo, только в памяти);
//   - фоновую очистку: возврат в очередь файлов пропавших узлов
//     и снятие истёкших задержек.
//
// Prometheus-метрики:
//   - ff_sweep_released_files_total — файлы, возвращённые в очередь фоновой очисткой
//   - ff_active_executors — число активных захватов
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/fileflows/flow-server/internal/cache"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/signal"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

var (
	sweepReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ff_sweep_released_files_total",
		Help: "Файлы, возвращённые в очередь фоновой очисткой",
	}, []string{"reason"}) // reason: hold_elapsed, node_timeout

	activeExecutors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ff_active_executors",
		Help: "Число файлов, захваченных воркерами",
	})
)

// RegisterRequest — данные узла при регистрации.
type RegisterRequest struct {
	Address         string          `json:"address"`
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Architecture    string          `json:"architecture"`
	OperatingSystem string          `json:"operatingSystem"`
	Mappings        []model.Mapping `json:"mappings"`
}

// RegisterResult — ответ на регистрацию.
type RegisterResult struct {
	Node     model.ProcessingNode `json:"node"`
	Channel  string               `json:"channel"`
	Revision int64                `json:"revision"`
}

// SweepResult — итог одного прохода фоновой очистки.
type SweepResult struct {
	HoldReleased  int
	NodesTimedOut []string
	FilesReset    int
	ExecutorsLost int
}

// WorkerRegistry — реестр узлов и живых захватов.
type WorkerRegistry struct {
	caches      *ConfigCaches
	files       repository.LibraryFileRepository
	state       *state.SchedulerState
	signaler    signal.Signaler
	interval    time.Duration
	nodeTimeout time.Duration
	logger      *slog.Logger

	mu sync.RWMutex
	// executors — ключ: UID файла
	executors map[string]*model.FlowExecutorInfo

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerRegistry создаёт реестр.
func NewWorkerRegistry(
	caches *ConfigCaches,
	files repository.LibraryFileRepository,
	st *state.SchedulerState,
	signaler signal.Signaler,
	interval time.Duration,
	nodeTimeout time.Duration,
	logger *slog.Logger,
) *WorkerRegistry {
	if signaler == nil {
		signaler = signal.Noop{}
	}
	return &WorkerRegistry{
		caches:      caches,
		files:       files,
		state:       st,
		signaler:    signaler,
		interval:    interval,
		nodeTimeout: nodeTimeout,
		logger:      logger.With(slog.String("component", "worker_registry")),
		executors:   make(map[string]*model.FlowExecutorInfo),
	}
}

// --- Узлы ---

func (r *WorkerRegistry) findByAddress(ctx context.Context, address string) (*model.ProcessingNode, error) {
	nodes, err := r.caches.Nodes.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if strings.EqualFold(nodes[i].Address, address) {
			n := nodes[i]
			return &n, nil
		}
	}
	return nil, nil
}

// Register регистрирует узел. Новый узел создаётся выключенным, его
// включает администратор. Ревизия меняется только при создании узла
// или смене его версии.
func (r *WorkerRegistry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return nil, validationError("адрес узла обязателен")
	}
	now := r.state.Now()

	node, err := r.findByAddress(ctx, req.Address)
	if err != nil {
		return nil, err
	}

	rt := model.NodeRuntime{
		Version:         req.Version,
		Architecture:    req.Architecture,
		OperatingSystem: req.OperatingSystem,
		Mappings:        req.Mappings,
		LastSeen:        now,
	}

	if node == nil {
		created, err := r.createNode(ctx, req, rt)
		switch {
		case err == nil:
			return r.registered(created), nil
		case !errors.Is(err, ErrConflict):
			return nil, err
		}
		// Узел зарегистрирован другим экземпляром: снимок устарел.
		if err := r.caches.Nodes.Refresh(ctx); err != nil {
			return nil, err
		}
		if node, err = r.findByAddress(ctx, req.Address); err != nil {
			return nil, err
		}
		if node == nil {
			return nil, fmt.Errorf("%w: узел %q", ErrConflict, req.Address)
		}
	}

	var opts []cache.WriteOption
	if node.Version == req.Version {
		opts = append(opts, cache.SkipRevision())
	} else {
		r.logger.Info("Версия узла изменилась",
			slog.String("uid", node.UID),
			slog.String("old_version", node.Version),
			slog.String("new_version", req.Version),
		)
	}
	updated, err := r.caches.Nodes.Apply(ctx, node.UID,
		func(ctx context.Context) error { return r.caches.nodeStore.UpdateRuntime(ctx, node.UID, rt) },
		rt.ApplyTo,
		opts...,
	)
	if err != nil {
		return nil, r.mapNodeError(node.UID, err)
	}
	return r.registered(&updated), nil
}

func (r *WorkerRegistry) createNode(ctx context.Context, req RegisterRequest, rt model.NodeRuntime) (*model.ProcessingNode, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Address
	}
	node := &model.ProcessingNode{
		UID:          uuid.New().String(),
		Name:         name,
		Address:      req.Address,
		FlowRunners:  1,
		AllLibraries: model.AffinityAll,
		DateCreated:  rt.LastSeen,
	}
	rt.ApplyTo(node)
	if err := r.caches.Nodes.Update(ctx, *node); err != nil {
		return nil, mapRepoError(err)
	}
	r.logger.Info("Зарегистрирован новый узел",
		slog.String("uid", node.UID),
		slog.String("address", node.Address),
		slog.String("version", req.Version),
	)
	return node, nil
}

func (r *WorkerRegistry) registered(node *model.ProcessingNode) *RegisterResult {
	return &RegisterResult{
		Node:     *node,
		Channel:  r.signaler.Channel(node.UID),
		Revision: r.state.Revision(),
	}
}

// Heartbeat обновляет LastSeen узла и время последнего контакта его воркеров.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, nodeUID string) error {
	now := r.state.Now()
	_, err := r.caches.Nodes.Apply(ctx, nodeUID,
		func(ctx context.Context) error { return r.caches.nodeStore.Touch(ctx, nodeUID, now) },
		func(n *model.ProcessingNode) { n.LastSeen = &now },
		cache.SkipRevision(),
	)
	if err != nil {
		return r.mapNodeError(nodeUID, err)
	}

	r.mu.Lock()
	for _, e := range r.executors {
		if e.NodeUID == nodeUID {
			e.LastUpdate = now
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *WorkerRegistry) mapNodeError(uid string, err error) error {
	if errors.Is(err, cache.ErrNotCached) {
		return fmt.Errorf("%w: узел %s", ErrNotFound, uid)
	}
	return mapRepoError(err)
}

// ListNodes возвращает все узлы.
func (r *WorkerRegistry) ListNodes(ctx context.Context) ([]model.ProcessingNode, error) {
	return r.caches.Nodes.GetAll(ctx)
}

// GetNode возвращает узел по UID.
func (r *WorkerRegistry) GetNode(ctx context.Context, uid string) (*model.ProcessingNode, error) {
	n, ok, err := r.caches.Nodes.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: узел %s", ErrNotFound, uid)
	}
	return &n, nil
}

// UpdateNode применяет административные настройки узла. Поля,
// которые сообщает сам узел (адрес, версия, платформа), не меняются.
func (r *WorkerRegistry) UpdateNode(ctx context.Context, uid string, upd model.ProcessingNode) (*model.ProcessingNode, error) {
	switch {
	case upd.FlowRunners < 0:
		return nil, validationError("flowRunners не может быть отрицательным")
	case upd.MaxFileSizeMB < 0:
		return nil, validationError("maxFileSizeMb не может быть отрицательным")
	case !upd.AllLibraries.Valid():
		return nil, validationError("недопустимый режим привязки %d", upd.AllLibraries)
	}

	now := r.state.Now()
	node, err := r.caches.Nodes.Modify(ctx, uid, func(n *model.ProcessingNode) error {
		if name := strings.TrimSpace(upd.Name); name != "" {
			n.Name = name
		}
		n.Enabled = upd.Enabled
		n.Schedule = schedule.Normalize(upd.Schedule)
		n.FlowRunners = upd.FlowRunners
		n.AllLibraries = upd.AllLibraries
		n.Libraries = upd.Libraries
		n.MaxFileSizeMB = upd.MaxFileSizeMB
		if upd.Mappings != nil {
			n.Mappings = upd.Mappings
		}
		n.DateModified = now
		return nil
	})
	if err != nil {
		return nil, r.mapNodeError(uid, err)
	}
	r.logger.Info("Узел обновлён",
		slog.String("uid", uid),
		slog.Bool("enabled", node.Enabled),
		slog.Int("flow_runners", node.FlowRunners),
	)
	return &node, nil
}

// DeleteNode удаляет узел, предварительно вернув его файлы в очередь.
func (r *WorkerRegistry) DeleteNode(ctx context.Context, uid string) error {
	if _, err := r.GetNode(ctx, uid); err != nil {
		return err
	}
	if _, err := r.ClearWorkers(ctx, uid); err != nil {
		return err
	}
	if err := r.caches.Nodes.Delete(ctx, uid); err != nil {
		return mapRepoError(err)
	}
	r.logger.Info("Узел удалён", slog.String("uid", uid))
	return nil
}

// ClearWorkers возвращает в очередь все файлы узла (узел перезапущен
// или упал) и удаляет его захваты из реестра.
func (r *WorkerRegistry) ClearWorkers(ctx context.Context, nodeUID string) ([]string, error) {
	uids, err := r.files.ResetForNode(ctx, nodeUID, r.state.Now())
	if err != nil {
		return nil, err
	}
	r.dropNode(nodeUID)
	if len(uids) > 0 {
		r.logger.Warn("Файлы узла возвращены в очередь",
			slog.String("node_uid", nodeUID),
			slog.Int("count", len(uids)),
		)
	}
	return uids, nil
}

// --- Захваты ---

// RecordExecutor запоминает живой захват файла.
func (r *WorkerRegistry) RecordExecutor(info model.FlowExecutorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[info.LibraryFile.UID] = &info
	activeExecutors.Set(float64(len(r.executors)))
}

// DropExecutor удаляет захват файла.
func (r *WorkerRegistry) DropExecutor(fileUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, fileUID)
	activeExecutors.Set(float64(len(r.executors)))
}

func (r *WorkerRegistry) dropNode(nodeUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, e := range r.executors {
		if e.NodeUID == nodeUID {
			delete(r.executors, uid)
		}
	}
	activeExecutors.Set(float64(len(r.executors)))
}

// Executors возвращает копию списка живых захватов, старые первыми.
func (r *WorkerRegistry) Executors() []model.FlowExecutorInfo {
	r.mu.RLock()
	out := make([]model.FlowExecutorInfo, 0, len(r.executors))
	for _, e := range r.executors {
		c := *e
		c.LibraryFile = e.LibraryFile.Clone()
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.FlowExecutorInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkerUID, b.WorkerUID)
	})
	return out
}

// NotifyCancel отправляет узлу команду прекратить обработку файла.
// Ошибка доставки только логируется.
func (r *WorkerRegistry) NotifyCancel(ctx context.Context, f *model.LibraryFile) {
	if f.NodeUID == "" {
		return
	}
	err := r.signaler.Publish(ctx, f.NodeUID, signal.Message{
		Command:   signal.CommandCancel,
		FileUID:   f.UID,
		WorkerUID: f.WorkerUID,
		SentAt:    r.state.Now(),
	})
	if err != nil {
		r.logger.Warn("Не удалось отправить узлу команду отмены",
			slog.String("node_uid", f.NodeUID),
			slog.String("file_uid", f.UID),
			slog.String("error", err.Error()),
		)
	}
}

// --- Фоновая очистка ---

// SweepOnce выполняет один проход очистки:
//  1. on_hold с истёкшей задержкой → unprocessed
//  2. файлы узлов без heartbeat дольше nodeTimeout → unprocessed
//  3. захваты, файл которых больше не обрабатывается, удаляются
func (r *WorkerRegistry) SweepOnce(ctx context.Context) (*SweepResult, error) {
	now := r.state.Now()
	res := &SweepResult{}

	released, err := r.files.ReleaseHeld(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("освобождение отложенных файлов: %w", err)
	}
	res.HoldReleased = released
	sweepReleasedTotal.WithLabelValues("hold_elapsed").Add(float64(released))

	// LastSeen читается из хранилища: heartbeat мог прийти на другой экземпляр.
	nodes, err := r.caches.nodeStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("чтение узлов: %w", err)
	}
	for _, n := range nodes {
		// Узел без LastSeen ещё ни разу не выходил на связь.
		if n.LastSeen == nil || now.Sub(*n.LastSeen) <= r.nodeTimeout {
			continue
		}
		uids, err := r.ClearWorkers(ctx, n.UID)
		if err != nil {
			return nil, fmt.Errorf("сброс файлов узла %s: %w", n.UID, err)
		}
		if len(uids) > 0 {
			res.NodesTimedOut = append(res.NodesTimedOut, n.UID)
			res.FilesReset += len(uids)
			sweepReleasedTotal.WithLabelValues("node_timeout").Add(float64(len(uids)))
		}
	}

	lost, err := r.dropOrphans(ctx)
	if err != nil {
		return nil, err
	}
	res.ExecutorsLost = lost
	return res, nil
}

func (r *WorkerRegistry) dropOrphans(ctx context.Context) (int, error) {
	r.mu.RLock()
	uids := make([]string, 0, len(r.executors))
	for uid := range r.executors {
		uids = append(uids, uid)
	}
	r.mu.RUnlock()
	if len(uids) == 0 {
		return 0, nil
	}

	files, err := r.files.GetMany(ctx, uids)
	if err != nil {
		return 0, fmt.Errorf("проверка захватов: %w", err)
	}
	live := make(map[string]*model.LibraryFile, len(files))
	for _, f := range files {
		live[f.UID] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lost := 0
	for _, uid := range uids {
		e, ok := r.executors[uid]
		if !ok {
			continue
		}
		f := live[uid]
		if f == nil || f.Status != model.FileStatusProcessing || f.WorkerUID != e.WorkerUID {
			delete(r.executors, uid)
			lost++
		}
	}
	activeExecutors.Set(float64(len(r.executors)))
	return lost, nil
}

// Start запускает фоновую очистку.
func (r *WorkerRegistry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		r.logger.Info("Фоновая очистка узлов запущена",
			slog.String("interval", r.interval.String()),
			slog.String("node_timeout", r.nodeTimeout.String()),
		)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Фоновая очистка узлов остановлена")
				return
			case <-ticker.C:
				res, err := r.SweepOnce(ctx)
				if err != nil {
					r.logger.Error("Ошибка фоновой очистки", slog.String("error", err.Error()))
					continue
				}
				if res.HoldReleased > 0 || res.FilesReset > 0 || res.ExecutorsLost > 0 {
					r.logger.Info("Фоновая очистка завершена",
						slog.Int("hold_released", res.HoldReleased),
						slog.Int("files_reset", res.FilesReset),
						slog.Int("executors_lost", res.ExecutorsLost),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую очистку и ждёт завершения.
func (r *WorkerRegistry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}
