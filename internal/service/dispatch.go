// dispatch.go — выдача файлов воркерам.
//
// ClaimNext для опрашивающего воркера:
//  1. пауза системы → system_paused
//  2. узел неизвестен, выключен или вне расписания → node_disabled
//  3. кандидаты: ожидающие файлы подходящих библиотек из хранилища →
//     цепочка фильтров → сортировка
//  4. атомарный захват первого кандидата; проигрыш гонки → следующий
//     кандидат в пределах бюджета; библиотека без слотов пропускается
//     без расхода бюджета
//
// Prometheus-метрики:
//   - ff_dispatch_claims_total{result} — результаты ClaimNext
//   - ff_dispatch_claim_conflicts_total — проигранные гонки за файл
//   - ff_dispatch_claim_duration_seconds — длительность ClaimNext
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/scheduling"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ff_dispatch_claims_total",
		Help: "Результаты запросов воркеров на получение файла",
	}, []string{"result"})

	claimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ff_dispatch_claim_conflicts_total",
		Help: "Количество проигранных гонок за файл",
	})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ff_dispatch_claim_duration_seconds",
		Help:    "Длительность выбора и захвата файла",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms … ~8s
	})
)

var tracer = otel.Tracer("flow-server/service")

// ClaimStatus — результат запроса воркера.
type ClaimStatus string

const (
	ClaimFound         ClaimStatus = "found"
	ClaimNoFile        ClaimStatus = "no_file"
	ClaimSystemPaused  ClaimStatus = "system_paused"
	ClaimNodeDisabled  ClaimStatus = "node_disabled"
	claimStorageFailed ClaimStatus = "error"
)

// ClaimRequest — запрос воркера на следующий файл.
type ClaimRequest struct {
	NodeUID     string `json:"nodeUid"`
	NodeName    string `json:"nodeName"`
	NodeVersion string `json:"nodeVersion"`
	WorkerUID   string `json:"workerUid"`
}

// ClaimResult — ответ на запрос воркера.
type ClaimResult struct {
	Status ClaimStatus        `json:"status"`
	File   *model.LibraryFile `json:"file,omitempty"`
	Flow   *model.Flow        `json:"flow,omitempty"`
}

// DispatchOptions — параметры выдачи файлов.
type DispatchOptions struct {
	// RetryBudget — сколько проигранных гонок допускается за один вызов.
	// Столько же файлов читается из каждой библиотеки.
	RetryBudget int
	// ClaimTimeout — таймаут одной попытки захвата
	ClaimTimeout time.Duration
	// CandidateLimit — сколько файлов с ручным порядком читать из хранилища
	CandidateLimit int
	// FileSizeUnit — байт в единице MaxFileSizeMB узла
	FileSizeUnit int64
}

// DispatchService — выбор и атомарная выдача файлов воркерам.
type DispatchService struct {
	caches   *ConfigCaches
	files    repository.LibraryFileRepository
	state    *state.SchedulerState
	registry *WorkerRegistry
	opts     DispatchOptions
	filters  []scheduling.Filter
	order    []scheduling.OrderStrategy
	logger   *slog.Logger
}

// NewDispatchService создаёт сервис выдачи файлов.
func NewDispatchService(
	caches *ConfigCaches,
	files repository.LibraryFileRepository,
	st *state.SchedulerState,
	registry *WorkerRegistry,
	opts DispatchOptions,
	logger *slog.Logger,
) *DispatchService {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 5
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 1000
	}
	if opts.FileSizeUnit <= 0 {
		opts.FileSizeUnit = 1 << 20
	}
	return &DispatchService{
		caches:   caches,
		files:    files,
		state:    st,
		registry: registry,
		opts:     opts,
		filters:  scheduling.DefaultFilters(),
		order:    scheduling.DefaultOrder(),
		logger:   logger.With(slog.String("component", "dispatch")),
	}
}

// ClaimNext выбирает и захватывает следующий файл для воркера.
// Отказы (пауза, узел выключен, нет файла) — обычные результаты;
// ошибка возвращается только при сбое хранилища.
func (s *DispatchService) ClaimNext(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if req.WorkerUID == "" {
		return nil, validationError("workerUid обязателен")
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "dispatch.claim_next",
		trace.WithAttributes(
			attribute.String("node_uid", req.NodeUID),
			attribute.String("worker_uid", req.WorkerUID),
		),
	)
	defer span.End()

	res, err := s.claimNext(ctx, req)
	claimDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		claimsTotal.WithLabelValues(string(claimStorageFailed)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Ошибка выдачи файла",
			slog.String("node_uid", req.NodeUID),
			slog.String("worker_uid", req.WorkerUID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	claimsTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(attribute.String("claim_status", string(res.Status)))
	return res, nil
}

func (s *DispatchService) claimNext(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if s.state.IsPaused() {
		return &ClaimResult{Status: ClaimSystemPaused}, nil
	}
	now := s.state.Now()

	node, ok, err := s.caches.Nodes.GetByID(ctx, req.NodeUID)
	if err != nil {
		return nil, err
	}
	if !ok || !node.Enabled || node.FlowRunners <= 0 || !schedule.InSchedule(node.Schedule, now) {
		return &ClaimResult{Status: ClaimNodeDisabled}, nil
	}

	libraryProcessing, nodeProcessing, err := s.files.ProcessingCounts(ctx)
	if err != nil {
		return nil, err
	}
	if nodeProcessing[node.UID] >= node.FlowRunners {
		return &ClaimResult{Status: ClaimNoFile}, nil
	}

	files, err := s.candidates(ctx, node, now, libraryProcessing)
	if err != nil {
		return nil, err
	}

	sctx := &scheduling.Context{
		Node: &node,
		Now:  now,
		Library: func(uid string) (model.Library, bool) {
			lib, ok, _ := s.caches.Libraries.GetByID(ctx, uid)
			return lib, ok
		},
		FlowExists: func(uid string) bool {
			f, ok, _ := s.caches.Flows.GetByID(ctx, uid)
			return ok && f.Enabled
		},
		LibraryProcessing: libraryProcessing,
		FileSizeUnit:      s.opts.FileSizeUnit,
	}
	candidates := scheduling.Apply(sctx, scheduling.Prepare(sctx, files), s.filters)
	scheduling.Order(candidates, s.order)

	nodeName := req.NodeName
	if nodeName == "" {
		nodeName = node.Name
	}

	// Бюджет расходуют только проигранные гонки за файл.
	conflicts := 0
	skipLibrary := make(map[string]bool)
	for _, c := range candidates {
		if conflicts >= s.opts.RetryBudget {
			break
		}
		if skipLibrary[c.Library.UID] {
			continue
		}

		claimed, err := s.tryClaim(ctx, model.ClaimParams{
			FileUID:           c.File.UID,
			LibraryUID:        c.Library.UID,
			NodeUID:           node.UID,
			NodeName:          nodeName,
			WorkerUID:         req.WorkerUID,
			LibraryMaxRunners: c.Library.MaxRunners,
			NodeFlowRunners:   node.FlowRunners,
			Now:               now,
		})
		switch {
		case err == nil:
			return s.found(ctx, claimed, c.Library, node, now), nil
		case errors.Is(err, repository.ErrClaimConflict):
			claimConflictsTotal.Inc()
			conflicts++
			continue
		case errors.Is(err, repository.ErrLibraryAtCapacity):
			skipLibrary[c.Library.UID] = true
			continue
		case errors.Is(err, repository.ErrNodeAtCapacity), errors.Is(err, repository.ErrWorkerBusy):
			s.logger.Debug("Узел или воркер заняты",
				slog.String("node_uid", node.UID),
				slog.String("worker_uid", req.WorkerUID),
				slog.String("reason", err.Error()),
			)
			return &ClaimResult{Status: ClaimNoFile}, nil
		default:
			return nil, fmt.Errorf("захват файла %s: %w", c.File.UID, err)
		}
	}

	return &ClaimResult{Status: ClaimNoFile}, nil
}

// candidates читает из хранилища ожидающие файлы только тех библиотек,
// которые узел может обработать прямо сейчас. Файлы с ручным порядком
// читаются одной выборкой, остальные — по RetryBudget от каждой
// библиотеки в её порядке обработки.
func (s *DispatchService) candidates(
	ctx context.Context,
	node model.ProcessingNode,
	now time.Time,
	libraryProcessing map[string]int,
) ([]*model.LibraryFile, error) {
	libraries, err := s.caches.Libraries.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var maxSize int64
	if node.MaxFileSizeMB > 0 {
		maxSize = node.MaxFileSizeMB * s.opts.FileSizeUnit
	}

	var inSchedule, forceOnly []string
	for _, lib := range libraries {
		if !s.eligible(ctx, node, lib, libraryProcessing) {
			continue
		}
		if schedule.InSchedule(lib.Schedule, now) {
			inSchedule = append(inSchedule, lib.UID)
		} else {
			forceOnly = append(forceOnly, lib.UID)
		}
	}
	if len(inSchedule) == 0 && len(forceOnly) == 0 {
		return nil, nil
	}

	files, err := s.files.ListDispatchable(ctx, model.DispatchQuery{
		Now:                now,
		Libraries:          inSchedule,
		ForceOnlyLibraries: forceOnly,
		Manual:             true,
		MaxSize:            maxSize,
		Limit:              s.opts.CandidateLimit,
	})
	if err != nil {
		return nil, err
	}

	for _, lib := range libraries {
		q := model.DispatchQuery{
			Now:     now,
			Order:   lib.ProcessingOrder,
			MaxSize: maxSize,
			Limit:   s.opts.RetryBudget,
		}
		switch {
		case slices.Contains(inSchedule, lib.UID):
			q.Libraries = []string{lib.UID}
		case slices.Contains(forceOnly, lib.UID):
			q.ForceOnlyLibraries = []string{lib.UID}
		default:
			continue
		}
		batch, err := s.files.ListDispatchable(ctx, q)
		if err != nil {
			return nil, err
		}
		files = append(files, batch...)
	}
	return files, nil
}

// eligible — библиотека включена, её поток доступен, узел её обслуживает
// и в ней есть свободный слот.
func (s *DispatchService) eligible(
	ctx context.Context,
	node model.ProcessingNode,
	lib model.Library,
	libraryProcessing map[string]int,
) bool {
	if !lib.Enabled || lib.FlowUID == "" || !node.AcceptsLibrary(lib.UID) {
		return false
	}
	if lib.MaxRunners > 0 && libraryProcessing[lib.UID] >= lib.MaxRunners {
		return false
	}
	flow, ok, _ := s.caches.Flows.GetByID(ctx, lib.FlowUID)
	return ok && flow.Enabled
}

func (s *DispatchService) tryClaim(ctx context.Context, p model.ClaimParams) (*model.LibraryFile, error) {
	if s.opts.ClaimTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ClaimTimeout)
		defer cancel()
	}
	return s.files.TryClaim(ctx, p)
}

func (s *DispatchService) found(
	ctx context.Context,
	f *model.LibraryFile,
	lib model.Library,
	node model.ProcessingNode,
	now time.Time,
) *ClaimResult {
	s.registry.RecordExecutor(model.FlowExecutorInfo{
		WorkerUID:   f.WorkerUID,
		NodeUID:     node.UID,
		NodeName:    f.NodeName,
		LibraryFile: f.Clone(),
		LibraryUID:  lib.UID,
		LibraryName: lib.Name,
		FlowUID:     lib.FlowUID,
		StartedAt:   now,
		LastUpdate:  now,
	})

	res := &ClaimResult{Status: ClaimFound, File: f}
	if flow, ok, _ := s.caches.Flows.GetByID(ctx, lib.FlowUID); ok {
		res.Flow = &flow
	}

	s.logger.Info("Файл выдан воркеру",
		slog.String("file_uid", f.UID),
		slog.String("file", f.Name),
		slog.String("library", lib.Name),
		slog.String("node", node.Name),
		slog.String("worker_uid", f.WorkerUID),
	)
	return res
}
