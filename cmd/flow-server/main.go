// Точка входа Flow Server — планировщик и диспетчер обработки файлов.
// Загружает конфигурацию, открывает хранилище (PostgreSQL или память),
// применяет миграции, поднимает кэши конфигурации и сервисный слой,
// запускает фоновые задачи (очистка, синхронизация ревизии,
// topologymetrics) и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/fileflows/flow-server/internal/api/handlers"
	"github.com/bigkaa/fileflows/flow-server/internal/config"
	"github.com/bigkaa/fileflows/flow-server/internal/database"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/repository/memory"
	"github.com/bigkaa/fileflows/flow-server/internal/server"
	"github.com/bigkaa/fileflows/flow-server/internal/service"
	"github.com/bigkaa/fileflows/flow-server/internal/signal"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
	"github.com/bigkaa/fileflows/flow-server/internal/tracing"
)

// storage — репозитории выбранного драйвера.
type storage struct {
	libraries repository.LibraryRepository
	flows     repository.FlowRepository
	variables repository.VariableRepository
	nodes     repository.NodeRepository
	files     repository.LibraryFileRepository
	settings  repository.SettingsRepository
	checker   handlers.ReadinessChecker
	closers   []func()
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Flow Server запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage", cfg.StorageDriver),
	)

	ctx := context.Background()

	// 3. Трассировка
	shutdownTracer, err := tracing.InitTracer(ctx, "flow-server", config.Version, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("Ошибка инициализации трассировки", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Хранилище
	var dephealthSvc *service.DephealthService
	var store *storage
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		store, dephealthSvc, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		store = openMemory()
		logger.Warn("Хранилище в памяти: данные не сохраняются между перезапусками")
	}
	defer store.close()

	// 5. Доставка команд узлам
	var signaler signal.Signaler = signal.Noop{}
	var signalChecker handlers.ReadinessChecker = signal.Noop{}
	if cfg.RedisAddr != "" {
		rs, redisErr := signal.NewRedisSignaler(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if redisErr != nil {
			logger.Warn("Redis недоступен, команды узлам не доставляются",
				slog.String("error", redisErr.Error()),
			)
		} else {
			signaler, signalChecker = rs, rs
			defer func() { _ = rs.Close() }()
			logger.Info("Доставка команд через Redis", slog.String("addr", cfg.RedisAddr))
		}
	}

	// 6. Состояние планировщика и кэши конфигурации
	st := state.New(store.settings, logger)
	if err := st.Load(ctx); err != nil {
		logger.Error("Ошибка загрузки состояния", slog.String("error", err.Error()))
		os.Exit(1)
	}
	caches := service.NewConfigCaches(store.libraries, store.flows, store.variables, store.nodes, st, logger)
	if err := caches.RefreshAll(ctx); err != nil {
		logger.Error("Ошибка загрузки конфигурации из хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Services
	registry := service.NewWorkerRegistry(
		caches, store.files, st, signaler,
		cfg.SweepInterval, cfg.NodeTimeout,
		logger,
	)
	dispatchSvc := service.NewDispatchService(caches, store.files, st, registry, service.DispatchOptions{
		RetryBudget:    cfg.ClaimRetryBudget,
		ClaimTimeout:   cfg.ClaimTimeout,
		CandidateLimit: cfg.CandidateLimit,
		FileSizeUnit:   cfg.FileSizeUnitBytes,
	}, logger)
	filesSvc := service.NewLibraryFileService(
		caches, store.files, st, registry,
		service.OSFileRemover{}, cfg.CandidateLimit,
		logger,
	)
	configSyncSvc := service.NewConfigSyncService(
		caches, st,
		cfg.ConfigCacheSize, cfg.ConfigCacheTTL, cfg.SweepInterval,
		logger,
	)

	// 8. API handler
	storageChecker := store.checker
	if dephealthSvc != nil {
		storageChecker = dephealthSvc
	}
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(storageChecker, signalChecker),
		handlers.Services{
			Dispatch:   dispatchSvc,
			Files:      filesSvc,
			Libraries:  service.NewLibraryService(caches, st, logger),
			Flows:      service.NewFlowService(caches, st, logger),
			Variables:  service.NewVariableService(caches, st),
			Registry:   registry,
			ConfigSync: configSyncSvc,
			System:     service.NewSystemService(st, registry, logger),
		},
		logger,
	)

	// 9. Запуск фоновых задач
	registry.Start(ctx)
	configSyncSvc.Start(ctx)

	// 10. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler)
	runErr := srv.Run()

	// 11. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	registry.Stop()
	configSyncSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("Ошибка остановки трассировки", slog.String("error", err.Error()))
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		store.close()
		os.Exit(1)
	}
	logger.Info("Flow Server остановлен")
}

// openPostgres применяет миграции, открывает пул и запускает
// topologymetrics. Ошибка topologymetrics не фатальна.
func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, *service.DephealthService, error) {
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, nil, err
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)

	store := &storage{
		libraries: repository.NewLibraryRepository(pool),
		flows:     repository.NewFlowRepository(pool),
		variables: repository.NewVariableRepository(pool),
		nodes:     repository.NewNodeRepository(pool),
		files:     repository.NewLibraryFileRepository(pool),
		settings:  repository.NewSettingsRepository(pool),
		checker:   database.NewReadinessChecker(pool),
		closers:   []func(){pool.Close, func() { _ = pgDB.Close() }},
	}

	if os.Getenv("FF_DEPHEALTH_GROUP") == "" {
		logger.Warn("FF_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}
	dh, err := service.NewDephealthService(
		"flow-server",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return store, nil, nil
	}
	if err := dh.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return store, nil, nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return store, dh, nil
}

func openMemory() *storage {
	m := memory.New()
	return &storage{
		libraries: m.Libraries(),
		flows:     m.Flows(),
		variables: m.Variables(),
		nodes:     m.Nodes(),
		files:     m.Files(),
		settings:  m.Settings(),
		checker:   handlers.StaticChecker{Message: "хранилище в памяти"},
	}
}
