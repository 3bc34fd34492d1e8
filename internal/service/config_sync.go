// config_sync.go — раздача конфигурации узлам.
//
// Узлы опрашивают ревизию и забирают снимок при её изменении.
// Снимки кэшируются в LRU по номеру ревизии. Фоновая горутина
// подхватывает изменения от других экземпляров сервера: если ревизия
// в хранилище ушла вперёд, кэши перечитываются.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

var (
	snapshotHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ff_config_snapshot_hits_total",
		Help: "Количество попаданий в кэш снимков конфигурации.",
	})
	snapshotMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ff_config_snapshot_misses_total",
		Help: "Количество промахов кэша снимков конфигурации.",
	})
)

// ConfigSyncService — снимки конфигурации для узлов.
type ConfigSyncService struct {
	caches    *ConfigCaches
	state     *state.SchedulerState
	snapshots *expirable.LRU[int64, *model.ConfigSnapshot]
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConfigSyncService создаёт сервис. size и ttl — параметры LRU снимков,
// interval — период сверки ревизии с хранилищем.
func NewConfigSyncService(
	caches *ConfigCaches,
	st *state.SchedulerState,
	size int,
	ttl time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *ConfigSyncService {
	return &ConfigSyncService{
		caches:    caches,
		state:     st,
		snapshots: expirable.NewLRU[int64, *model.ConfigSnapshot](size, nil, ttl),
		interval:  interval,
		logger:    logger.With(slog.String("component", "config_sync")),
	}
}

// Revision возвращает текущую ревизию конфигурации.
func (s *ConfigSyncService) Revision() int64 {
	return s.state.Revision()
}

// CurrentConfig возвращает снимок конфигурации. Ревизия читается
// до сущностей, поэтому снимок не старше своей ревизии.
func (s *ConfigSyncService) CurrentConfig(ctx context.Context) (*model.ConfigSnapshot, error) {
	rev := s.state.Revision()
	if snap, ok := s.snapshots.Get(rev); ok {
		snapshotHitsTotal.Inc()
		return snap, nil
	}
	snapshotMissesTotal.Inc()

	libraries, err := s.caches.Libraries.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	flows, err := s.caches.Flows.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	variables, err := s.caches.Variables.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	snap := &model.ConfigSnapshot{
		Revision:  rev,
		Libraries: nonNil(libraries),
		Flows:     nonNil(flows),
		Variables: nonNil(variables),
	}
	// Ревизия сменилась во время сборки: снимок не кэшируется.
	if s.state.Revision() == rev {
		s.snapshots.Add(rev, snap)
	}
	return snap, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// SyncOnce сверяет ревизию с хранилищем и при расхождении перечитывает
// кэши. Новая ревизия публикуется только после перечитывания.
func (s *ConfigSyncService) SyncOnce(ctx context.Context) error {
	rev, ahead, err := s.state.Pending(ctx)
	if err != nil {
		return err
	}
	if !ahead {
		return nil
	}
	if err := s.caches.RefreshAll(ctx); err != nil {
		return err
	}
	s.state.Advance(rev)
	s.logger.Info("Конфигурация перечитана из хранилища",
		slog.Int64("revision", rev),
	)
	return nil
}

// Start запускает фоновую сверку ревизии.
func (s *ConfigSyncService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Сверка ревизии конфигурации запущена",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Сверка ревизии конфигурации остановлена")
				return
			case <-ticker.C:
				if err := s.SyncOnce(ctx); err != nil {
					s.logger.Error("Ошибка сверки ревизии", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ConfigSyncService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
