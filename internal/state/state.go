// Пакет state — глобальное состояние планировщика: ревизия
// конфигурации и окно паузы обработки.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/fileflows/flow-server/internal/repository"
)

var revisionGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ff_config_revision",
	Help: "Текущая ревизия конфигурации",
})

// SchedulerState — ревизия и пауза, зеркало строки settings.
type SchedulerState struct {
	settings repository.SettingsRepository
	logger   *slog.Logger
	now      func() time.Time

	revision atomic.Int64
	paused   atomic.Pointer[time.Time]

	// mu сериализует изменения ревизии и паузы
	mu sync.Mutex
}

// Option — параметр SchedulerState.
type Option func(*SchedulerState)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *SchedulerState) { s.now = now }
}

// defaultClock — текущее время с точностью PostgreSQL timestamptz.
func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// New создаёт состояние. Перед использованием нужен Load.
func New(settings repository.SettingsRepository, logger *slog.Logger, opts ...Option) *SchedulerState {
	s := &SchedulerState{
		settings: settings,
		logger:   logger.With(slog.String("component", "scheduler_state")),
		now:      defaultClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load читает состояние из хранилища.
func (s *SchedulerState) Load(ctx context.Context) error {
	st, err := s.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("загрузка состояния планировщика: %w", err)
	}
	s.revision.Store(st.Revision)
	s.paused.Store(st.PausedUntil)
	revisionGauge.Set(float64(st.Revision))
	return nil
}

// Pending перечитывает состояние из хранилища и сообщает, ушла ли
// ревизия хранилища вперёд (изменения от другого экземпляра сервера).
// Локальная ревизия не меняется: её публикует Advance после того,
// как кэши перечитаны.
func (s *SchedulerState) Pending(ctx context.Context) (int64, bool, error) {
	st, err := s.settings.Get(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("синхронизация состояния планировщика: %w", err)
	}
	s.paused.Store(st.PausedUntil)
	return st.Revision, st.Revision > s.revision.Load(), nil
}

// Advance публикует ревизию, если она больше текущей.
func (s *SchedulerState) Advance(rev int64) bool {
	for {
		cur := s.revision.Load()
		if rev <= cur {
			return false
		}
		if s.revision.CompareAndSwap(cur, rev) {
			revisionGauge.Set(float64(rev))
			return true
		}
	}
}

// Now возвращает текущее время по часам состояния.
func (s *SchedulerState) Now() time.Time {
	return s.now()
}

// Revision возвращает текущую ревизию конфигурации.
func (s *SchedulerState) Revision() int64 {
	return s.revision.Load()
}

// Bump увеличивает ревизию на единицу.
func (s *SchedulerState) Bump(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, err := s.settings.IncrementRevision(ctx)
	if err != nil {
		return 0, err
	}
	s.revision.Store(rev)
	revisionGauge.Set(float64(rev))
	return rev, nil
}

// PausedUntil возвращает конец окна паузы или nil.
func (s *SchedulerState) PausedUntil() *time.Time {
	p := s.paused.Load()
	if p == nil || !p.After(s.now()) {
		return nil
	}
	v := *p
	return &v
}

// IsPaused сообщает, приостановлена ли обработка сейчас.
func (s *SchedulerState) IsPaused() bool {
	return s.PausedUntil() != nil
}

// Pause приостанавливает выдачу файлов на d.
func (s *SchedulerState) Pause(ctx context.Context, d time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.now().Add(d)
	if err := s.settings.SetPausedUntil(ctx, &until); err != nil {
		return time.Time{}, err
	}
	s.paused.Store(&until)
	s.logger.Info("Обработка приостановлена", slog.Time("paused_until", until))
	return until, nil
}

// Resume снимает паузу.
func (s *SchedulerState) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settings.SetPausedUntil(ctx, nil); err != nil {
		return err
	}
	s.paused.Store(nil)
	s.logger.Info("Обработка возобновлена")
	return nil
}
