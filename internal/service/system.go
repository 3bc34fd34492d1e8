// system.go — глобальная пауза обработки и сводное состояние.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

// maxPause — верхняя граница паузы.
const maxPause = 7 * 24 * time.Hour

// SystemStatus — сводное состояние планировщика.
type SystemStatus struct {
	Paused      bool       `json:"paused"`
	PausedUntil *time.Time `json:"pausedUntil,omitempty"`
	Revision    int64      `json:"revision"`
	Executors   int        `json:"executors"`
}

// SystemService — пауза и возобновление выдачи файлов.
type SystemService struct {
	state    *state.SchedulerState
	registry *WorkerRegistry
	logger   *slog.Logger
}

// NewSystemService создаёт сервис.
func NewSystemService(st *state.SchedulerState, registry *WorkerRegistry, logger *slog.Logger) *SystemService {
	return &SystemService{
		state:    st,
		registry: registry,
		logger:   logger.With(slog.String("component", "system")),
	}
}

// Status возвращает текущее состояние.
func (s *SystemService) Status() SystemStatus {
	until := s.state.PausedUntil()
	return SystemStatus{
		Paused:      until != nil,
		PausedUntil: until,
		Revision:    s.state.Revision(),
		Executors:   len(s.registry.Executors()),
	}
}

// Pause приостанавливает выдачу файлов на заданное число минут.
// Уже захваченные файлы продолжают обрабатываться.
func (s *SystemService) Pause(ctx context.Context, minutes int) (SystemStatus, error) {
	d := time.Duration(minutes) * time.Minute
	if d <= 0 || d > maxPause {
		return SystemStatus{}, validationError("длительность паузы должна быть от 1 минуты до %s", maxPause)
	}
	if _, err := s.state.Pause(ctx, d); err != nil {
		return SystemStatus{}, err
	}
	return s.Status(), nil
}

// Resume возобновляет выдачу файлов.
func (s *SystemService) Resume(ctx context.Context) (SystemStatus, error) {
	if err := s.state.Resume(ctx); err != nil {
		return SystemStatus{}, err
	}
	return s.Status(), nil
}
