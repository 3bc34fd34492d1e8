package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// SettingsRepository — интерфейс для таблицы settings (одна строка).
type SettingsRepository interface {
	// Get возвращает текущее состояние планировщика.
	Get(ctx context.Context) (*model.Settings, error)
	// IncrementRevision атомарно увеличивает номер ревизии на единицу
	// и возвращает новое значение.
	IncrementRevision(ctx context.Context) (int64, error)
	// SetPausedUntil задаёт окно паузы; nil — снять паузу.
	SetPausedUntil(ctx context.Context, until *time.Time) error
}

type settingsRepo struct {
	db DBTX
}

// NewSettingsRepository создаёт репозиторий состояния планировщика.
func NewSettingsRepository(db DBTX) SettingsRepository {
	return &settingsRepo{db: db}
}

func (r *settingsRepo) Get(ctx context.Context) (*model.Settings, error) {
	query := `
		SELECT revision, paused_until, updated_at
		FROM settings
		WHERE id = 1`

	s := &model.Settings{}
	err := r.db.QueryRow(ctx, query).Scan(&s.Revision, &s.PausedUntil, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения settings: %w", err)
	}
	return s, nil
}

func (r *settingsRepo) IncrementRevision(ctx context.Context) (int64, error) {
	query := `
		UPDATE settings
		SET revision = revision + 1, updated_at = now()
		WHERE id = 1
		RETURNING revision`

	var revision int64
	if err := r.db.QueryRow(ctx, query).Scan(&revision); err != nil {
		return 0, fmt.Errorf("ошибка увеличения ревизии: %w", err)
	}
	return revision, nil
}

func (r *settingsRepo) SetPausedUntil(ctx context.Context, until *time.Time) error {
	query := `UPDATE settings SET paused_until = $1, updated_at = now() WHERE id = 1`
	if _, err := r.db.Exec(ctx, query, until); err != nil {
		return fmt.Errorf("ошибка обновления paused_until: %w", err)
	}
	return nil
}
