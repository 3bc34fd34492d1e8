package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// LibraryRepository — интерфейс для таблицы libraries.
type LibraryRepository interface {
	// List возвращает все библиотеки.
	List(ctx context.Context) ([]model.Library, error)
	// Get возвращает библиотеку по UID.
	Get(ctx context.Context, uid string) (model.Library, error)
	// Upsert создаёт или обновляет библиотеку.
	Upsert(ctx context.Context, l model.Library) error
	// Delete удаляет библиотеку.
	Delete(ctx context.Context, uid string) error
}

type libraryRepo struct {
	db DBTX
}

// NewLibraryRepository создаёт репозиторий библиотек.
func NewLibraryRepository(db DBTX) LibraryRepository {
	return &libraryRepo{db: db}
}

const librarySelect = `
	SELECT uid, name, path, enabled, schedule, scan_interval, priority,
		processing_order, max_runners, hold_minutes, flow_uid, last_scanned,
		created_at, updated_at
	FROM libraries`

func scanLibrary(row pgx.Row) (model.Library, error) {
	var l model.Library
	var priority, order int
	err := row.Scan(
		&l.UID, &l.Name, &l.Path, &l.Enabled, &l.Schedule, &l.ScanInterval, &priority,
		&order, &l.MaxRunners, &l.HoldMinutes, &l.FlowUID, &l.LastScanned,
		&l.DateCreated, &l.DateModified,
	)
	l.Priority = model.Priority(priority)
	l.ProcessingOrder = model.ProcessingOrder(order)
	return l, err
}

func (r *libraryRepo) List(ctx context.Context) ([]model.Library, error) {
	rows, err := r.db.Query(ctx, librarySelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка библиотек: %w", err)
	}
	defer rows.Close()

	var result []model.Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования библиотеки: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (r *libraryRepo) Get(ctx context.Context, uid string) (model.Library, error) {
	l, err := scanLibrary(r.db.QueryRow(ctx, librarySelect+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Library{}, ErrNotFound
		}
		return model.Library{}, fmt.Errorf("ошибка получения библиотеки: %w", err)
	}
	return l, nil
}

func (r *libraryRepo) Upsert(ctx context.Context, l model.Library) error {
	query := `
		INSERT INTO libraries (uid, name, path, enabled, schedule, scan_interval, priority,
			processing_order, max_runners, hold_minutes, flow_uid, last_scanned,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (uid) DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			enabled = EXCLUDED.enabled,
			schedule = EXCLUDED.schedule,
			scan_interval = EXCLUDED.scan_interval,
			priority = EXCLUDED.priority,
			processing_order = EXCLUDED.processing_order,
			max_runners = EXCLUDED.max_runners,
			hold_minutes = EXCLUDED.hold_minutes,
			flow_uid = EXCLUDED.flow_uid,
			last_scanned = EXCLUDED.last_scanned,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		l.UID, l.Name, l.Path, l.Enabled, l.Schedule, l.ScanInterval, int(l.Priority),
		int(l.ProcessingOrder), l.MaxRunners, l.HoldMinutes, l.FlowUID, l.LastScanned,
		l.DateCreated, l.DateModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: библиотека с именем %q уже существует", ErrConflict, l.Name)
		}
		return fmt.Errorf("ошибка сохранения библиотеки: %w", err)
	}
	return nil
}

func (r *libraryRepo) Delete(ctx context.Context, uid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM libraries WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("ошибка удаления библиотеки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
