package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// FlowRepository — интерфейс для таблицы flows.
type FlowRepository interface {
	List(ctx context.Context) ([]model.Flow, error)
	Get(ctx context.Context, uid string) (model.Flow, error)
	Upsert(ctx context.Context, f model.Flow) error
	Delete(ctx context.Context, uid string) error
}

type flowRepo struct {
	db DBTX
}

// NewFlowRepository создаёт репозиторий потоков.
func NewFlowRepository(db DBTX) FlowRepository {
	return &flowRepo{db: db}
}

const flowSelect = `
	SELECT uid, name, enabled, description, definition, created_at, updated_at
	FROM flows`

func scanFlow(row pgx.Row) (model.Flow, error) {
	var f model.Flow
	err := row.Scan(&f.UID, &f.Name, &f.Enabled, &f.Description, &f.Definition, &f.DateCreated, &f.DateModified)
	return f, err
}

func (r *flowRepo) List(ctx context.Context) ([]model.Flow, error) {
	rows, err := r.db.Query(ctx, flowSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка потоков: %w", err)
	}
	defer rows.Close()

	var result []model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования потока: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *flowRepo) Get(ctx context.Context, uid string) (model.Flow, error) {
	f, err := scanFlow(r.db.QueryRow(ctx, flowSelect+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Flow{}, ErrNotFound
		}
		return model.Flow{}, fmt.Errorf("ошибка получения потока: %w", err)
	}
	return f, nil
}

func (r *flowRepo) Upsert(ctx context.Context, f model.Flow) error {
	definition := f.Definition
	if len(definition) == 0 {
		definition = json.RawMessage("{}")
	}

	query := `
		INSERT INTO flows (uid, name, enabled, description, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uid) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		f.UID, f.Name, f.Enabled, f.Description, []byte(definition), f.DateCreated, f.DateModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: поток с именем %q уже существует", ErrConflict, f.Name)
		}
		return fmt.Errorf("ошибка сохранения потока: %w", err)
	}
	return nil
}

func (r *flowRepo) Delete(ctx context.Context, uid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM flows WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("ошибка удаления потока: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
