package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// VariableRepository — интерфейс для таблицы variables.
type VariableRepository interface {
	List(ctx context.Context) ([]model.Variable, error)
	Get(ctx context.Context, uid string) (model.Variable, error)
	Upsert(ctx context.Context, v model.Variable) error
	Delete(ctx context.Context, uid string) error
}

type variableRepo struct {
	db DBTX
}

// NewVariableRepository создаёт репозиторий переменных.
func NewVariableRepository(db DBTX) VariableRepository {
	return &variableRepo{db: db}
}

func (r *variableRepo) List(ctx context.Context) ([]model.Variable, error) {
	rows, err := r.db.Query(ctx, `
		SELECT uid, name, value, created_at, updated_at
		FROM variables
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка переменных: %w", err)
	}
	defer rows.Close()

	var result []model.Variable
	for rows.Next() {
		var v model.Variable
		if err := rows.Scan(&v.UID, &v.Name, &v.Value, &v.DateCreated, &v.DateModified); err != nil {
			return nil, fmt.Errorf("ошибка сканирования переменной: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (r *variableRepo) Get(ctx context.Context, uid string) (model.Variable, error) {
	var v model.Variable
	err := r.db.QueryRow(ctx, `
		SELECT uid, name, value, created_at, updated_at
		FROM variables
		WHERE uid = $1`, uid).Scan(&v.UID, &v.Name, &v.Value, &v.DateCreated, &v.DateModified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Variable{}, ErrNotFound
		}
		return model.Variable{}, fmt.Errorf("ошибка получения переменной: %w", err)
	}
	return v, nil
}

func (r *variableRepo) Upsert(ctx context.Context, v model.Variable) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO variables (uid, name, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO UPDATE SET
			name = EXCLUDED.name,
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		v.UID, v.Name, v.Value, v.DateCreated, v.DateModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: переменная %q уже существует", ErrConflict, v.Name)
		}
		return fmt.Errorf("ошибка сохранения переменной: %w", err)
	}
	return nil
}

func (r *variableRepo) Delete(ctx context.Context, uid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM variables WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("ошибка удаления переменной: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
