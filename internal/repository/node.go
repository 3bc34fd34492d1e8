package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// NodeRepository — интерфейс для таблицы processing_nodes.
// Upsert не перезаписывает у существующего узла сведения, которые
// сообщает сам узел: их меняют только Touch и UpdateRuntime.
type NodeRepository interface {
	List(ctx context.Context) ([]model.ProcessingNode, error)
	Get(ctx context.Context, uid string) (model.ProcessingNode, error)
	Upsert(ctx context.Context, n model.ProcessingNode) error
	Delete(ctx context.Context, uid string) error
	// Touch обновляет только last_seen узла.
	Touch(ctx context.Context, uid string, seen time.Time) error
	// UpdateRuntime обновляет версию, платформу, замены путей и last_seen.
	UpdateRuntime(ctx context.Context, uid string, rt model.NodeRuntime) error
}

type nodeRepo struct {
	db DBTX
}

// NewNodeRepository создаёт репозиторий узлов обработки.
func NewNodeRepository(db DBTX) NodeRepository {
	return &nodeRepo{db: db}
}

const nodeSelect = `
	SELECT uid, name, address, enabled, schedule, flow_runners, all_libraries,
		libraries, max_file_size_mb, last_seen, version, architecture,
		operating_system, mappings, created_at, updated_at
	FROM processing_nodes`

func scanNode(row pgx.Row) (model.ProcessingNode, error) {
	var n model.ProcessingNode
	var affinity int
	err := row.Scan(
		&n.UID, &n.Name, &n.Address, &n.Enabled, &n.Schedule, &n.FlowRunners, &affinity,
		&n.Libraries, &n.MaxFileSizeMB, &n.LastSeen, &n.Version, &n.Architecture,
		&n.OperatingSystem, &n.Mappings, &n.DateCreated, &n.DateModified,
	)
	n.AllLibraries = model.LibraryAffinity(affinity)
	return n, err
}

func (r *nodeRepo) List(ctx context.Context) ([]model.ProcessingNode, error) {
	rows, err := r.db.Query(ctx, nodeSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка узлов: %w", err)
	}
	defer rows.Close()

	var result []model.ProcessingNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования узла: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (r *nodeRepo) Get(ctx context.Context, uid string) (model.ProcessingNode, error) {
	n, err := scanNode(r.db.QueryRow(ctx, nodeSelect+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProcessingNode{}, ErrNotFound
		}
		return model.ProcessingNode{}, fmt.Errorf("ошибка получения узла: %w", err)
	}
	return n, nil
}

func (r *nodeRepo) Upsert(ctx context.Context, n model.ProcessingNode) error {
	libraries := n.Libraries
	if libraries == nil {
		libraries = []string{}
	}
	mappings := n.Mappings
	if mappings == nil {
		mappings = []model.Mapping{}
	}

	query := `
		INSERT INTO processing_nodes (uid, name, address, enabled, schedule, flow_runners,
			all_libraries, libraries, max_file_size_mb, last_seen, version, architecture,
			operating_system, mappings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (uid) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			enabled = EXCLUDED.enabled,
			schedule = EXCLUDED.schedule,
			flow_runners = EXCLUDED.flow_runners,
			all_libraries = EXCLUDED.all_libraries,
			libraries = EXCLUDED.libraries,
			max_file_size_mb = EXCLUDED.max_file_size_mb,
			mappings = EXCLUDED.mappings,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		n.UID, n.Name, n.Address, n.Enabled, n.Schedule, n.FlowRunners,
		int(n.AllLibraries), libraries, n.MaxFileSizeMB, n.LastSeen, n.Version, n.Architecture,
		n.OperatingSystem, mappings, n.DateCreated, n.DateModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: узел с адресом %q уже зарегистрирован", ErrConflict, n.Address)
		}
		return fmt.Errorf("ошибка сохранения узла: %w", err)
	}
	return nil
}

func (r *nodeRepo) Delete(ctx context.Context, uid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM processing_nodes WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("ошибка удаления узла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *nodeRepo) Touch(ctx context.Context, uid string, seen time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE processing_nodes SET last_seen = $2 WHERE uid = $1`, uid, seen)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_seen узла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *nodeRepo) UpdateRuntime(ctx context.Context, uid string, rt model.NodeRuntime) error {
	var mappings any
	if rt.Mappings != nil {
		mappings = rt.Mappings
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE processing_nodes
		SET version = $2, architecture = $3, operating_system = $4,
			mappings = COALESCE($5::jsonb, mappings),
			last_seen = $6, updated_at = $6
		WHERE uid = $1`,
		uid, rt.Version, rt.Architecture, rt.OperatingSystem, mappings, rt.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления сведений узла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
