package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// LibraryFileRepository — интерфейс для таблицы library_files.
type LibraryFileRepository interface {
	// Add добавляет обнаруженный файл. Заполняет Seq.
	Add(ctx context.Context, f *model.LibraryFile) error
	// Get возвращает файл по UID.
	Get(ctx context.Context, uid string) (*model.LibraryFile, error)
	// GetMany возвращает файлы по списку UID. Отсутствующие пропускаются.
	GetMany(ctx context.Context, uids []string) ([]*model.LibraryFile, error)
	// List возвращает файлы с фильтрацией.
	List(ctx context.Context, filter model.FileFilter) ([]*model.LibraryFile, error)
	// Count возвращает количество файлов с фильтрацией.
	Count(ctx context.Context, filter model.FileFilter) (int, error)
	// ListDispatchable возвращает ожидающие обработки файлы отобранных библиотек.
	ListDispatchable(ctx context.Context, q model.DispatchQuery) ([]*model.LibraryFile, error)
	// ProcessingCounts возвращает число обрабатываемых файлов по библиотекам и узлам.
	ProcessingCounts(ctx context.Context) (byLibrary, byNode map[string]int, err error)
	// TryClaim атомарно захватывает файл для воркера.
	// Ошибки: ErrClaimConflict, ErrLibraryAtCapacity, ErrNodeAtCapacity, ErrWorkerBusy.
	TryClaim(ctx context.Context, p model.ClaimParams) (*model.LibraryFile, error)
	// SaveChanges атомарно применяет набор изменений. Каждое изменение
	// применяется только если статус и время изменения в хранилище
	// совпадают с Before. Иначе не применяется ничего и возвращается ErrConflict.
	SaveChanges(ctx context.Context, changes []Change) error
	// ResetForNode возвращает в очередь файлы, обрабатываемые узлом.
	ResetForNode(ctx context.Context, nodeUID string, now time.Time) ([]string, error)
	// ReleaseHeld переводит on_hold с истёкшей задержкой в unprocessed.
	ReleaseHeld(ctx context.Context, now time.Time) (int, error)
	// MinExecutionOrder возвращает наименьший заданный ручной порядок, 0 — не задан.
	MinExecutionOrder(ctx context.Context) (int, error)
	// Delete удаляет файлы целиком или ничего: ErrNotFound, если какого-то
	// файла нет, ErrConflict, если какой-то обрабатывается.
	// Возвращает удалённые файлы.
	Delete(ctx context.Context, uids []string) ([]*model.LibraryFile, error)
}

// Change — изменение файла с оптимистичной проверкой версии.
type Change struct {
	Before *model.LibraryFile
	After  *model.LibraryFile
}

type libraryFileRepo struct {
	db TxDB
}

// NewLibraryFileRepository создаёт репозиторий файлов библиотек.
func NewLibraryFileRepository(db TxDB) LibraryFileRepository {
	return &libraryFileRepo{db: db}
}

const fileColumns = `uid, seq, name, relative_path, library_uid, library_name, status,
	original_size, final_size, force, hold_until, execution_order, creation_time,
	last_write_time, created_at, updated_at, processing_started, processing_ended,
	node_uid, node_name, worker_uid, failure_reason`

const fileSelect = `SELECT ` + fileColumns + ` FROM library_files`

func scanFile(row pgx.Row) (*model.LibraryFile, error) {
	f := &model.LibraryFile{}
	var status int
	err := row.Scan(
		&f.UID, &f.Seq, &f.Name, &f.RelativePath, &f.LibraryUID, &f.LibraryName, &status,
		&f.OriginalSize, &f.FinalSize, &f.Force, &f.HoldUntil, &f.ExecutionOrder, &f.CreationTime,
		&f.LastWriteTime, &f.DateCreated, &f.DateModified, &f.ProcessingStarted, &f.ProcessingEnded,
		&f.NodeUID, &f.NodeName, &f.WorkerUID, &f.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	f.Status = model.FileStatus(status)
	return f, nil
}

func collectFiles(rows pgx.Rows) ([]*model.LibraryFile, error) {
	defer rows.Close()
	var result []*model.LibraryFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *libraryFileRepo) Add(ctx context.Context, f *model.LibraryFile) error {
	query := `
		INSERT INTO library_files (uid, name, relative_path, library_uid, library_name, status,
			original_size, force, hold_until, creation_time, last_write_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq`

	err := r.db.QueryRow(ctx, query,
		f.UID, f.Name, f.RelativePath, f.LibraryUID, f.LibraryName, int(f.Status),
		f.OriginalSize, f.Force, f.HoldUntil, f.CreationTime, f.LastWriteTime, f.DateCreated, f.DateModified,
	).Scan(&f.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %q уже есть в библиотеке", ErrConflict, f.Name)
		}
		return fmt.Errorf("ошибка добавления файла: %w", err)
	}
	return nil
}

func (r *libraryFileRepo) Get(ctx context.Context, uid string) (*model.LibraryFile, error) {
	f, err := scanFile(r.db.QueryRow(ctx, fileSelect+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *libraryFileRepo) GetMany(ctx context.Context, uids []string) ([]*model.LibraryFile, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, fileSelect+` WHERE uid::text = ANY($1) ORDER BY seq`, uids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов: %w", err)
	}
	return collectFiles(rows)
}

// buildFileWhere строит WHERE по фильтру, начиная нумерацию аргументов с argNum.
func buildFileWhere(filter model.FileFilter, argNum int) (string, []any) {
	var conditions []string
	var args []any

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, int(*filter.Status))
		argNum++
	}
	if filter.LibraryUID != "" {
		conditions = append(conditions, fmt.Sprintf("library_uid = $%d", argNum))
		args = append(args, filter.LibraryUID)
		argNum++
	}
	if filter.NodeUID != "" {
		conditions = append(conditions, fmt.Sprintf("node_uid = $%d", argNum))
		args = append(args, filter.NodeUID)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *libraryFileRepo) List(ctx context.Context, filter model.FileFilter) ([]*model.LibraryFile, error) {
	where, args := buildFileWhere(filter, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`%s
		%s
		ORDER BY CASE WHEN execution_order > 0 THEN 0 ELSE 1 END, execution_order, seq
		LIMIT $%d OFFSET $%d`, fileSelect, where, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	return collectFiles(rows)
}

func (r *libraryFileRepo) Count(ctx context.Context, filter model.FileFilter) (int, error) {
	where, args := buildFileWhere(filter, 1)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM library_files `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return count, nil
}

func (r *libraryFileRepo) ListDispatchable(ctx context.Context, q model.DispatchQuery) ([]*model.LibraryFile, error) {
	if len(q.Libraries) == 0 && len(q.ForceOnlyLibraries) == 0 {
		return nil, nil
	}
	libraries := q.Libraries
	if libraries == nil {
		libraries = []string{}
	}
	forceOnly := q.ForceOnlyLibraries
	if forceOnly == nil {
		forceOnly = []string{}
	}

	manual := "execution_order <= 0"
	order := dispatchOrder(q.Order)
	if q.Manual {
		manual = "execution_order > 0"
		order = "execution_order, seq"
	}
	query := fileSelect + `
		WHERE ((status = 0 AND (hold_until IS NULL OR hold_until <= $1))
				OR (status = -1 AND hold_until <= $1))
			AND (library_uid = ANY($2) OR (force AND library_uid = ANY($3)))
			AND ($4::bigint = 0 OR original_size <= $4::bigint)
			AND ` + manual + `
		ORDER BY ` + order + `
		LIMIT $5`

	rows, err := r.db.Query(ctx, query, q.Now, libraries, forceOnly, q.MaxSize, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения очереди файлов: %w", err)
	}
	return collectFiles(rows)
}

// dispatchOrder — ORDER BY для порядка обработки библиотеки.
func dispatchOrder(o model.ProcessingOrder) string {
	switch o {
	case model.OrderRandom:
		return "random()"
	case model.OrderSmallestFirst:
		return "original_size, seq"
	case model.OrderLargestFirst:
		return "original_size DESC, seq"
	case model.OrderNewestFirst:
		return "creation_time DESC, seq"
	case model.OrderOldestFirst:
		return "creation_time, seq"
	case model.OrderAlphabetical:
		return `lower(name) COLLATE "C", seq`
	}
	return "seq"
}

func (r *libraryFileRepo) ProcessingCounts(ctx context.Context) (map[string]int, map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT library_uid, node_uid, COUNT(*)
		FROM library_files
		WHERE status = 2
		GROUP BY library_uid, node_uid`)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка подсчёта обрабатываемых файлов: %w", err)
	}
	defer rows.Close()

	byLibrary := make(map[string]int)
	byNode := make(map[string]int)
	for rows.Next() {
		var lib, node string
		var n int
		if err := rows.Scan(&lib, &node, &n); err != nil {
			return nil, nil, fmt.Errorf("ошибка сканирования счётчиков: %w", err)
		}
		byLibrary[lib] += n
		byNode[node] += n
	}
	return byLibrary, byNode, rows.Err()
}

func (r *libraryFileRepo) TryClaim(ctx context.Context, p model.ClaimParams) (*model.LibraryFile, error) {
	ctx, span := tracer.Start(ctx, "repository.try_claim",
		trace.WithAttributes(
			attribute.String("file_uid", p.FileUID),
			attribute.String("node_uid", p.NodeUID),
		),
	)
	defer span.End()

	var claimed *model.LibraryFile
	err := runInTx(ctx, r.db, func(tx pgx.Tx) error {
		// Блокировки в фиксированном порядке: узел, затем библиотека.
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('node:' || $1)), pg_advisory_xact_lock(hashtext('library:' || $2))`,
			p.NodeUID, p.LibraryUID,
		); err != nil {
			return fmt.Errorf("ошибка блокировки: %w", err)
		}

		var nodeCount, workerCount, libraryCount int
		err := tx.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE node_uid = $1),
				COUNT(*) FILTER (WHERE node_uid = $1 AND worker_uid = $2),
				COUNT(*) FILTER (WHERE library_uid = $3)
			FROM library_files
			WHERE status = 2`,
			p.NodeUID, p.WorkerUID, p.LibraryUID,
		).Scan(&nodeCount, &workerCount, &libraryCount)
		if err != nil {
			return fmt.Errorf("ошибка подсчёта обрабатываемых файлов: %w", err)
		}

		switch {
		case workerCount > 0:
			return ErrWorkerBusy
		case nodeCount >= p.NodeFlowRunners:
			return ErrNodeAtCapacity
		case p.LibraryMaxRunners > 0 && libraryCount >= p.LibraryMaxRunners:
			return ErrLibraryAtCapacity
		}

		claimed, err = scanFile(tx.QueryRow(ctx, `
			UPDATE library_files
			SET status = 2, node_uid = $2, node_name = $3, worker_uid = $4,
				processing_started = $5, processing_ended = NULL, hold_until = NULL,
				failure_reason = '', updated_at = $5
			WHERE uid = $1
				AND ((status = 0 AND (hold_until IS NULL OR hold_until <= $5))
					OR (status = -1 AND hold_until <= $5))
			RETURNING `+fileColumns,
			p.FileUID, p.NodeUID, p.NodeName, p.WorkerUID, p.Now,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrClaimConflict
			}
			if isUniqueViolation(err) {
				return ErrWorkerBusy
			}
			return fmt.Errorf("ошибка захвата файла: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.String("claim_result", err.Error()))
		if !isClaimRejection(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return claimed, nil
}

func isClaimRejection(err error) bool {
	return errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrWorkerBusy) ||
		errors.Is(err, ErrNodeAtCapacity) || errors.Is(err, ErrLibraryAtCapacity)
}

func (r *libraryFileRepo) SaveChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	query := `
		UPDATE library_files
		SET status = $3, final_size = $4, force = $5, hold_until = $6, execution_order = $7,
			processing_started = $8, processing_ended = $9, node_uid = $10, node_name = $11,
			worker_uid = $12, failure_reason = $13, updated_at = $14
		WHERE uid = $1 AND status = $2 AND updated_at = $15`

	return runInTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, c := range changes {
			a := c.After
			tag, err := tx.Exec(ctx, query,
				a.UID, int(c.Before.Status), int(a.Status), a.FinalSize, a.Force, a.HoldUntil, a.ExecutionOrder,
				a.ProcessingStarted, a.ProcessingEnded, a.NodeUID, a.NodeName,
				a.WorkerUID, a.FailureReason, a.DateModified, c.Before.DateModified,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: воркер %s уже обрабатывает файл", ErrConflict, a.WorkerUID)
				}
				return fmt.Errorf("ошибка обновления файла %s: %w", a.UID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: файл %s изменён параллельно", ErrConflict, a.UID)
			}
		}
		return nil
	})
}

func (r *libraryFileRepo) ResetForNode(ctx context.Context, nodeUID string, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE library_files
		SET status = 0, node_uid = '', node_name = '', worker_uid = '',
			processing_started = NULL, processing_ended = NULL, updated_at = $2
		WHERE status = 2 AND node_uid = $1
		RETURNING uid::text`, nodeUID, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка сброса файлов узла: %w", err)
	}
	uids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка сброса файлов узла: %w", err)
	}
	return uids, nil
}

func (r *libraryFileRepo) ReleaseHeld(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE library_files
		SET status = 0, hold_until = NULL, updated_at = $1
		WHERE status = -1 AND hold_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка освобождения отложенных файлов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *libraryFileRepo) MinExecutionOrder(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MIN(execution_order), 0) FROM library_files WHERE execution_order > 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения порядка обработки: %w", err)
	}
	return n, nil
}

func (r *libraryFileRepo) Delete(ctx context.Context, uids []string) ([]*model.LibraryFile, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var deleted []*model.LibraryFile
	err := runInTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fileSelect+` WHERE uid::text = ANY($1) ORDER BY seq FOR UPDATE`, uids)
		if err != nil {
			return fmt.Errorf("ошибка блокировки файлов: %w", err)
		}
		files, err := collectFiles(rows)
		if err != nil {
			return err
		}
		if err := checkDeletable(uids, files); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM library_files WHERE uid::text = ANY($1)`, uids); err != nil {
			return fmt.Errorf("ошибка удаления файлов: %w", err)
		}
		deleted = files
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// checkDeletable — все файлы найдены и ни один не обрабатывается.
func checkDeletable(uids []string, files []*model.LibraryFile) error {
	found := make(map[string]bool, len(files))
	for _, f := range files {
		if f.Status == model.FileStatusProcessing {
			return fmt.Errorf("%w: файл %s обрабатывается", ErrConflict, f.Name)
		}
		found[f.UID] = true
	}
	var missing []string
	for _, uid := range uids {
		if !found[uid] {
			missing = append(missing, uid)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: файлы %s", ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}
