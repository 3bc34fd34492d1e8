// Пакет cache — кэш конфигурационных сущностей поверх хранилища.
//
// Чтение идёт из неизменяемого снимка, который подменяется целиком
// через atomic.Pointer. Запись сначала сохраняется в хранилище, затем
// обновляет снимок и увеличивает глобальную ревизию конфигурации.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Entity — сущность с уникальным идентификатором.
type Entity interface {
	GetUID() string
}

// Store — хранилище сущностей. Реализуется репозиториями.
type Store[T Entity] interface {
	List(ctx context.Context) ([]T, error)
	Upsert(ctx context.Context, v T) error
	Delete(ctx context.Context, uid string) error
}

// RevisionBumper увеличивает глобальную ревизию конфигурации.
type RevisionBumper interface {
	Bump(ctx context.Context) (int64, error)
}

// WriteOption — параметр отдельной операции записи.
type WriteOption func(*writeOptions)

type writeOptions struct {
	skipRevision bool
}

// SkipRevision — не увеличивать ревизию для этой записи
// (например, обновление LastSeen узла).
func SkipRevision() WriteOption {
	return func(o *writeOptions) { o.skipRevision = true }
}

type snapshot[T Entity] struct {
	items []T
	byID  map[string]int
}

func newSnapshot[T Entity](items []T) *snapshot[T] {
	s := &snapshot[T]{items: items, byID: make(map[string]int, len(items))}
	for i, v := range items {
		s.byID[v.GetUID()] = i
	}
	return s
}

// Repository — кэш сущностей одного типа.
type Repository[T Entity] struct {
	name   string
	store  Store[T]
	bumper RevisionBumper
	// exempt — изменения этого типа не меняют ревизию
	exempt bool
	logger *slog.Logger

	// mu сериализует запись и загрузку
	mu   sync.Mutex
	snap atomic.Pointer[snapshot[T]]
}

// Option — параметр кэша.
type Option[T Entity] func(*Repository[T])

// RevisionExempt отключает увеличение ревизии для всех записей кэша.
func RevisionExempt[T Entity]() Option[T] {
	return func(r *Repository[T]) { r.exempt = true }
}

// New создаёт кэш. Данные загружаются при первом обращении.
func New[T Entity](name string, store Store[T], bumper RevisionBumper, logger *slog.Logger, opts ...Option[T]) *Repository[T] {
	r := &Repository[T]{
		name:   name,
		store:  store,
		bumper: bumper,
		logger: logger.With(slog.String("component", "cache"), slog.String("cache", name)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository[T]) current(ctx context.Context) (*snapshot[T], error) {
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	return r.reloadLocked(ctx)
}

func (r *Repository[T]) reloadLocked(ctx context.Context) (*snapshot[T], error) {
	items, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка кэша %s: %w", r.name, err)
	}
	s := newSnapshot(items)
	r.snap.Store(s)
	return s, nil
}

// GetAll возвращает все сущности. Срез не должен изменяться вызывающим.
func (r *Repository[T]) GetAll(ctx context.Context) ([]T, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.items, nil
}

// GetByID возвращает сущность по UID.
func (r *Repository[T]) GetByID(ctx context.Context, uid string) (T, bool, error) {
	var zero T
	s, err := r.current(ctx)
	if err != nil {
		return zero, false, err
	}
	i, ok := s.byID[uid]
	if !ok {
		return zero, false, nil
	}
	return s.items[i], true, nil
}

// Ref возвращает ссылку на сущность. Ссылка всегда разрешается
// в значение из текущего снимка.
func (r *Repository[T]) Ref(uid string) Ref[T] {
	return Ref[T]{repo: r, uid: uid}
}

// Update сохраняет сущность и обновляет снимок.
func (r *Repository[T]) Update(ctx context.Context, v T, opts ...WriteOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.loadedLocked(ctx)
	if err != nil {
		return err
	}
	if err := r.store.Upsert(ctx, v); err != nil {
		return err
	}

	items := make([]T, len(s.items), len(s.items)+1)
	copy(items, s.items)
	if i, ok := s.byID[v.GetUID()]; ok {
		items[i] = v
	} else {
		items = append(items, v)
	}
	r.snap.Store(newSnapshot(items))

	return r.bumpLocked(ctx, opts)
}

// ErrNotCached — сущности нет в кэше.
var ErrNotCached = errors.New("сущность не найдена в кэше")

// Modify применяет fn к текущему значению сущности и сохраняет результат.
// Чтение и запись выполняются под одной блокировкой, поэтому
// параллельные Modify не теряют изменений друг друга.
func (r *Repository[T]) Modify(ctx context.Context, uid string, fn func(v *T) error, opts ...WriteOption) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.loadedLocked(ctx)
	if err != nil {
		return zero, err
	}
	i, ok := s.byID[uid]
	if !ok {
		return zero, ErrNotCached
	}
	v := s.items[i]
	if err := fn(&v); err != nil {
		return zero, err
	}
	if err := r.store.Upsert(ctx, v); err != nil {
		return zero, err
	}

	items := make([]T, len(s.items))
	copy(items, s.items)
	items[i] = v
	r.snap.Store(newSnapshot(items))

	return v, r.bumpLocked(ctx, opts)
}

// Apply сохраняет изменение точечной записью persist и повторяет его
// в снимке через fn. Сущность в хранилище целиком не перезаписывается,
// поэтому устаревший снимок не откатывает чужие изменения.
// Если сущности нет в снимке, он перечитывается один раз.
func (r *Repository[T]) Apply(
	ctx context.Context,
	uid string,
	persist func(ctx context.Context) error,
	fn func(v *T),
	opts ...WriteOption,
) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.loadedLocked(ctx)
	if err != nil {
		return zero, err
	}
	i, ok := s.byID[uid]
	if !ok {
		if s, err = r.reloadLocked(ctx); err != nil {
			return zero, err
		}
		if i, ok = s.byID[uid]; !ok {
			return zero, ErrNotCached
		}
	}
	if err := persist(ctx); err != nil {
		return zero, err
	}

	v := s.items[i]
	fn(&v)
	items := make([]T, len(s.items))
	copy(items, s.items)
	items[i] = v
	r.snap.Store(newSnapshot(items))

	return v, r.bumpLocked(ctx, opts)
}

// Delete удаляет сущность из хранилища и снимка.
func (r *Repository[T]) Delete(ctx context.Context, uid string, opts ...WriteOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.loadedLocked(ctx)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, uid); err != nil {
		return err
	}

	if i, ok := s.byID[uid]; ok {
		items := make([]T, 0, len(s.items)-1)
		items = append(items, s.items[:i]...)
		items = append(items, s.items[i+1:]...)
		r.snap.Store(newSnapshot(items))
	}

	return r.bumpLocked(ctx, opts)
}

// Refresh перечитывает хранилище: удалённые сущности исчезают,
// новые добавляются, существующие ссылки видят свежие значения.
func (r *Repository[T]) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.reloadLocked(ctx)
	if err != nil {
		return err
	}
	r.logger.Debug("Кэш обновлён", slog.Int("count", len(s.items)))
	return nil
}

func (r *Repository[T]) loadedLocked(ctx context.Context) (*snapshot[T], error) {
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	return r.reloadLocked(ctx)
}

func (r *Repository[T]) bumpLocked(ctx context.Context, opts []WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if r.exempt || o.skipRevision || r.bumper == nil {
		return nil
	}
	rev, err := r.bumper.Bump(ctx)
	if err != nil {
		return fmt.Errorf("увеличение ревизии после записи в %s: %w", r.name, err)
	}
	r.logger.Debug("Ревизия конфигурации увеличена", slog.Int64("revision", rev))
	return nil
}

// Ref — ссылка на сущность в кэше по UID.
type Ref[T Entity] struct {
	repo *Repository[T]
	uid  string
}

// UID возвращает идентификатор сущности.
func (ref Ref[T]) UID() string { return ref.uid }

// Get возвращает текущее значение. false — сущность удалена
// или кэш ещё не загружен.
func (ref Ref[T]) Get() (T, bool) {
	var zero T
	if ref.repo == nil {
		return zero, false
	}
	s := ref.repo.snap.Load()
	if s == nil {
		return zero, false
	}
	i, ok := s.byID[ref.uid]
	if !ok {
		return zero, false
	}
	return s.items[i], true
}
