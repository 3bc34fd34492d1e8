// Пакет memory — хранилище в памяти процесса с теми же интерфейсами,
// что и PostgreSQL-репозитории.
//
// Подходит для одиночного экземпляра и тестов. Все операции выполняются
// под одним мьютексом, поэтому захват файла и пакетные изменения атомарны.
// Данные не переживают перезапуск.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/lifecycle"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
)

// Store — общее хранилище всех сущностей.
type Store struct {
	mu sync.RWMutex

	libraries table[model.Library]
	flows     table[model.Flow]
	variables table[model.Variable]
	nodes     table[model.ProcessingNode]

	files   map[string]*model.LibraryFile
	nextSeq int64

	settings model.Settings
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		libraries: table[model.Library]{rows: map[string]model.Library{}},
		flows:     table[model.Flow]{rows: map[string]model.Flow{}},
		variables: table[model.Variable]{rows: map[string]model.Variable{}},
		nodes:     table[model.ProcessingNode]{rows: map[string]model.ProcessingNode{}},
		files:     map[string]*model.LibraryFile{},
		settings:  model.Settings{UpdatedAt: time.Now().UTC()},
	}
}

// Libraries возвращает репозиторий библиотек.
func (s *Store) Libraries() repository.LibraryRepository {
	return &entityRepo[model.Library]{s: s, t: &s.libraries, kind: "библиотека", name: func(l model.Library) string { return l.Name }}
}

// Flows возвращает репозиторий потоков.
func (s *Store) Flows() repository.FlowRepository {
	return &entityRepo[model.Flow]{s: s, t: &s.flows, kind: "поток", name: func(f model.Flow) string { return f.Name }}
}

// Variables возвращает репозиторий переменных.
func (s *Store) Variables() repository.VariableRepository {
	return &entityRepo[model.Variable]{s: s, t: &s.variables, kind: "переменная", name: func(v model.Variable) string { return v.Name }}
}

// Nodes возвращает репозиторий узлов. Уникален адрес узла.
func (s *Store) Nodes() repository.NodeRepository {
	return &nodeRepo{entityRepo: &entityRepo[model.ProcessingNode]{
		s: s, t: &s.nodes, kind: "узел",
		name:   func(n model.ProcessingNode) string { return n.Address },
		sortBy: func(n model.ProcessingNode) string { return n.Name },
	}}
}

// Settings возвращает репозиторий состояния планировщика.
func (s *Store) Settings() repository.SettingsRepository {
	return &settingsRepo{s: s}
}

// Files возвращает репозиторий файлов библиотек.
func (s *Store) Files() repository.LibraryFileRepository {
	return &fileRepo{s: s}
}

// --- Конфигурационные сущности ---

type entity interface {
	GetUID() string
}

type table[T entity] struct {
	rows map[string]T
}

type entityRepo[T entity] struct {
	s    *Store
	t    *table[T]
	kind string
	// name — уникальный ключ помимо UID
	name func(T) string
	// sortBy — ключ сортировки списка, по умолчанию name
	sortBy func(T) string
}

func (r *entityRepo[T]) List(_ context.Context) ([]T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]T, 0, len(r.t.rows))
	for _, v := range r.t.rows {
		out = append(out, v)
	}
	key := r.name
	if r.sortBy != nil {
		key = r.sortBy
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(key(a), key(b)) })
	return out, nil
}

func (r *entityRepo[T]) Get(_ context.Context, uid string) (T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	v, ok := r.t.rows[uid]
	if !ok {
		var zero T
		return zero, repository.ErrNotFound
	}
	return v, nil
}

func (r *entityRepo[T]) Upsert(_ context.Context, v T) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.upsertLocked(v)
}

func (r *entityRepo[T]) upsertLocked(v T) error {
	key := r.name(v)
	for uid, existing := range r.t.rows {
		if uid != v.GetUID() && r.name(existing) == key {
			return fmt.Errorf("%w: %s %q уже существует", repository.ErrConflict, r.kind, key)
		}
	}
	r.t.rows[v.GetUID()] = v
	return nil
}

func (r *entityRepo[T]) Delete(_ context.Context, uid string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.t.rows[uid]; !ok {
		return repository.ErrNotFound
	}
	delete(r.t.rows, uid)
	return nil
}

// --- Узлы ---

type nodeRepo struct {
	*entityRepo[model.ProcessingNode]
}

// Upsert сохраняет сведения, которые сообщает сам узел, как в PostgreSQL.
func (r *nodeRepo) Upsert(_ context.Context, n model.ProcessingNode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if cur, ok := r.t.rows[n.UID]; ok {
		n.LastSeen = cur.LastSeen
		n.Version = cur.Version
		n.Architecture = cur.Architecture
		n.OperatingSystem = cur.OperatingSystem
	}
	return r.upsertLocked(n)
}

func (r *nodeRepo) Touch(_ context.Context, uid string, seen time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.t.rows[uid]
	if !ok {
		return repository.ErrNotFound
	}
	n.LastSeen = &seen
	r.t.rows[uid] = n
	return nil
}

func (r *nodeRepo) UpdateRuntime(_ context.Context, uid string, rt model.NodeRuntime) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.t.rows[uid]
	if !ok {
		return repository.ErrNotFound
	}
	rt.ApplyTo(&n)
	r.t.rows[uid] = n
	return nil
}

// --- Settings ---

type settingsRepo struct {
	s *Store
}

func (r *settingsRepo) Get(_ context.Context) (*model.Settings, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := r.s.settings
	if out.PausedUntil != nil {
		v := *out.PausedUntil
		out.PausedUntil = &v
	}
	return &out, nil
}

func (r *settingsRepo) IncrementRevision(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.settings.Revision++
	r.s.settings.UpdatedAt = time.Now().UTC()
	return r.s.settings.Revision, nil
}

func (r *settingsRepo) SetPausedUntil(_ context.Context, until *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if until != nil {
		v := *until
		until = &v
	}
	r.s.settings.PausedUntil = until
	r.s.settings.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Файлы библиотек ---

type fileRepo struct {
	s *Store
}

func (r *fileRepo) Add(_ context.Context, f *model.LibraryFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.files {
		if existing.LibraryUID == f.LibraryUID && existing.Name == f.Name {
			return fmt.Errorf("%w: файл %q уже есть в библиотеке", repository.ErrConflict, f.Name)
		}
	}
	if _, ok := r.s.files[f.UID]; ok {
		return fmt.Errorf("%w: файл %s уже существует", repository.ErrConflict, f.UID)
	}
	r.s.nextSeq++
	f.Seq = r.s.nextSeq
	r.s.files[f.UID] = f.Clone()
	return nil
}

func (r *fileRepo) Get(_ context.Context, uid string) (*model.LibraryFile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	f, ok := r.s.files[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

func (r *fileRepo) GetMany(_ context.Context, uids []string) ([]*model.LibraryFile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.LibraryFile
	for _, uid := range uids {
		if f, ok := r.s.files[uid]; ok {
			out = append(out, f.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.LibraryFile) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func matches(f *model.LibraryFile, filter model.FileFilter) bool {
	if filter.Status != nil && f.Status != *filter.Status {
		return false
	}
	if filter.LibraryUID != "" && f.LibraryUID != filter.LibraryUID {
		return false
	}
	if filter.NodeUID != "" && f.NodeUID != filter.NodeUID {
		return false
	}
	return true
}

// queueOrder — ручной порядок первым, затем порядок обнаружения.
func queueOrder(a, b *model.LibraryFile) int {
	am, bm := a.ExecutionOrder > 0, b.ExecutionOrder > 0
	switch {
	case am && !bm:
		return -1
	case !am && bm:
		return 1
	case am && bm:
		if c := cmp.Compare(a.ExecutionOrder, b.ExecutionOrder); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func (r *fileRepo) selectSorted(pred func(*model.LibraryFile) bool) []*model.LibraryFile {
	var out []*model.LibraryFile
	for _, f := range r.s.files {
		if pred(f) {
			out = append(out, f.Clone())
		}
	}
	slices.SortFunc(out, queueOrder)
	return out
}

func page(in []*model.LibraryFile, limit, offset int) []*model.LibraryFile {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (r *fileRepo) List(_ context.Context, filter model.FileFilter) ([]*model.LibraryFile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := r.selectSorted(func(f *model.LibraryFile) bool { return matches(f, filter) })
	return page(all, filter.Limit, filter.Offset), nil
}

func (r *fileRepo) Count(_ context.Context, filter model.FileFilter) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, f := range r.s.files {
		if matches(f, filter) {
			n++
		}
	}
	return n, nil
}

func (r *fileRepo) ListDispatchable(_ context.Context, q model.DispatchQuery) ([]*model.LibraryFile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := r.selectSorted(q.Matches)
	if !q.Manual {
		sortByProcessingOrder(out, q.Order)
	}
	return page(out, q.Limit, 0), nil
}

// sortByProcessingOrder упорядочивает файлы по порядку обработки библиотеки.
// При равенстве ключа решает Seq.
func sortByProcessingOrder(files []*model.LibraryFile, order model.ProcessingOrder) {
	var key func(a, b *model.LibraryFile) int
	switch order {
	case model.OrderRandom:
		rand.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
		return
	case model.OrderSmallestFirst:
		key = func(a, b *model.LibraryFile) int { return cmp.Compare(a.OriginalSize, b.OriginalSize) }
	case model.OrderLargestFirst:
		key = func(a, b *model.LibraryFile) int { return cmp.Compare(b.OriginalSize, a.OriginalSize) }
	case model.OrderNewestFirst:
		key = func(a, b *model.LibraryFile) int { return b.CreationTime.Compare(a.CreationTime) }
	case model.OrderOldestFirst:
		key = func(a, b *model.LibraryFile) int { return a.CreationTime.Compare(b.CreationTime) }
	case model.OrderAlphabetical:
		key = func(a, b *model.LibraryFile) int {
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
	default:
		return
	}
	slices.SortStableFunc(files, key)
}

func (r *fileRepo) ProcessingCounts(_ context.Context) (map[string]int, map[string]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	byLibrary := make(map[string]int)
	byNode := make(map[string]int)
	for _, f := range r.s.files {
		if f.Status == model.FileStatusProcessing {
			byLibrary[f.LibraryUID]++
			byNode[f.NodeUID]++
		}
	}
	return byLibrary, byNode, nil
}

func (r *fileRepo) TryClaim(_ context.Context, p model.ClaimParams) (*model.LibraryFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var nodeCount, libraryCount int
	for _, f := range r.s.files {
		if f.Status != model.FileStatusProcessing {
			continue
		}
		if f.NodeUID == p.NodeUID {
			if f.WorkerUID == p.WorkerUID {
				return nil, repository.ErrWorkerBusy
			}
			nodeCount++
		}
		if f.LibraryUID == p.LibraryUID {
			libraryCount++
		}
	}
	switch {
	case nodeCount >= p.NodeFlowRunners:
		return nil, repository.ErrNodeAtCapacity
	case p.LibraryMaxRunners > 0 && libraryCount >= p.LibraryMaxRunners:
		return nil, repository.ErrLibraryAtCapacity
	}

	current, ok := r.s.files[p.FileUID]
	if !ok {
		return nil, repository.ErrClaimConflict
	}
	claimed, err := lifecycle.Claim(current, p)
	if err != nil {
		return nil, repository.ErrClaimConflict
	}
	r.s.files[p.FileUID] = claimed
	return claimed.Clone(), nil
}

func (r *fileRepo) SaveChanges(_ context.Context, changes []repository.Change) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range changes {
		current, ok := r.s.files[c.After.UID]
		if !ok || current.Status != c.Before.Status || !current.DateModified.Equal(c.Before.DateModified) {
			return fmt.Errorf("%w: файл %s изменён параллельно", repository.ErrConflict, c.After.UID)
		}
		if c.After.Status == model.FileStatusProcessing && c.Before.Status != model.FileStatusProcessing {
			for uid, f := range r.s.files {
				if uid != c.After.UID && f.Status == model.FileStatusProcessing &&
					f.NodeUID == c.After.NodeUID && f.WorkerUID == c.After.WorkerUID {
					return fmt.Errorf("%w: воркер %s уже обрабатывает файл", repository.ErrConflict, c.After.WorkerUID)
				}
			}
		}
	}
	for _, c := range changes {
		next := c.After.Clone()
		current := r.s.files[next.UID]
		// Неизменяемые поля берутся из хранилища.
		next.Seq = current.Seq
		next.Name = current.Name
		next.LibraryUID = current.LibraryUID
		next.OriginalSize = current.OriginalSize
		r.s.files[next.UID] = next
	}
	return nil
}

func (r *fileRepo) ResetForNode(_ context.Context, nodeUID string, now time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var uids []string
	for uid, f := range r.s.files {
		if f.Status == model.FileStatusProcessing && f.NodeUID == nodeUID {
			r.s.files[uid] = lifecycle.Cancel(f, now)
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	return uids, nil
}

func (r *fileRepo) ReleaseHeld(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for uid, f := range r.s.files {
		if next, ok := lifecycle.ReleaseIfElapsed(f, now); ok {
			r.s.files[uid] = next
			n++
		}
	}
	return n, nil
}

func (r *fileRepo) MinExecutionOrder(_ context.Context) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	low := 0
	for _, f := range r.s.files {
		if f.ExecutionOrder > 0 && (low == 0 || f.ExecutionOrder < low) {
			low = f.ExecutionOrder
		}
	}
	return low, nil
}

func (r *fileRepo) Delete(_ context.Context, uids []string) ([]*model.LibraryFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var missing []string
	deleted := make([]*model.LibraryFile, 0, len(uids))
	for _, uid := range uids {
		f, ok := r.s.files[uid]
		switch {
		case !ok:
			missing = append(missing, uid)
		case f.Status == model.FileStatusProcessing:
			return nil, fmt.Errorf("%w: файл %s обрабатывается", repository.ErrConflict, f.Name)
		default:
			deleted = append(deleted, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: файлы %s", repository.ErrNotFound, strings.Join(missing, ", "))
	}
	for _, f := range deleted {
		delete(r.s.files, f.UID)
	}
	slices.SortFunc(deleted, func(a, b *model.LibraryFile) int { return cmp.Compare(a.Seq, b.Seq) })
	return deleted, nil
}
