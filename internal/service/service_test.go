package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
	"github.com/bigkaa/fileflows/flow-server/internal/repository"
	"github.com/bigkaa/fileflows/flow-server/internal/repository/memory"
	"github.com/bigkaa/fileflows/flow-server/internal/state"
)

// testEnv — сервисы поверх хранилища в памяти с управляемыми часами.
type testEnv struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	store    *memory.Store
	state    *state.SchedulerState
	caches   *ConfigCaches
	registry *WorkerRegistry
	dispatch *DispatchService
	files    *LibraryFileService
	libs     *LibraryService
	flows    *FlowService
	system   *SystemService
	sync     *ConfigSyncService

	// convert — общий поток библиотек, имена потоков уникальны
	convert *model.Flow
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		t:     t,
		ctx:   context.Background(),
		now:   time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), // среда
		store: memory.New(),
	}
	env.state = state.New(env.store.Settings(), logger, state.WithClock(func() time.Time { return env.now }))
	if err := env.state.Load(env.ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	env.caches = NewConfigCaches(env.store.Libraries(), env.store.Flows(), env.store.Variables(), env.store.Nodes(), env.state, logger)
	env.registry = NewWorkerRegistry(env.caches, env.store.Files(), env.state, nil, time.Minute, 5*time.Minute, logger)
	env.dispatch = NewDispatchService(env.caches, env.store.Files(), env.state, env.registry, DispatchOptions{
		RetryBudget:    5,
		CandidateLimit: 100,
		FileSizeUnit:   1 << 20,
	}, logger)
	env.files = NewLibraryFileService(env.caches, env.store.Files(), env.state, env.registry, nil, 100, logger)
	env.libs = NewLibraryService(env.caches, env.state, logger)
	env.flows = NewFlowService(env.caches, env.state, logger)
	env.system = NewSystemService(env.state, env.registry, logger)
	env.sync = NewConfigSyncService(env.caches, env.state, 4, time.Minute, time.Minute, logger)
	return env
}

func (e *testEnv) flow() *model.Flow {
	e.t.Helper()
	if e.convert != nil {
		return e.convert
	}
	f, err := e.flows.Create(e.ctx, model.Flow{Name: "Convert", Enabled: true})
	if err != nil {
		e.t.Fatalf("создание потока: %v", err)
	}
	e.convert = f
	return f
}

func (e *testEnv) library(name string, mutate func(l *model.Library)) *model.Library {
	e.t.Helper()
	lib := model.Library{
		Name:    name,
		Path:    "/media/" + name,
		Enabled: true,
		FlowUID: e.flow().UID,
	}
	if mutate != nil {
		mutate(&lib)
	}
	created, err := e.libs.Create(e.ctx, lib)
	if err != nil {
		e.t.Fatalf("создание библиотеки: %v", err)
	}
	return created
}

func (e *testEnv) node(runners int) *model.ProcessingNode {
	e.t.Helper()
	res, err := e.registry.Register(e.ctx, RegisterRequest{Address: fmt.Sprintf("node-%d.local", runners), Version: "1.0"})
	if err != nil {
		e.t.Fatalf("регистрация узла: %v", err)
	}
	upd := res.Node
	upd.Enabled = true
	upd.FlowRunners = runners
	n, err := e.registry.UpdateNode(e.ctx, res.Node.UID, upd)
	if err != nil {
		e.t.Fatalf("включение узла: %v", err)
	}
	return n
}

func (e *testEnv) discover(lib *model.Library, name string, sizeMB int64) *model.LibraryFile {
	e.t.Helper()
	f, err := e.files.Discover(e.ctx, DiscoverRequest{
		LibraryUID: lib.UID,
		Name:       lib.Path + "/" + name,
		Size:       sizeMB << 20,
	})
	if err != nil {
		e.t.Fatalf("обнаружение файла %s: %v", name, err)
	}
	return f
}

func (e *testEnv) claim(node *model.ProcessingNode, worker string) *ClaimResult {
	e.t.Helper()
	res, err := e.dispatch.ClaimNext(e.ctx, ClaimRequest{NodeUID: node.UID, WorkerUID: worker})
	if err != nil {
		e.t.Fatalf("ClaimNext: %v", err)
	}
	return res
}

func TestClaimNext_SmallestFirstThenNoFile(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", func(l *model.Library) { l.ProcessingOrder = model.OrderSmallestFirst })
	node := env.node(4)
	env.discover(lib, "a.mkv", 10)
	env.discover(lib, "b.mkv", 2)

	first := env.claim(node, "w1")
	if first.Status != ClaimFound || first.File.Name != lib.Path+"/b.mkv" {
		t.Fatalf("первый захват = %+v, ожидался b.mkv", first)
	}
	if first.Flow == nil || first.Flow.UID != lib.FlowUID {
		t.Errorf("в ответе нет потока библиотеки")
	}

	second := env.claim(node, "w2")
	if second.Status != ClaimFound || second.File.Name != lib.Path+"/a.mkv" {
		t.Fatalf("второй захват = %+v, ожидался a.mkv", second)
	}

	if third := env.claim(node, "w3"); third.Status != ClaimNoFile {
		t.Errorf("третий захват = %s, ожидался no_file", third.Status)
	}
	if got := len(env.registry.Executors()); got != 2 {
		t.Errorf("активных захватов = %d, ожидалось 2", got)
	}
}

func TestClaimNext_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(100)
	env.discover(lib, "only.mkv", 1)

	var wg sync.WaitGroup
	results := make([]*ClaimResult, 30)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.dispatch.ClaimNext(env.ctx, ClaimRequest{NodeUID: node.UID, WorkerUID: fmt.Sprintf("w%d", i)})
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	found := 0
	for _, r := range results {
		if r != nil && r.Status == ClaimFound {
			found++
		}
	}
	if found != 1 {
		t.Errorf("файл выдан %d раз, ожидался 1", found)
	}
}

func TestClaimNext_LibraryCap(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", func(l *model.Library) { l.MaxRunners = 2 })
	node := env.node(10)
	for i := range 5 {
		env.discover(lib, fmt.Sprintf("f%d.mkv", i), 1)
	}

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.dispatch.ClaimNext(env.ctx, ClaimRequest{NodeUID: node.UID, WorkerUID: fmt.Sprintf("w%d", i)}); err != nil {
				t.Errorf("ClaimNext: %v", err)
			}
		}()
	}
	wg.Wait()

	byLib, _, err := env.store.Files().ProcessingCounts(env.ctx)
	if err != nil {
		t.Fatalf("ProcessingCounts: %v", err)
	}
	if byLib[lib.UID] != 2 {
		t.Errorf("в обработке %d файлов библиотеки, ожидалось 2", byLib[lib.UID])
	}
}

func TestClaimNext_NodeCapacity(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(1)
	env.discover(lib, "a.mkv", 1)
	env.discover(lib, "b.mkv", 1)

	if res := env.claim(node, "w1"); res.Status != ClaimFound {
		t.Fatalf("первый захват = %s", res.Status)
	}
	if res := env.claim(node, "w2"); res.Status != ClaimNoFile {
		t.Errorf("узел заполнен: %s, ожидался no_file", res.Status)
	}
}

func TestClaimNext_ForceBypassesSchedule(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", func(l *model.Library) { l.Schedule = schedule.AlwaysOff() })
	node := env.node(2)
	f := env.discover(lib, "a.mkv", 1)

	if res := env.claim(node, "w1"); res.Status != ClaimNoFile {
		t.Fatalf("вне расписания: %s, ожидался no_file", res.Status)
	}

	view, _ := env.files.Get(env.ctx, f.UID)
	if view.DisplayStatus != model.FileStatusOutOfSchedule {
		t.Errorf("DisplayStatus = %s, ожидался out_of_schedule", view.DisplayStatus)
	}

	if _, err := env.files.ForceProcessing(env.ctx, []string{f.UID}); err != nil {
		t.Fatalf("ForceProcessing: %v", err)
	}
	if res := env.claim(node, "w1"); res.Status != ClaimFound {
		t.Errorf("с force: %s, ожидался found", res.Status)
	}
}

func TestClaimNext_HoldThenRelease(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", func(l *model.Library) { l.HoldMinutes = 10 })
	node := env.node(2)
	f := env.discover(lib, "a.mkv", 1)
	if f.Status != model.FileStatusOnHold {
		t.Fatalf("статус = %s, ожидался on_hold", f.Status)
	}

	if res := env.claim(node, "w1"); res.Status != ClaimNoFile {
		t.Fatalf("до истечения задержки: %s", res.Status)
	}
	env.now = env.now.Add(11 * time.Minute)
	if res := env.claim(node, "w1"); res.Status != ClaimFound {
		t.Errorf("после задержки: %s, ожидался found", res.Status)
	}
}

func TestClaimNext_Admission(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(2)
	env.discover(lib, "a.mkv", 1)

	if _, err := env.system.Pause(env.ctx, 30); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if res := env.claim(node, "w1"); res.Status != ClaimSystemPaused {
		t.Errorf("на паузе: %s", res.Status)
	}
	if _, err := env.system.Resume(env.ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	unknown := &model.ProcessingNode{UID: "missing"}
	if res := env.claim(unknown, "w1"); res.Status != ClaimNodeDisabled {
		t.Errorf("неизвестный узел: %s", res.Status)
	}

	upd := *node
	upd.Enabled = false
	if _, err := env.registry.UpdateNode(env.ctx, node.UID, upd); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if res := env.claim(node, "w1"); res.Status != ClaimNodeDisabled {
		t.Errorf("выключенный узел: %s", res.Status)
	}

	if _, err := env.dispatch.ClaimNext(env.ctx, ClaimRequest{NodeUID: node.UID}); !errors.Is(err, ErrValidation) {
		t.Errorf("без workerUid: ожидался ErrValidation, получено %v", err)
	}
}

func TestClaimNext_AffinityAndSize(t *testing.T) {
	env := newTestEnv(t)
	movies := env.library("movies", nil)
	tv := env.library("tv", func(l *model.Library) { l.Priority = model.PriorityHighest })
	node := env.node(4)

	upd := *node
	upd.AllLibraries = model.AffinityAllExcept
	upd.Libraries = []string{tv.UID}
	upd.MaxFileSizeMB = 5
	if _, err := env.registry.UpdateNode(env.ctx, node.UID, upd); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	env.discover(tv, "episode.mkv", 1)
	env.discover(movies, "big.mkv", 50)
	small := env.discover(movies, "small.mkv", 3)

	res := env.claim(node, "w1")
	if res.Status != ClaimFound || res.File.UID != small.UID {
		t.Fatalf("захват = %+v, ожидался small.mkv", res)
	}
	if res := env.claim(node, "w2"); res.Status != ClaimNoFile {
		t.Errorf("остальные файлы недоступны узлу: %s", res.Status)
	}
}

func TestClaimNext_SmallestFirstLibrarySlot(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", func(l *model.Library) {
		l.Priority = model.PriorityHigh
		l.ProcessingOrder = model.OrderSmallestFirst
		l.MaxRunners = 1
	})
	single := env.node(1)
	a := env.discover(lib, "a.mkv", 10)
	b := env.discover(lib, "b.mkv", 2)

	if res := env.claim(single, "w1"); res.Status != ClaimFound || res.File.UID != b.UID {
		t.Fatalf("первый захват = %+v, ожидался b.mkv", res)
	}
	if res := env.claim(single, "w2"); res.Status != ClaimNoFile {
		t.Fatalf("второй захват = %s, ожидался no_file", res.Status)
	}

	// У второго узла слоты есть, но слот библиотеки занят b.mkv.
	wide := env.node(4)
	if res := env.claim(wide, "w3"); res.Status != ClaimNoFile {
		t.Fatalf("слот библиотеки занят: %s, ожидался no_file", res.Status)
	}

	if _, err := env.files.Finish(env.ctx, b.UID, FinishRequest{WorkerUID: "w1", Status: model.FileStatusProcessed}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res := env.claim(wide, "w3"); res.Status != ClaimFound || res.File.UID != a.UID {
		t.Errorf("после завершения b.mkv = %+v, ожидался a.mkv", res)
	}
}

func TestClaimNext_QueueLongerThanCandidateLimit(t *testing.T) {
	tests := []struct {
		name  string
		crowd func(l *model.Library)
	}{
		{
			name:  "выключенная библиотека",
			crowd: func(l *model.Library) { l.Enabled = false },
		},
		{
			name:  "библиотека вне расписания",
			crowd: func(l *model.Library) { l.Schedule = schedule.AlwaysOff() },
		},
		{
			name:  "низкий приоритет",
			crowd: func(l *model.Library) { l.Priority = model.PriorityLowest },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			crowded := env.library("crowded", tt.crowd)
			urgent := env.library("urgent", func(l *model.Library) { l.Priority = model.PriorityHighest })
			node := env.node(4)

			// Очередь длиннее CandidateLimit, файлы найдены раньше.
			for i := range 150 {
				env.discover(crowded, fmt.Sprintf("f%03d.mkv", i), 1)
			}
			want := env.discover(urgent, "urgent.mkv", 1)

			res := env.claim(node, "w1")
			if res.Status != ClaimFound || res.File.UID != want.UID {
				t.Fatalf("захват = %+v, ожидался urgent.mkv", res)
			}
		})
	}
}

// staleCounts отдаёт пустые счётчики обработки, как экземпляр,
// не успевший увидеть чужой захват.
type staleCounts struct {
	repository.LibraryFileRepository
}

func (staleCounts) ProcessingCounts(context.Context) (map[string]int, map[string]int, error) {
	return map[string]int{}, map[string]int{}, nil
}

func TestClaimNext_LibraryAtCapacityKeepsBudget(t *testing.T) {
	env := newTestEnv(t)
	busy := env.library("busy", func(l *model.Library) {
		l.Priority = model.PriorityHighest
		l.MaxRunners = 1
	})
	free := env.library("free", nil)
	node := env.node(4)
	env.discover(busy, "a.mkv", 1)
	env.discover(busy, "b.mkv", 1)
	want := env.discover(free, "c.mkv", 1)

	if res := env.claim(node, "w1"); res.Status != ClaimFound || res.File.LibraryUID != busy.UID {
		t.Fatalf("первый захват = %+v", res)
	}

	dispatch := NewDispatchService(env.caches, staleCounts{env.store.Files()}, env.state, env.registry,
		DispatchOptions{RetryBudget: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := dispatch.ClaimNext(env.ctx, ClaimRequest{NodeUID: node.UID, WorkerUID: "w2"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if res.Status != ClaimFound || res.File.UID != want.UID {
		t.Errorf("отказ по вместимости библиотеки не должен расходовать бюджет: %+v", res)
	}
}

func TestRevision_Bumps(t *testing.T) {
	env := newTestEnv(t)
	start := env.state.Revision()

	env.library("movies", nil) // поток + библиотека
	if got := env.state.Revision(); got != start+2 {
		t.Fatalf("ревизия = %d, ожидалось %d", got, start+2)
	}

	res, err := env.registry.Register(env.ctx, RegisterRequest{Address: "n1", Version: "1.0"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	afterRegister := env.state.Revision()
	if afterRegister != start+3 {
		t.Errorf("новый узел: ревизия = %d, ожидалось %d", afterRegister, start+3)
	}

	if err := env.registry.Heartbeat(env.ctx, res.Node.UID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := env.registry.Register(env.ctx, RegisterRequest{Address: "n1", Version: "1.0"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := env.state.Revision(); got != afterRegister {
		t.Errorf("heartbeat и повторная регистрация изменили ревизию: %d", got)
	}

	if _, err := env.registry.Register(env.ctx, RegisterRequest{Address: "n1", Version: "1.1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := env.state.Revision(); got != afterRegister+1 {
		t.Errorf("смена версии: ревизия = %d, ожидалось %d", got, afterRegister+1)
	}

	if err := env.registry.Heartbeat(env.ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat неизвестного узла: ожидался ErrNotFound, получено %v", err)
	}
}

func TestSweep_ResetsSilentNodes(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(2)
	f := env.discover(lib, "a.mkv", 1)
	if res := env.claim(node, "w1"); res.Status != ClaimFound {
		t.Fatalf("захват: %s", res.Status)
	}

	env.now = env.now.Add(10 * time.Minute)
	res, err := env.registry.SweepOnce(env.ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.FilesReset != 1 || len(res.NodesTimedOut) != 1 {
		t.Errorf("SweepOnce = %+v, ожидался сброс одного файла", res)
	}

	got, _ := env.store.Files().Get(env.ctx, f.UID)
	if got.Status != model.FileStatusUnprocessed || got.WorkerUID != "" {
		t.Errorf("после очистки: status=%s worker=%q", got.Status, got.WorkerUID)
	}
	if n := len(env.registry.Executors()); n != 0 {
		t.Errorf("осталось захватов: %d", n)
	}
}

// otherInstance — второй экземпляр сервера над тем же хранилищем.
func (e *testEnv) otherInstance() *WorkerRegistry {
	e.t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.New(e.store.Settings(), logger, state.WithClock(func() time.Time { return e.now }))
	if err := st.Load(e.ctx); err != nil {
		e.t.Fatalf("Load: %v", err)
	}
	caches := NewConfigCaches(e.store.Libraries(), e.store.Flows(), e.store.Variables(), e.store.Nodes(), st, logger)
	return NewWorkerRegistry(caches, e.store.Files(), st, nil, time.Minute, 5*time.Minute, logger)
}

func TestHeartbeat_OtherInstanceKeepsAdminChanges(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.registry.Register(env.ctx, RegisterRequest{Address: "n1", Version: "1.0"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	other := env.otherInstance()
	if _, err := other.ListNodes(env.ctx); err != nil {
		t.Fatalf("ListNodes: %v", err)
	}

	upd := res.Node
	upd.Enabled = true
	upd.FlowRunners = 4
	if _, err := env.registry.UpdateNode(env.ctx, res.Node.UID, upd); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	env.now = env.now.Add(time.Minute)
	if err := other.Heartbeat(env.ctx, res.Node.UID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := other.Register(env.ctx, RegisterRequest{Address: "n1", Version: "1.1", OperatingSystem: "linux"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stored, err := env.store.Nodes().Get(env.ctx, res.Node.UID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Enabled || stored.FlowRunners != 4 {
		t.Errorf("настройки администратора потеряны: enabled=%v flowRunners=%d", stored.Enabled, stored.FlowRunners)
	}
	if stored.LastSeen == nil || !stored.LastSeen.Equal(env.now) {
		t.Errorf("LastSeen = %v, ожидалось %v", stored.LastSeen, env.now)
	}
	if stored.Version != "1.1" || stored.OperatingSystem != "linux" {
		t.Errorf("сведения узла не сохранены: version=%q os=%q", stored.Version, stored.OperatingSystem)
	}

	// Повторная регистрация адреса, известного только хранилищу.
	late := env.otherInstance()
	again, err := late.Register(env.ctx, RegisterRequest{Address: "n2", Version: "1.0"})
	if err != nil {
		t.Fatalf("Register(n2): %v", err)
	}
	dup, err := other.Register(env.ctx, RegisterRequest{Address: "n2", Version: "1.0"})
	if err != nil {
		t.Fatalf("повторная регистрация n2 другим экземпляром: %v", err)
	}
	if dup.Node.UID != again.Node.UID {
		t.Errorf("UID = %s, ожидался %s", dup.Node.UID, again.Node.UID)
	}
}

func TestSweep_HeartbeatOnOtherInstance(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(2)
	env.discover(lib, "a.mkv", 1)
	if res := env.claim(node, "w1"); res.Status != ClaimFound {
		t.Fatalf("захват: %s", res.Status)
	}

	other := env.otherInstance()
	env.now = env.now.Add(10 * time.Minute)
	if err := other.Heartbeat(env.ctx, node.UID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	res, err := env.registry.SweepOnce(env.ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.FilesReset != 0 {
		t.Errorf("файлы живого узла сброшены: %+v", res)
	}
}

func TestBatch_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(2)
	a := env.discover(lib, "a.mkv", 1)
	b := env.discover(lib, "b.mkv", 1)

	if res := env.claim(node, "w1"); res.Status != ClaimFound || res.File.UID != a.UID {
		t.Fatalf("захват: %+v", res)
	}

	_, err := env.files.ForceProcessing(env.ctx, []string{b.UID, a.UID})
	if !errors.Is(err, ErrFileProcessing) {
		t.Fatalf("ожидался ErrFileProcessing, получено %v", err)
	}
	got, _ := env.store.Files().Get(env.ctx, b.UID)
	if got.Force {
		t.Error("force установлен, хотя пакет отклонён")
	}

	if _, err := env.files.Reprocess(env.ctx, []string{b.UID, "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный UID: ожидался ErrNotFound, получено %v", err)
	}
}

// recordingRemover запоминает пути, которые сервис удаляет с диска.
type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	fail    string
}

func (r *recordingRemover) Remove(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
	if path == r.fail {
		return errors.New("permission denied")
	}
	return nil
}

func TestDelete_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingRemover{}
	files := NewLibraryFileService(env.caches, env.store.Files(), env.state, env.registry, rec, 100,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	lib := env.library("movies", nil)
	node := env.node(2)
	a := env.discover(lib, "a.mkv", 1)
	b := env.discover(lib, "b.mkv", 1)
	c := env.discover(lib, "c.mkv", 1)
	if res := env.claim(node, "w1"); res.Status != ClaimFound || res.File.UID != a.UID {
		t.Fatalf("захват: %+v", res)
	}

	tests := []struct {
		name string
		uids []string
		want error
	}{
		{name: "неизвестный файл", uids: []string{"missing"}, want: ErrNotFound},
		{name: "известный и неизвестный", uids: []string{b.UID, "missing"}, want: ErrNotFound},
		{name: "обрабатываемый файл", uids: []string{b.UID, a.UID}, want: ErrFileProcessing},
		{name: "пустой список", uids: nil, want: ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := files.Delete(env.ctx, tt.uids, true)
			if !errors.Is(err, tt.want) || n != 0 {
				t.Errorf("Delete = %d, %v; ожидалось 0, %v", n, err, tt.want)
			}
		})
	}
	if len(rec.removed) != 0 {
		t.Fatalf("отклонённое удаление затронуло диск: %v", rec.removed)
	}
	if _, err := env.store.Files().Get(env.ctx, b.UID); err != nil {
		t.Fatalf("отклонённое удаление удалило запись: %v", err)
	}

	rec.fail = c.Name
	n, err := files.Delete(env.ctx, []string{c.UID, b.UID, b.UID}, true)
	if err != nil || n != 2 {
		t.Fatalf("Delete = %d, %v; ожидалось 2", n, err)
	}
	if fmt.Sprint(rec.removed) != fmt.Sprint([]string{b.Name, c.Name}) {
		t.Errorf("с диска удалены %v", rec.removed)
	}
	for _, uid := range []string{b.UID, c.UID} {
		if _, err := env.store.Files().Get(env.ctx, uid); err == nil {
			t.Errorf("запись %s не удалена", uid)
		}
	}
}

func TestMoveToTop_Order(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(4)
	a := env.discover(lib, "a.mkv", 1)
	b := env.discover(lib, "b.mkv", 1)
	c := env.discover(lib, "c.mkv", 1)
	d := env.discover(lib, "d.mkv", 1)

	if n, err := env.files.MoveToTop(env.ctx, []string{c.UID, b.UID}); err != nil || n != 2 {
		t.Fatalf("MoveToTop = %d, %v", n, err)
	}
	// Поднятый позже идёт перед поднятыми раньше.
	if n, err := env.files.MoveToTop(env.ctx, []string{d.UID}); err != nil || n != 1 {
		t.Fatalf("MoveToTop = %d, %v", n, err)
	}

	for _, want := range []string{d.UID, c.UID, b.UID, a.UID} {
		res := env.claim(node, "w-"+want)
		if res.Status != ClaimFound || res.File.UID != want {
			t.Fatalf("захват = %+v, ожидался %s", res, want)
		}
	}
}

func TestFinishAndCancel(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(2)
	a := env.discover(lib, "a.mkv", 1)
	b := env.discover(lib, "b.mkv", 1)

	env.claim(node, "w1")
	env.claim(node, "w2")

	_, err := env.files.Finish(env.ctx, a.UID, FinishRequest{WorkerUID: "w2", Status: model.FileStatusProcessed})
	if !errors.Is(err, ErrWorkerMismatch) {
		t.Fatalf("чужой воркер: ожидался ErrWorkerMismatch, получено %v", err)
	}
	_, err = env.files.Finish(env.ctx, a.UID, FinishRequest{WorkerUID: "w1", Status: model.FileStatusUnprocessed})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("недопустимый статус: ожидался ErrInvalidTransition, получено %v", err)
	}

	done, err := env.files.Finish(env.ctx, a.UID, FinishRequest{WorkerUID: "w1", Status: model.FileStatusProcessed, FinalSize: 512})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.Status != model.FileStatusProcessed || done.FinalSize != 512 || done.ProcessingEnded == nil {
		t.Errorf("после Finish: %+v", done)
	}

	for range 2 {
		got, err := env.files.Cancel(env.ctx, b.UID)
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if got.Status != model.FileStatusUnprocessed {
			t.Errorf("после Cancel: %s", got.Status)
		}
	}
	if n := len(env.registry.Executors()); n != 0 {
		t.Errorf("осталось захватов: %d", n)
	}
}

func TestReprocess_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	lib := env.library("movies", nil)
	node := env.node(1)
	f := env.discover(lib, "a.mkv", 1)
	env.claim(node, "w1")
	if _, err := env.files.Finish(env.ctx, f.UID, FinishRequest{WorkerUID: "w1", Status: model.FileStatusFailed, FailureReason: "codec"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	for range 2 {
		if _, err := env.files.Reprocess(env.ctx, []string{f.UID}); err != nil {
			t.Fatalf("Reprocess: %v", err)
		}
		got, _ := env.store.Files().Get(env.ctx, f.UID)
		if got.Status != model.FileStatusUnprocessed || got.FailureReason != "" || got.NodeUID != "" {
			t.Errorf("после Reprocess: %+v", got)
		}
	}
}

func TestList_DisplayStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	open := env.library("open", nil)
	closed := env.library("closed", func(l *model.Library) { l.Schedule = schedule.AlwaysOff() })
	env.discover(open, "a.mkv", 1)
	env.discover(closed, "b.mkv", 1)
	env.discover(closed, "c.mkv", 1)

	st := model.FileStatusOutOfSchedule
	res, err := env.files.List(env.ctx, FileListParams{Status: &st, Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 2 || len(res.Items) != 1 {
		t.Errorf("List = total %d, items %d; ожидалось 2 и 1", res.Total, len(res.Items))
	}

	all, err := env.files.List(env.ctx, FileListParams{Limit: 10})
	if err != nil || all.Total != 3 {
		t.Fatalf("List без фильтра = %+v, %v", all, err)
	}
}

func TestCurrentConfig_CachedPerRevision(t *testing.T) {
	env := newTestEnv(t)
	env.library("movies", nil)

	first, err := env.sync.CurrentConfig(env.ctx)
	if err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}
	again, _ := env.sync.CurrentConfig(env.ctx)
	if first != again {
		t.Error("снимок той же ревизии должен браться из кэша")
	}
	if len(first.Libraries) != 1 || len(first.Flows) != 1 || first.Variables == nil {
		t.Errorf("снимок = %+v", first)
	}

	env.library("tv", nil)
	next, _ := env.sync.CurrentConfig(env.ctx)
	if next.Revision <= first.Revision || len(next.Libraries) != 2 {
		t.Errorf("новая ревизия: %d → %d, библиотек %d", first.Revision, next.Revision, len(next.Libraries))
	}
}

// listHook вызывает onList при чтении библиотек из хранилища.
type listHook struct {
	repository.LibraryRepository
	onList func()
}

func (h *listHook) List(ctx context.Context) ([]model.Library, error) {
	if h.onList != nil {
		h.onList()
	}
	return h.LibraryRepository.List(ctx)
}

func TestSyncOnce_SnapshotNotStaleDuringRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.library("movies", nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.New(env.store.Settings(), logger, state.WithClock(func() time.Time { return env.now }))
	if err := st.Load(env.ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	hook := &listHook{LibraryRepository: env.store.Libraries()}
	caches := NewConfigCaches(hook, env.store.Flows(), env.store.Variables(), env.store.Nodes(), st, logger)
	other := NewConfigSyncService(caches, st, 4, time.Minute, time.Minute, logger)
	if _, err := other.CurrentConfig(env.ctx); err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}

	env.library("tv", nil)

	// Воркер запрашивает конфигурацию, пока кэши перечитываются.
	var during *model.ConfigSnapshot
	hook.onList = func() {
		hook.onList = nil
		during, _ = other.CurrentConfig(env.ctx)
	}
	if err := other.SyncOnce(env.ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if during == nil || during.Revision >= st.Revision() {
		t.Fatalf("снимок во время перечитывания: %+v", during)
	}

	after, err := other.CurrentConfig(env.ctx)
	if err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}
	if after.Revision != env.state.Revision() || len(after.Libraries) != 2 {
		t.Errorf("после SyncOnce: ревизия %d (ожидалась %d), библиотек %d",
			after.Revision, env.state.Revision(), len(after.Libraries))
	}
}

func TestLibraryValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		lib  model.Library
	}{
		{name: "пустое имя", lib: model.Library{Path: "/m"}},
		{name: "пустой путь", lib: model.Library{Name: "m"}},
		{name: "отрицательный maxRunners", lib: model.Library{Name: "m", Path: "/m", MaxRunners: -1}},
		{name: "недопустимый приоритет", lib: model.Library{Name: "m", Path: "/m", Priority: 3}},
		{name: "неизвестный поток", lib: model.Library{Name: "m", Path: "/m", FlowUID: "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.libs.Create(env.ctx, tt.lib); !errors.Is(err, ErrValidation) {
				t.Errorf("ожидался ErrValidation, получено %v", err)
			}
		})
	}

	lib, err := env.libs.Create(env.ctx, model.Library{Name: "m", Path: "/m", Schedule: "bad"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if lib.Schedule != "" {
		t.Errorf("некорректное расписание сохранено как %q, ожидалась пустая строка", lib.Schedule)
	}
}
