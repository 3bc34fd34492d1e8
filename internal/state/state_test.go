package state

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/repository/memory"
)

func newState(t *testing.T, now *time.Time) (*SchedulerState, *memory.Store) {
	t.Helper()
	store := memory.New()
	s := New(store.Settings(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return *now }))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, store
}

func TestBump_Concurrent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, store := newState(t, &now)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Bump(context.Background()); err != nil {
				t.Errorf("Bump: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Revision(); got != 20 {
		t.Errorf("Revision() = %d, ожидалось 20", got)
	}
	st, _ := store.Settings().Get(context.Background())
	if st.Revision != 20 {
		t.Errorf("ревизия в хранилище = %d, ожидалось 20", st.Revision)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newState(t, &now)

	if s.IsPaused() {
		t.Fatal("новое состояние не должно быть на паузе")
	}

	until, err := s.Pause(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !until.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("until = %v", until)
	}
	if !s.IsPaused() {
		t.Error("ожидалась пауза")
	}

	now = now.Add(31 * time.Minute)
	if s.IsPaused() {
		t.Error("пауза должна истечь")
	}

	now = now.Add(-10 * time.Minute)
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.IsPaused() {
		t.Error("после Resume пауза должна быть снята")
	}
}

func TestPending_ForeignRevisionPublishedByAdvance(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, store := newState(t, &now)

	if _, err := store.Settings().IncrementRevision(ctx); err != nil {
		t.Fatalf("IncrementRevision: %v", err)
	}
	rev, ahead, err := s.Pending(ctx)
	if err != nil || !ahead || rev != 1 {
		t.Fatalf("Pending = %d, %v, %v; ожидалась ревизия 1", rev, ahead, err)
	}
	if s.Revision() != 0 {
		t.Errorf("Pending опубликовал ревизию %d до Advance", s.Revision())
	}

	if !s.Advance(rev) {
		t.Error("Advance(1) должен опубликовать ревизию")
	}
	if s.Revision() != 1 {
		t.Errorf("Revision() = %d, ожидалось 1", s.Revision())
	}
	if s.Advance(rev) {
		t.Error("повторный Advance не должен сообщать об изменении")
	}

	if _, ahead, _ = s.Pending(ctx); ahead {
		t.Error("после Advance ревизия хранилища не должна быть впереди")
	}
}
