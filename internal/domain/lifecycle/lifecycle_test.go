package lifecycle

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
)

var now = time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

func processedFile() *model.LibraryFile {
	started := now.Add(-time.Hour)
	ended := now.Add(-time.Minute)
	return &model.LibraryFile{
		UID:               "f1",
		Name:              "/media/a.mkv",
		LibraryUID:        "lib",
		Status:            model.FileStatusProcessed,
		OriginalSize:      100,
		FinalSize:         60,
		NodeUID:           "node",
		NodeName:          "node-1",
		WorkerUID:         "w1",
		ProcessingStarted: &started,
		ProcessingEnded:   &ended,
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидается TransitionError, получено %v", err)
	}
	if te.Code != code {
		t.Errorf("Code = %s, ожидается %s", te.Code, code)
	}
}

func TestDiscover(t *testing.T) {
	f := &model.LibraryFile{UID: "f"}

	got := Discover(f, &model.Library{UID: "lib"}, now)
	if got.Status != model.FileStatusUnprocessed || got.HoldUntil != nil {
		t.Errorf("без задержки: статус %s, hold %v", got.Status, got.HoldUntil)
	}

	got = Discover(f, &model.Library{UID: "lib", HoldMinutes: 10}, now)
	if got.Status != model.FileStatusOnHold {
		t.Fatalf("Status = %s, ожидается on_hold", got.Status)
	}
	if !got.HoldUntil.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("HoldUntil = %v", got.HoldUntil)
	}
}

func TestReprocess_Idempotent(t *testing.T) {
	once, err := Reprocess(processedFile(), now)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	twice, err := Reprocess(once, now)
	if err != nil {
		t.Fatalf("Reprocess повторно: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("повторный reprocess изменил файл:\n%+v\n%+v", once, twice)
	}
	if once.Status != model.FileStatusUnprocessed || once.FinalSize != 0 || once.NodeUID != "" || once.ProcessingStarted != nil {
		t.Errorf("результаты обработки не очищены: %+v", once)
	}
}

func TestReprocess_ProcessingRejected(t *testing.T) {
	f := processedFile()
	f.Status = model.FileStatusProcessing
	_, err := Reprocess(f, now)
	assertCode(t, err, CodeFileProcessing)
}

func TestUnhold(t *testing.T) {
	hold := now.Add(time.Hour)
	f := &model.LibraryFile{UID: "f", Status: model.FileStatusOnHold, HoldUntil: &hold}

	got, err := Unhold(f, now)
	if err != nil {
		t.Fatalf("Unhold: %v", err)
	}
	if got.Status != model.FileStatusUnprocessed || got.HoldUntil != nil {
		t.Errorf("ожидается unprocessed без задержки, получено %s %v", got.Status, got.HoldUntil)
	}

	p := processedFile()
	got, err = Unhold(p, now)
	if err != nil {
		t.Fatalf("Unhold для processed: %v", err)
	}
	if got.Status != model.FileStatusProcessed {
		t.Errorf("Unhold не должен менять processed, получено %s", got.Status)
	}
}

func TestReleaseIfElapsed(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if _, ok := ReleaseIfElapsed(&model.LibraryFile{Status: model.FileStatusOnHold, HoldUntil: &future}, now); ok {
		t.Error("задержка не истекла, освобождать нельзя")
	}
	got, ok := ReleaseIfElapsed(&model.LibraryFile{Status: model.FileStatusOnHold, HoldUntil: &past}, now)
	if !ok || got.Status != model.FileStatusUnprocessed {
		t.Errorf("ожидается освобождение, получено %v %s", ok, got.Status)
	}
}

func TestForceAndToggle(t *testing.T) {
	got, err := ForceProcessing(processedFile(), now)
	if err != nil {
		t.Fatalf("ForceProcessing: %v", err)
	}
	if !got.Force || got.Status != model.FileStatusUnprocessed {
		t.Errorf("ожидается unprocessed + force, получено %s %v", got.Status, got.Force)
	}
	toggled := ToggleForce(got, now)
	if toggled.Force || toggled.Status != model.FileStatusUnprocessed {
		t.Errorf("ToggleForce должен только снять флаг")
	}
}

func TestSetStatus(t *testing.T) {
	tests := []struct {
		name string
		from model.FileStatus
		to   model.FileStatus
		code string
	}{
		{"processed → duplicate", model.FileStatusProcessed, model.FileStatusDuplicate, ""},
		{"failed → unprocessed", model.FileStatusFailed, model.FileStatusUnprocessed, ""},
		{"в processing нельзя", model.FileStatusUnprocessed, model.FileStatusProcessing, CodeInvalidTransition},
		{"в on_hold нельзя", model.FileStatusUnprocessed, model.FileStatusOnHold, CodeInvalidTransition},
		{"из processing нельзя", model.FileStatusProcessing, model.FileStatusProcessed, CodeFileProcessing},
		{"out_of_schedule не хранится", model.FileStatusUnprocessed, model.FileStatusOutOfSchedule, CodeInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := processedFile()
			f.Status = tt.from
			got, err := SetStatus(f, tt.to, now)
			if tt.code != "" {
				assertCode(t, err, tt.code)
				return
			}
			if err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			if got.Status != tt.to {
				t.Errorf("Status = %s, ожидается %s", got.Status, tt.to)
			}
		})
	}
}

func TestClaimCompleteCancel(t *testing.T) {
	f := &model.LibraryFile{UID: "f", Status: model.FileStatusUnprocessed, ExecutionOrder: 3, Force: true}
	claimed, err := Claim(f, model.ClaimParams{NodeUID: "n", NodeName: "node", WorkerUID: "w", Now: now})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != model.FileStatusProcessing || claimed.ProcessingStarted == nil || claimed.WorkerUID != "w" {
		t.Fatalf("захват не применён: %+v", claimed)
	}

	if _, err := Claim(claimed, model.ClaimParams{WorkerUID: "w2", Now: now}); err == nil {
		t.Error("повторный захват должен завершиться ошибкой")
	}

	_, err = Complete(claimed, model.FinishParams{WorkerUID: "other", Status: model.FileStatusProcessed, Ended: now})
	assertCode(t, err, CodeWorkerMismatch)

	_, err = Complete(claimed, model.FinishParams{WorkerUID: "w", Status: model.FileStatusDuplicate, Ended: now})
	assertCode(t, err, CodeInvalidTransition)

	done, err := Complete(claimed, model.FinishParams{WorkerUID: "w", Status: model.FileStatusProcessed, FinalSize: 42, Ended: now})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.FinalSize != 42 || done.ProcessingEnded == nil || done.Force || done.ExecutionOrder != 0 {
		t.Errorf("отчёт применён неверно: %+v", done)
	}

	failed, err := Complete(claimed, model.FinishParams{WorkerUID: "w", Status: model.FileStatusFailed, FailureReason: "boom", Ended: now})
	if err != nil {
		t.Fatalf("Complete(failed): %v", err)
	}
	if failed.FailureReason != "boom" {
		t.Errorf("FailureReason = %q", failed.FailureReason)
	}

	cancelled := Cancel(claimed, now)
	if cancelled.Status != model.FileStatusUnprocessed || cancelled.WorkerUID != "" || cancelled.ProcessingStarted != nil {
		t.Errorf("отмена не применена: %+v", cancelled)
	}
	again := Cancel(cancelled, now)
	if !reflect.DeepEqual(again, cancelled) {
		t.Error("повторная отмена должна быть идемпотентной")
	}
}

func TestDisplayStatus(t *testing.T) {
	lib := &model.Library{UID: "lib", Enabled: true, Schedule: schedule.AlwaysOff()}
	f := &model.LibraryFile{Status: model.FileStatusUnprocessed}

	if got := DisplayStatus(f, lib, now); got != model.FileStatusOutOfSchedule {
		t.Errorf("DisplayStatus = %s, ожидается out_of_schedule", got)
	}
	f.Force = true
	if got := DisplayStatus(f, lib, now); got != model.FileStatusUnprocessed {
		t.Errorf("force: DisplayStatus = %s, ожидается unprocessed", got)
	}
	lib.Enabled = false
	if got := DisplayStatus(f, lib, now); got != model.FileStatusDisabled {
		t.Errorf("выключенная библиотека: DisplayStatus = %s", got)
	}
	if got := DisplayStatus(processedFile(), lib, now); got != model.FileStatusProcessed {
		t.Errorf("processed: DisplayStatus = %s", got)
	}
}
