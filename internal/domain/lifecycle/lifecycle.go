// Пакет lifecycle — конечный автомат статусов файла библиотеки.
//
// Жизненный цикл:
//   - обнаружение → unprocessed | on_hold
//   - on_hold → unprocessed (истечение задержки или unhold)
//   - unprocessed → processing (только через захват воркером)
//   - processing → processed | processing_failed | reprocess_by_flow (отчёт воркера)
//   - processing → unprocessed (отмена)
//   - любой не-processing → unprocessed (reprocess, force)
//
// Все функции чистые: принимают файл и возвращают изменённую копию.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
)

// Коды ошибок переходов.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeFileProcessing    = "FILE_PROCESSING"
	CodeWorkerMismatch    = "WORKER_MISMATCH"
)

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// operatorTargets — статусы, которые оператор может выставить вручную.
// processing и on_hold исключены: первый выдаётся только захватом,
// второй требует времени задержки.
var operatorTargets = map[model.FileStatus]bool{
	model.FileStatusUnprocessed:     true,
	model.FileStatusProcessed:       true,
	model.FileStatusFlowNotFound:    true,
	model.FileStatusFailed:          true,
	model.FileStatusDuplicate:       true,
	model.FileStatusMappingIssue:    true,
	model.FileStatusMissingLib:      true,
	model.FileStatusReprocessByFlow: true,
	model.FileStatusDisabled:        true,
}

// completionTargets — статусы, которыми воркер может завершить обработку.
var completionTargets = map[model.FileStatus]bool{
	model.FileStatusProcessed:       true,
	model.FileStatusFailed:          true,
	model.FileStatusReprocessByFlow: true,
}

// CanSetStatus проверяет допустимость ручного перехода from → to.
func CanSetStatus(from, to model.FileStatus) bool {
	return from != model.FileStatusProcessing && operatorTargets[to]
}

// IsCompletion сообщает, может ли воркер завершить обработку статусом s.
func IsCompletion(s model.FileStatus) bool {
	return completionTargets[s]
}

func processingError(f *model.LibraryFile, op string) error {
	return &TransitionError{
		Code:    CodeFileProcessing,
		Message: fmt.Sprintf("%s: файл %s обрабатывается", op, f.UID),
	}
}

// Discover задаёт начальный статус только что обнаруженного файла.
// При ненулевой задержке библиотеки файл попадает в on_hold.
func Discover(f *model.LibraryFile, lib *model.Library, now time.Time) *model.LibraryFile {
	next := f.Clone()
	next.Status = model.FileStatusUnprocessed
	next.HoldUntil = nil
	if lib != nil {
		next.LibraryUID = lib.UID
		next.LibraryName = lib.Name
		if lib.HoldMinutes > 0 {
			until := now.Add(time.Duration(lib.HoldMinutes) * time.Minute)
			next.Status = model.FileStatusOnHold
			next.HoldUntil = &until
		}
	}
	next.DateCreated = now
	next.DateModified = now
	return next
}

// Unhold снимает задержку. Для файлов не в on_hold ничего не меняет.
func Unhold(f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
	if f.Status == model.FileStatusProcessing {
		return nil, processingError(f, "unhold")
	}
	next := f.Clone()
	if f.Status != model.FileStatusOnHold {
		return next, nil
	}
	next.Status = model.FileStatusUnprocessed
	next.HoldUntil = nil
	next.DateModified = now
	return next, nil
}

// ReleaseIfElapsed переводит on_hold в unprocessed, если задержка истекла.
func ReleaseIfElapsed(f *model.LibraryFile, now time.Time) (*model.LibraryFile, bool) {
	if f.Status != model.FileStatusOnHold || !f.HoldElapsed(now) || f.HoldUntil == nil {
		return f, false
	}
	next := f.Clone()
	next.Status = model.FileStatusUnprocessed
	next.HoldUntil = nil
	next.DateModified = now
	return next, true
}

// Reprocess возвращает файл в очередь и очищает результаты обработки.
// Повторный вызов даёт тот же результат.
func Reprocess(f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
	if f.Status == model.FileStatusProcessing {
		return nil, processingError(f, "reprocess")
	}
	next := f.Clone()
	resetOutputs(next)
	next.Status = model.FileStatusUnprocessed
	next.HoldUntil = nil
	next.DateModified = now
	return next, nil
}

// ForceProcessing ставит файл в очередь с флагом force: он будет
// выдан воркеру даже вне расписания библиотеки.
func ForceProcessing(f *model.LibraryFile, now time.Time) (*model.LibraryFile, error) {
	next, err := Reprocess(f, now)
	if err != nil {
		return nil, err
	}
	next.Force = true
	return next, nil
}

// ToggleForce инвертирует флаг force без изменения статуса.
func ToggleForce(f *model.LibraryFile, now time.Time) *model.LibraryFile {
	next := f.Clone()
	next.Force = !f.Force
	next.DateModified = now
	return next
}

// MoveToTop задаёт ручной порядок обработки без изменения статуса.
func MoveToTop(f *model.LibraryFile, order int, now time.Time) *model.LibraryFile {
	next := f.Clone()
	next.ExecutionOrder = order
	next.DateModified = now
	return next
}

// SetStatus выставляет статус вручную.
func SetStatus(f *model.LibraryFile, to model.FileStatus, now time.Time) (*model.LibraryFile, error) {
	if f.Status == model.FileStatusProcessing {
		return nil, processingError(f, "set-status")
	}
	if !CanSetStatus(f.Status, to) {
		return nil, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", f.Status, to),
		}
	}
	next := f.Clone()
	if to == model.FileStatusUnprocessed {
		resetOutputs(next)
	}
	next.Status = to
	next.HoldUntil = nil
	next.DateModified = now
	return next, nil
}

// Claim привязывает файл к воркеру.
func Claim(f *model.LibraryFile, p model.ClaimParams) (*model.LibraryFile, error) {
	if !f.Dispatchable(p.Now) {
		return nil, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("файл %s в статусе %s не может быть захвачен", f.UID, f.Status),
		}
	}
	next := f.Clone()
	started := p.Now
	next.Status = model.FileStatusProcessing
	next.HoldUntil = nil
	next.NodeUID = p.NodeUID
	next.NodeName = p.NodeName
	next.WorkerUID = p.WorkerUID
	next.ProcessingStarted = &started
	next.ProcessingEnded = nil
	next.FailureReason = ""
	next.DateModified = p.Now
	return next, nil
}

// Complete применяет отчёт воркера о завершении обработки.
func Complete(f *model.LibraryFile, p model.FinishParams) (*model.LibraryFile, error) {
	if f.Status != model.FileStatusProcessing {
		return nil, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("файл %s не обрабатывается (статус %s)", f.UID, f.Status),
		}
	}
	if p.WorkerUID != "" && f.WorkerUID != p.WorkerUID {
		return nil, &TransitionError{
			Code:    CodeWorkerMismatch,
			Message: fmt.Sprintf("файл %s захвачен другим воркером", f.UID),
		}
	}
	if !IsCompletion(p.Status) {
		return nil, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход processing → %s недопустим", p.Status),
		}
	}
	next := f.Clone()
	ended := p.Ended
	next.Status = p.Status
	next.ProcessingEnded = &ended
	next.DateModified = p.Ended
	next.Force = false
	next.ExecutionOrder = 0
	if p.Status == model.FileStatusFailed {
		next.FailureReason = p.FailureReason
	} else {
		next.FinalSize = p.FinalSize
		next.FailureReason = ""
	}
	return next, nil
}

// Cancel возвращает обрабатываемый файл в очередь.
// Для файла не в processing возвращает копию без изменений.
func Cancel(f *model.LibraryFile, now time.Time) *model.LibraryFile {
	next := f.Clone()
	if f.Status != model.FileStatusProcessing {
		return next
	}
	next.Status = model.FileStatusUnprocessed
	next.NodeUID = ""
	next.NodeName = ""
	next.WorkerUID = ""
	next.ProcessingStarted = nil
	next.ProcessingEnded = nil
	next.DateModified = now
	return next
}

// DisplayStatus вычисляет статус для отображения. Ожидающий файл
// показывается как out_of_schedule, если библиотека сейчас вне
// расписания и флаг force не установлен.
func DisplayStatus(f *model.LibraryFile, lib *model.Library, now time.Time) model.FileStatus {
	if f.Status != model.FileStatusUnprocessed {
		return f.Status
	}
	if !f.HoldElapsed(now) {
		return model.FileStatusOnHold
	}
	if lib == nil {
		return f.Status
	}
	if !lib.Enabled {
		return model.FileStatusDisabled
	}
	if !f.Force && !schedule.InSchedule(lib.Schedule, now) {
		return model.FileStatusOutOfSchedule
	}
	return f.Status
}

func resetOutputs(f *model.LibraryFile) {
	f.FinalSize = 0
	f.FailureReason = ""
	f.NodeUID = ""
	f.NodeName = ""
	f.WorkerUID = ""
	f.ProcessingStarted = nil
	f.ProcessingEnded = nil
}
