package model

import (
	"slices"
	"time"
)

// LibraryFile — файл, обнаруженный в библиотеке.
// Хранится в таблице library_files.
type LibraryFile struct {
	UID string `json:"uid"`
	// Seq — порядковый номер вставки, задаёт порядок "как найдено"
	Seq int64 `json:"seq"`
	// Name — полный путь к файлу
	Name         string     `json:"name"`
	RelativePath string     `json:"relativePath,omitempty"`
	LibraryUID   string     `json:"libraryUid"`
	LibraryName  string     `json:"libraryName,omitempty"`
	Status       FileStatus `json:"status"`
	// OriginalSize — размер в байтах на момент обнаружения
	OriginalSize int64 `json:"originalSize"`
	FinalSize    int64 `json:"finalSize"`
	// Force — обработать вне расписания библиотеки
	Force     bool       `json:"force"`
	HoldUntil *time.Time `json:"holdUntil,omitempty"`
	// ExecutionOrder — ручной порядок, 0 — не задан
	ExecutionOrder int `json:"executionOrder"`
	// CreationTime и LastWriteTime — времена из файловой системы
	CreationTime      time.Time  `json:"creationTime"`
	LastWriteTime     time.Time  `json:"lastWriteTime"`
	DateCreated       time.Time  `json:"dateCreated"`
	DateModified      time.Time  `json:"dateModified"`
	ProcessingStarted *time.Time `json:"processingStarted,omitempty"`
	ProcessingEnded   *time.Time `json:"processingEnded,omitempty"`
	NodeUID           string     `json:"nodeUid,omitempty"`
	NodeName          string     `json:"nodeName,omitempty"`
	WorkerUID         string     `json:"workerUid,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
}

// Clone возвращает независимую копию файла.
func (f *LibraryFile) Clone() *LibraryFile {
	if f == nil {
		return nil
	}
	c := *f
	c.HoldUntil = cloneTime(f.HoldUntil)
	c.ProcessingStarted = cloneTime(f.ProcessingStarted)
	c.ProcessingEnded = cloneTime(f.ProcessingEnded)
	return &c
}

// HoldElapsed проверяет, истекла ли задержка файла к моменту now.
func (f *LibraryFile) HoldElapsed(now time.Time) bool {
	return f.HoldUntil == nil || !now.Before(*f.HoldUntil)
}

// Dispatchable — файл ждёт обработки и может быть выдан воркеру.
func (f *LibraryFile) Dispatchable(now time.Time) bool {
	switch f.Status {
	case FileStatusUnprocessed:
		return f.HoldElapsed(now)
	case FileStatusOnHold:
		return f.HoldUntil != nil && !now.Before(*f.HoldUntil)
	}
	return false
}

// FileFilter — параметры выборки файлов.
type FileFilter struct {
	Status     *FileStatus
	LibraryUID string
	NodeUID    string
	Limit      int
	Offset     int
}

// DispatchQuery — выборка ожидающих файлов для выдачи.
// Библиотеки уже отобраны вызывающим: включены, есть поток, свободен слот.
type DispatchQuery struct {
	Now time.Time
	// Libraries — библиотеки в расписании
	Libraries []string
	// ForceOnlyLibraries — библиотеки вне расписания, подходят только force-файлы
	ForceOnlyLibraries []string
	// Manual — только файлы с ручным порядком, иначе только без него
	Manual bool
	// Order — порядок выборки для немануальных файлов
	Order ProcessingOrder
	// MaxSize — ограничение размера в байтах, 0 — без ограничений
	MaxSize int64
	Limit   int
}

// Matches проверяет файл на соответствие выборке без учёта порядка.
func (q DispatchQuery) Matches(f *LibraryFile) bool {
	if !f.Dispatchable(q.Now) {
		return false
	}
	if (f.ExecutionOrder > 0) != q.Manual {
		return false
	}
	if q.MaxSize > 0 && f.OriginalSize > q.MaxSize {
		return false
	}
	if slices.Contains(q.Libraries, f.LibraryUID) {
		return true
	}
	return f.Force && slices.Contains(q.ForceOnlyLibraries, f.LibraryUID)
}

// ClaimParams — параметры атомарного захвата файла воркером.
type ClaimParams struct {
	FileUID    string
	LibraryUID string
	NodeUID    string
	NodeName   string
	WorkerUID  string
	// LibraryMaxRunners — 0 означает без ограничений
	LibraryMaxRunners int
	NodeFlowRunners   int
	Now               time.Time
}

// FinishParams — отчёт воркера о завершении обработки.
type FinishParams struct {
	WorkerUID     string
	Status        FileStatus
	FinalSize     int64
	FailureReason string
	Ended         time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
