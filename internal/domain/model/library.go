package model

import (
	"encoding/json"
	"time"
)

// Library — библиотека: каталог с файлами, обрабатываемыми одним потоком.
// Хранится в таблице libraries.
type Library struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
	// Schedule — недельная маска из 672 символов '0'/'1'; пустая — без ограничений
	Schedule string `json:"schedule,omitempty"`
	// ScanInterval — интервал сканирования в секундах (для сканера)
	ScanInterval    int             `json:"scanInterval"`
	Priority        Priority        `json:"priority"`
	ProcessingOrder ProcessingOrder `json:"processingOrder"`
	// MaxRunners — максимум одновременно обрабатываемых файлов, 0 — без ограничений
	MaxRunners int `json:"maxRunners"`
	// HoldMinutes — задержка перед обработкой новых файлов
	HoldMinutes  int        `json:"holdMinutes"`
	FlowUID      string     `json:"flowUid"`
	LastScanned  *time.Time `json:"lastScanned,omitempty"`
	DateCreated  time.Time  `json:"dateCreated"`
	DateModified time.Time  `json:"dateModified"`
}

func (l Library) GetUID() string { return l.UID }

// Flow — определение потока обработки. Содержимое непрозрачно для планировщика.
type Flow struct {
	UID          string          `json:"uid"`
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Description  string          `json:"description,omitempty"`
	Definition   json.RawMessage `json:"definition,omitempty"`
	DateCreated  time.Time       `json:"dateCreated"`
	DateModified time.Time       `json:"dateModified"`
}

func (f Flow) GetUID() string { return f.UID }

// Variable — глобальная переменная, доступная потокам на узлах.
type Variable struct {
	UID          string    `json:"uid"`
	Name         string    `json:"name"`
	Value        string    `json:"value"`
	DateCreated  time.Time `json:"dateCreated"`
	DateModified time.Time `json:"dateModified"`
}

func (v Variable) GetUID() string { return v.UID }

// Settings — глобальное состояние планировщика (одна строка, id = 1).
type Settings struct {
	// Revision — строго возрастающий номер версии конфигурации
	Revision int64
	// PausedUntil — обработка приостановлена до этого момента
	PausedUntil *time.Time
	UpdatedAt   time.Time
}

// ConfigSnapshot — консолидированная конфигурация, которую забирают узлы.
type ConfigSnapshot struct {
	Revision  int64      `json:"revision"`
	Libraries []Library  `json:"libraries"`
	Flows     []Flow     `json:"flows"`
	Variables []Variable `json:"variables"`
}
