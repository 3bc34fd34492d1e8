package model

import (
	"slices"
	"time"
)

// Mapping — замена пути сервера на путь узла.
type Mapping struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ProcessingNode — узел обработки, на котором работают воркеры.
// Хранится в таблице processing_nodes.
type ProcessingNode struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
	// Schedule — недельная маска работы узла; пустая — всегда
	Schedule string `json:"schedule,omitempty"`
	// FlowRunners — сколько файлов узел обрабатывает одновременно
	FlowRunners  int             `json:"flowRunners"`
	AllLibraries LibraryAffinity `json:"allLibraries"`
	Libraries    []string        `json:"libraries,omitempty"`
	// MaxFileSizeMB — ограничение размера файла, 0 — без ограничений
	MaxFileSizeMB   int64      `json:"maxFileSizeMb"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
	Version         string     `json:"version,omitempty"`
	Architecture    string     `json:"architecture,omitempty"`
	OperatingSystem string     `json:"operatingSystem,omitempty"`
	Mappings        []Mapping  `json:"mappings,omitempty"`
	DateCreated     time.Time  `json:"dateCreated"`
	DateModified    time.Time  `json:"dateModified"`
}

func (n ProcessingNode) GetUID() string { return n.UID }

// AcceptsLibrary проверяет привязку узла к библиотеке.
func (n ProcessingNode) AcceptsLibrary(libraryUID string) bool {
	switch n.AllLibraries {
	case AffinityOnly:
		return slices.Contains(n.Libraries, libraryUID)
	case AffinityAllExcept:
		return !slices.Contains(n.Libraries, libraryUID)
	default:
		return true
	}
}

// NodeRuntime — сведения, которые узел сообщает о себе при регистрации.
// Административные поля узла сюда не входят.
type NodeRuntime struct {
	Version         string
	Architecture    string
	OperatingSystem string
	// Mappings — nil оставляет текущие замены путей
	Mappings []Mapping
	LastSeen time.Time
}

// ApplyTo переносит сведения в узел.
func (rt NodeRuntime) ApplyTo(n *ProcessingNode) {
	n.Version = rt.Version
	n.Architecture = rt.Architecture
	n.OperatingSystem = rt.OperatingSystem
	if rt.Mappings != nil {
		n.Mappings = rt.Mappings
	}
	seen := rt.LastSeen
	n.LastSeen = &seen
	n.DateModified = rt.LastSeen
}

// FlowExecutorInfo — живой захват файла воркером (только в памяти).
type FlowExecutorInfo struct {
	WorkerUID   string       `json:"workerUid"`
	NodeUID     string       `json:"nodeUid"`
	NodeName    string       `json:"nodeName"`
	LibraryFile *LibraryFile `json:"libraryFile"`
	LibraryUID  string       `json:"libraryUid"`
	LibraryName string       `json:"libraryName"`
	FlowUID     string       `json:"flowUid"`
	StartedAt   time.Time    `json:"startedAt"`
	LastUpdate  time.Time    `json:"lastUpdate"`
}
