package model

import (
	"fmt"
	"strconv"
	"strings"
)

// FileStatus — статус файла библиотеки. Числовые значения хранятся в БД.
type FileStatus int

const (
	// FileStatusOutOfSchedule — только для отображения, в БД не хранится.
	FileStatusOutOfSchedule FileStatus = -3
	FileStatusDisabled      FileStatus = -2
	FileStatusOnHold        FileStatus = -1
	FileStatusUnprocessed   FileStatus = 0
	FileStatusProcessed     FileStatus = 1
	FileStatusProcessing    FileStatus = 2
	FileStatusFlowNotFound  FileStatus = 3
	FileStatusFailed        FileStatus = 4
	FileStatusDuplicate     FileStatus = 5
	FileStatusMappingIssue  FileStatus = 6
	FileStatusMissingLib    FileStatus = 7
	// FileStatusReprocessByFlow — поток запросил повторную обработку.
	FileStatusReprocessByFlow FileStatus = 10
)

var fileStatusNames = map[FileStatus]string{
	FileStatusOutOfSchedule:   "out_of_schedule",
	FileStatusDisabled:        "disabled",
	FileStatusOnHold:          "on_hold",
	FileStatusUnprocessed:     "unprocessed",
	FileStatusProcessed:       "processed",
	FileStatusProcessing:      "processing",
	FileStatusFlowNotFound:    "flow_not_found",
	FileStatusFailed:          "processing_failed",
	FileStatusDuplicate:       "duplicate",
	FileStatusMappingIssue:    "mapping_issue",
	FileStatusMissingLib:      "missing_library",
	FileStatusReprocessByFlow: "reprocess_by_flow",
}

func (s FileStatus) String() string {
	if name, ok := fileStatusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Stored сообщает, может ли статус храниться в БД.
func (s FileStatus) Stored() bool {
	_, ok := fileStatusNames[s]
	return ok && s != FileStatusOutOfSchedule
}

func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FileStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseFileStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseFileStatus разбирает статус по имени или числовому коду.
func ParseFileStatus(v string) (FileStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		s := FileStatus(n)
		if _, ok := fileStatusNames[s]; ok {
			return s, nil
		}
		return 0, fmt.Errorf("неизвестный статус файла: %d", n)
	}
	for s, name := range fileStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("неизвестный статус файла: %q", v)
}

// Priority — приоритет библиотеки.
type Priority int

const (
	PriorityLowest  Priority = -10
	PriorityLow     Priority = -5
	PriorityNormal  Priority = 0
	PriorityHigh    Priority = 5
	PriorityHighest Priority = 10
)

var priorityNames = map[Priority]string{
	PriorityLowest:  "lowest",
	PriorityLow:     "low",
	PriorityNormal:  "normal",
	PriorityHigh:    "high",
	PriorityHighest: "highest",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// Valid сообщает, что значение входит в шкалу приоритетов.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority разбирает приоритет по имени. Пустая строка — normal.
func ParsePriority(v string) (Priority, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == v {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil {
		if _, ok := priorityNames[Priority(n)]; ok {
			return Priority(n), nil
		}
	}
	return 0, fmt.Errorf("неизвестный приоритет: %q", v)
}

// ProcessingOrder — порядок выбора файлов внутри библиотеки.
type ProcessingOrder int

const (
	OrderAsFound ProcessingOrder = iota
	OrderRandom
	OrderSmallestFirst
	OrderLargestFirst
	OrderNewestFirst
	OrderOldestFirst
	OrderAlphabetical
)

var processingOrderNames = map[ProcessingOrder]string{
	OrderAsFound:       "as_found",
	OrderRandom:        "random",
	OrderSmallestFirst: "smallest_first",
	OrderLargestFirst:  "largest_first",
	OrderNewestFirst:   "newest_first",
	OrderOldestFirst:   "oldest_first",
	OrderAlphabetical:  "alphabetical",
}

func (o ProcessingOrder) String() string {
	if name, ok := processingOrderNames[o]; ok {
		return name
	}
	return "order(" + strconv.Itoa(int(o)) + ")"
}

func (o ProcessingOrder) Valid() bool {
	_, ok := processingOrderNames[o]
	return ok
}

func (o ProcessingOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *ProcessingOrder) UnmarshalText(b []byte) error {
	parsed, err := ParseProcessingOrder(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseProcessingOrder разбирает порядок обработки. Пустая строка — as_found.
func ParseProcessingOrder(v string) (ProcessingOrder, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return OrderAsFound, nil
	}
	for o, name := range processingOrderNames {
		if name == v {
			return o, nil
		}
	}
	return 0, fmt.Errorf("неизвестный порядок обработки: %q", v)
}

// LibraryAffinity — режим привязки узла к библиотекам.
type LibraryAffinity int

const (
	// AffinityAll — узел обрабатывает все библиотеки.
	AffinityAll LibraryAffinity = iota
	// AffinityOnly — только перечисленные библиотеки.
	AffinityOnly
	// AffinityAllExcept — все, кроме перечисленных.
	AffinityAllExcept
)

var affinityNames = map[LibraryAffinity]string{
	AffinityAll:       "all",
	AffinityOnly:      "only",
	AffinityAllExcept: "all_except",
}

func (a LibraryAffinity) String() string {
	if name, ok := affinityNames[a]; ok {
		return name
	}
	return "affinity(" + strconv.Itoa(int(a)) + ")"
}

func (a LibraryAffinity) Valid() bool {
	_, ok := affinityNames[a]
	return ok
}

func (a LibraryAffinity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *LibraryAffinity) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	if v == "" {
		*a = AffinityAll
		return nil
	}
	for k, name := range affinityNames {
		if name == v {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("неизвестный режим библиотек: %q", v)
}
