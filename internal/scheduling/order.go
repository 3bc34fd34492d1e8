package scheduling

import (
	"cmp"
	"slices"
	"strings"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
)

// OrderStrategy — один уровень составного компаратора.
// Compare возвращает отрицательное число, если a должен идти раньше b.
type OrderStrategy interface {
	Name() string
	Compare(a, b *Candidate) int
}

// preparer — стратегия, которой нужен предварительный проход по кандидатам.
type preparer interface {
	prepare(in []*Candidate)
}

// ManualOrder — файлы с ручным порядком идут первыми, по возрастанию.
type ManualOrder struct{}

func (ManualOrder) Name() string { return "manual" }

func (ManualOrder) Compare(a, b *Candidate) int {
	ao, bo := a.File.ExecutionOrder, b.File.ExecutionOrder
	switch {
	case ao > 0 && bo > 0:
		return cmp.Compare(ao, bo)
	case ao > 0:
		return -1
	case bo > 0:
		return 1
	}
	return 0
}

// LibraryPriority — более приоритетные библиотеки раньше.
type LibraryPriority struct{}

func (LibraryPriority) Name() string { return "priority" }

func (LibraryPriority) Compare(a, b *Candidate) int {
	return cmp.Compare(b.Library.Priority, a.Library.Priority)
}

// LibraryOrder — порядок обработки, заданный в библиотеке.
//
// Кандидаты каждой библиотеки сортируются по её ProcessingOrder, и каждому
// назначается место в библиотеке. Сравнение идёт по месту, поэтому при
// равном приоритете библиотеки чередуются.
type LibraryOrder struct{}

func (LibraryOrder) Name() string { return "library_order" }

func (LibraryOrder) Compare(a, b *Candidate) int {
	return cmp.Compare(a.rank, b.rank)
}

func (LibraryOrder) prepare(in []*Candidate) {
	groups := make(map[string][]*Candidate)
	for _, c := range in {
		groups[c.Library.UID] = append(groups[c.Library.UID], c)
	}
	for _, group := range groups {
		less := compareBy(group[0].Library.ProcessingOrder)
		slices.SortStableFunc(group, less)
		for i, c := range group {
			c.rank = i
		}
	}
}

// InsertionOrder — порядок обнаружения, последний устойчивый критерий.
type InsertionOrder struct{}

func (InsertionOrder) Name() string { return "insertion" }

func (InsertionOrder) Compare(a, b *Candidate) int {
	if c := cmp.Compare(a.File.Seq, b.File.Seq); c != 0 {
		return c
	}
	return strings.Compare(a.File.UID, b.File.UID)
}

// DefaultOrder — ручной порядок, приоритет библиотеки, порядок библиотеки,
// порядок обнаружения.
func DefaultOrder() []OrderStrategy {
	return []OrderStrategy{ManualOrder{}, LibraryPriority{}, LibraryOrder{}, InsertionOrder{}}
}

// Order сортирует кандидатов составным компаратором.
func Order(in []*Candidate, strategies []OrderStrategy) {
	for _, s := range strategies {
		if p, ok := s.(preparer); ok {
			p.prepare(in)
		}
	}
	slices.SortStableFunc(in, func(a, b *Candidate) int {
		for _, s := range strategies {
			if c := s.Compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	})
}

// compareBy возвращает компаратор для порядка обработки библиотеки.
// При равенстве ключа решает порядок обнаружения.
func compareBy(order model.ProcessingOrder) func(a, b *Candidate) int {
	var key func(a, b *Candidate) int
	switch order {
	case model.OrderRandom:
		key = func(a, b *Candidate) int { return cmp.Compare(a.randKey, b.randKey) }
	case model.OrderSmallestFirst:
		key = func(a, b *Candidate) int { return cmp.Compare(a.File.OriginalSize, b.File.OriginalSize) }
	case model.OrderLargestFirst:
		key = func(a, b *Candidate) int { return cmp.Compare(b.File.OriginalSize, a.File.OriginalSize) }
	case model.OrderNewestFirst:
		key = func(a, b *Candidate) int { return b.File.CreationTime.Compare(a.File.CreationTime) }
	case model.OrderOldestFirst:
		key = func(a, b *Candidate) int { return a.File.CreationTime.Compare(b.File.CreationTime) }
	case model.OrderAlphabetical:
		key = func(a, b *Candidate) int {
			return strings.Compare(strings.ToLower(a.File.Name), strings.ToLower(b.File.Name))
		}
	default:
		key = func(*Candidate, *Candidate) int { return 0 }
	}
	return func(a, b *Candidate) int {
		if c := key(a, b); c != 0 {
			return c
		}
		return InsertionOrder{}.Compare(a, b)
	}
}
