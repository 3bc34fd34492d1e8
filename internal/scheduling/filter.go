package scheduling

import (
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
)

// Filter отсекает кандидатов, которых узел не может взять.
type Filter interface {
	Name() string
	Filter(ctx *Context, in []*Candidate) []*Candidate
}

type predicate func(ctx *Context, c *Candidate) bool

type basicFilter struct {
	name string
	pred predicate
}

func (f *basicFilter) Name() string { return f.name }

func (f *basicFilter) Filter(ctx *Context, in []*Candidate) []*Candidate {
	out := in[:0:0]
	for _, c := range in {
		if f.pred(ctx, c) {
			out = append(out, c)
		}
	}
	return out
}

func newFilter(name string, pred predicate) Filter {
	return &basicFilter{name: name, pred: pred}
}

var (
	// HoldElapsedFilter — задержка файла истекла.
	HoldElapsedFilter = newFilter("hold_elapsed", func(ctx *Context, c *Candidate) bool {
		return c.File.Dispatchable(ctx.Now)
	})

	// LibraryEnabledFilter — библиотека включена.
	LibraryEnabledFilter = newFilter("library_enabled", func(_ *Context, c *Candidate) bool {
		return c.Library.Enabled
	})

	// LibraryScheduleFilter — библиотека в расписании, либо у файла force.
	LibraryScheduleFilter = newFilter("library_schedule", func(ctx *Context, c *Candidate) bool {
		return c.File.Force || schedule.InSchedule(c.Library.Schedule, ctx.Now)
	})

	// FlowFilter — поток библиотеки существует.
	FlowFilter = newFilter("flow", func(ctx *Context, c *Candidate) bool {
		if c.Library.FlowUID == "" {
			return false
		}
		return ctx.FlowExists == nil || ctx.FlowExists(c.Library.FlowUID)
	})

	// NodeAffinityFilter — узел обслуживает библиотеку.
	NodeAffinityFilter = newFilter("node_affinity", func(ctx *Context, c *Candidate) bool {
		return ctx.Node.AcceptsLibrary(c.Library.UID)
	})

	// FileSizeFilter — размер файла в пределах ограничения узла.
	FileSizeFilter = newFilter("file_size", func(ctx *Context, c *Candidate) bool {
		if ctx.Node.MaxFileSizeMB <= 0 {
			return true
		}
		unit := ctx.FileSizeUnit
		if unit <= 0 {
			unit = 1024 * 1024
		}
		return c.File.OriginalSize <= ctx.Node.MaxFileSizeMB*unit
	})

	// LibraryCapacityFilter — в библиотеке есть свободные слоты.
	LibraryCapacityFilter = newFilter("library_capacity", func(ctx *Context, c *Candidate) bool {
		if c.Library.MaxRunners <= 0 {
			return true
		}
		return ctx.LibraryProcessing[c.Library.UID] < c.Library.MaxRunners
	})
)

// DefaultFilters — цепочка фильтров выдачи файлов.
func DefaultFilters() []Filter {
	return []Filter{
		HoldElapsedFilter,
		LibraryEnabledFilter,
		LibraryScheduleFilter,
		FlowFilter,
		NodeAffinityFilter,
		FileSizeFilter,
		LibraryCapacityFilter,
	}
}

// Apply последовательно применяет фильтры. Останавливается,
// когда кандидатов не осталось.
func Apply(ctx *Context, in []*Candidate, filters []Filter) []*Candidate {
	out := in
	for _, f := range filters {
		if len(out) == 0 {
			break
		}
		out = f.Filter(ctx, out)
	}
	return out
}
