package scheduling

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bigkaa/fileflows/flow-server/internal/domain/model"
	"github.com/bigkaa/fileflows/flow-server/internal/domain/schedule"
)

var now = time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

const mb = 1024 * 1024

func newContext(node *model.ProcessingNode, libs ...model.Library) *Context {
	byUID := make(map[string]model.Library, len(libs))
	for _, l := range libs {
		byUID[l.UID] = l
	}
	return &Context{
		Node: node,
		Now:  now,
		Library: func(uid string) (model.Library, bool) {
			l, ok := byUID[uid]
			return l, ok
		},
		FlowExists:        func(uid string) bool { return uid == "flow" },
		LibraryProcessing: map[string]int{},
		FileSizeUnit:      mb,
		Rand:              rand.New(rand.NewPCG(1, 2)),
	}
}

func lib(uid string) model.Library {
	return model.Library{UID: uid, Name: uid, Enabled: true, FlowUID: "flow"}
}

func file(uid, libUID string, seq int64, size int64) *model.LibraryFile {
	return &model.LibraryFile{
		UID: uid, LibraryUID: libUID, Seq: seq, Name: "/media/" + uid,
		OriginalSize: size, Status: model.FileStatusUnprocessed,
	}
}

func uids(cands []*Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.File.UID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func run(ctx *Context, files ...*model.LibraryFile) []string {
	cands := Apply(ctx, Prepare(ctx, files), DefaultFilters())
	Order(cands, DefaultOrder())
	return uids(cands)
}

func TestFilters(t *testing.T) {
	future := now.Add(time.Hour)
	disabled := lib("disabled")
	disabled.Enabled = false
	offSchedule := lib("off")
	offSchedule.Schedule = schedule.AlwaysOff()
	noFlow := lib("noflow")
	noFlow.FlowUID = "missing"
	capped := lib("capped")
	capped.MaxRunners = 1

	held := file("held", "main", 1, 1)
	held.Status = model.FileStatusOnHold
	held.HoldUntil = &future
	forced := file("forced", "off", 2, 1)
	forced.Force = true

	node := &model.ProcessingNode{UID: "n", AllLibraries: model.AffinityAllExcept, Libraries: []string{"denied"}, MaxFileSizeMB: 5}
	ctx := newContext(node, lib("main"), disabled, offSchedule, noFlow, capped, lib("denied"))
	ctx.LibraryProcessing["capped"] = 1

	got := run(ctx,
		held,
		forced,
		file("ok", "main", 3, 5*mb),
		file("big", "main", 4, 5*mb+1),
		file("nolib", "ghost", 5, 1),
		file("dis", "disabled", 6, 1),
		file("sched", "off", 7, 1),
		file("flow", "noflow", 8, 1),
		file("cap", "capped", 9, 1),
		file("deny", "denied", 10, 1),
	)
	if !equal(got, []string{"forced", "ok"}) {
		t.Errorf("кандидаты = %v, ожидается [forced ok]", got)
	}
}

func TestNodeAffinityOnly(t *testing.T) {
	node := &model.ProcessingNode{UID: "n", AllLibraries: model.AffinityOnly, Libraries: []string{"a"}}
	got := run(newContext(node, lib("a"), lib("b")), file("fa", "a", 1, 1), file("fb", "b", 2, 1))
	if !equal(got, []string{"fa"}) {
		t.Errorf("кандидаты = %v, ожидается [fa]", got)
	}
}

func TestOrder_SmallestFirst(t *testing.T) {
	l := lib("lib")
	l.ProcessingOrder = model.OrderSmallestFirst
	got := run(newContext(&model.ProcessingNode{UID: "n"}, l),
		file("A", "lib", 1, 10*mb),
		file("B", "lib", 2, 2*mb),
	)
	if !equal(got, []string{"B", "A"}) {
		t.Errorf("порядок = %v, ожидается [B A]", got)
	}
}

func TestOrder_Strategies(t *testing.T) {
	older := now.Add(-time.Hour)
	tests := []struct {
		name  string
		order model.ProcessingOrder
		want  []string
	}{
		{"as found", model.OrderAsFound, []string{"a", "b", "c"}},
		{"largest", model.OrderLargestFirst, []string{"b", "c", "a"}},
		{"newest", model.OrderNewestFirst, []string{"c", "a", "b"}},
		{"oldest", model.OrderOldestFirst, []string{"a", "b", "c"}},
		{"alphabetical", model.OrderAlphabetical, []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := lib("lib")
			l.ProcessingOrder = tt.order
			a := file("a", "lib", 1, 1)
			a.Name = "/z.mkv"
			a.CreationTime = older
			b := file("b", "lib", 2, 3)
			b.Name = "/Y.mkv"
			b.CreationTime = older
			c := file("c", "lib", 3, 2)
			c.Name = "/x.mkv"
			c.CreationTime = now
			got := run(newContext(&model.ProcessingNode{UID: "n"}, l), a, b, c)
			if !equal(got, tt.want) {
				t.Errorf("порядок = %v, ожидается %v", got, tt.want)
			}
		})
	}
}

func TestOrder_ManualAndPriority(t *testing.T) {
	low := lib("low")
	high := lib("high")
	high.Priority = model.PriorityHigh

	manual := file("manual", "low", 5, 1)
	manual.ExecutionOrder = 2
	manualFirst := file("manual-first", "low", 6, 1)
	manualFirst.ExecutionOrder = 1

	got := run(newContext(&model.ProcessingNode{UID: "n"}, low, high),
		file("l1", "low", 1, 1),
		file("h1", "high", 2, 1),
		manual,
		manualFirst,
	)
	if !equal(got, []string{"manual-first", "manual", "h1", "l1"}) {
		t.Errorf("порядок = %v", got)
	}
}

func TestOrder_EqualPriorityInterleaves(t *testing.T) {
	a := lib("a")
	a.ProcessingOrder = model.OrderLargestFirst
	b := lib("b")
	got := run(newContext(&model.ProcessingNode{UID: "n"}, a, b),
		file("a-small", "a", 1, 1),
		file("a-big", "a", 2, 9),
		file("b-1", "b", 3, 5),
	)
	// a-big и b-1 — первые в своих библиотеках, между ними решает порядок обнаружения
	if !equal(got, []string{"a-big", "b-1", "a-small"}) {
		t.Errorf("порядок = %v", got)
	}
}

func TestOrder_RandomIsPermutation(t *testing.T) {
	l := lib("lib")
	l.ProcessingOrder = model.OrderRandom
	files := []*model.LibraryFile{file("a", "lib", 1, 1), file("b", "lib", 2, 1), file("c", "lib", 3, 1)}
	got := run(newContext(&model.ProcessingNode{UID: "n"}, l), files...)
	if len(got) != 3 {
		t.Fatalf("ожидается 3 кандидата, получено %v", got)
	}
	seen := map[string]bool{}
	for _, uid := range got {
		seen[uid] = true
	}
	if len(seen) != 3 {
		t.Errorf("random должен быть перестановкой, получено %v", got)
	}
}
