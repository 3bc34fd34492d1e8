package schedule

import (
	"strings"
	"testing"
	"time"
)

// 2024-06-02 — воскресенье.
func sunday(hour, minute int) time.Time {
	return time.Date(2024, 6, 2, hour, minute, 0, 0, time.UTC)
}

func TestQuarterIndex(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"воскресенье 00:00", sunday(0, 0), 0},
		{"воскресенье 00:14", sunday(0, 14), 0},
		{"воскресенье 00:15", sunday(0, 15), 1},
		{"воскресенье 23:59", sunday(23, 59), 95},
		{"понедельник 00:00", sunday(0, 0).AddDate(0, 0, 1), 96},
		{"суббота 23:45", sunday(23, 45).AddDate(0, 0, 6), 671},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuarterIndex(tt.at); got != tt.want {
				t.Errorf("QuarterIndex() = %d, ожидается %d", got, tt.want)
			}
		})
	}
}

func TestInSchedule_FailOpen(t *testing.T) {
	now := sunday(10, 30)
	tests := []struct {
		name string
		s    string
	}{
		{"пустая строка", ""},
		{"короткая", "0000"},
		{"длинная", strings.Repeat("0", Length+1)},
		{"посторонние символы", strings.Repeat("0", Length-1) + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !InSchedule(tt.s, now) {
				t.Error("некорректное расписание должно разрешать работу")
			}
		})
	}
}

func TestInSchedule_Mask(t *testing.T) {
	now := sunday(0, 20) // слот 1
	s := WithSlot(AlwaysOff(), 1, true)

	if !InSchedule(s, now) {
		t.Error("слот 1 включён, ожидается true")
	}
	if InSchedule(s, sunday(0, 0)) {
		t.Error("слот 0 выключен, ожидается false")
	}
	if InSchedule(AlwaysOff(), now) {
		t.Error("AlwaysOff должен запрещать работу")
	}
	if !InSchedule(AlwaysOn(), now) {
		t.Error("AlwaysOn должен разрешать работу")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("abc") != "" {
		t.Error("некорректная маска должна нормализоваться в пустую строку")
	}
	on := AlwaysOn()
	if Normalize(on) != on {
		t.Error("корректная маска должна сохраняться")
	}
}
