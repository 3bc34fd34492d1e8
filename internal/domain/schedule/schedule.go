// Пакет schedule — недельное расписание с шагом 15 минут.
//
// Расписание — строка из 672 символов '0'/'1' (7 дней × 96 четвертей часа),
// начиная с воскресенья 00:00. Некорректное расписание трактуется как
// "разрешено всегда".
package schedule

import (
	"strings"
	"time"
)

const (
	// SlotsPerDay — четвертей часа в сутках.
	SlotsPerDay = 96
	// Length — длина корректной маски расписания.
	Length = 7 * SlotsPerDay
)

// QuarterIndex возвращает индекс слота для момента now:
// день недели × 96 + час × 4 + минута / 15 (воскресенье = 0).
func QuarterIndex(now time.Time) int {
	return int(now.Weekday())*SlotsPerDay + now.Hour()*4 + now.Minute()/15
}

// Valid проверяет, что строка — корректная маска.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '0' && s[i] != '1' {
			return false
		}
	}
	return true
}

// InSchedule сообщает, разрешена ли работа в момент now.
func InSchedule(s string, now time.Time) bool {
	if !Valid(s) {
		return true
	}
	return s[QuarterIndex(now)] == '1'
}

// Normalize возвращает маску без изменений, если она корректна,
// иначе пустую строку (расписание не задано).
func Normalize(s string) string {
	if Valid(s) {
		return s
	}
	return ""
}

// AlwaysOn возвращает маску, разрешающую работу всегда.
func AlwaysOn() string { return strings.Repeat("1", Length) }

// AlwaysOff возвращает маску, запрещающую работу всегда.
func AlwaysOff() string { return strings.Repeat("0", Length) }

// WithSlot возвращает копию маски s с установленным значением слота idx.
// Некорректная маска перед изменением заменяется на AlwaysOff.
func WithSlot(s string, idx int, on bool) string {
	if !Valid(s) {
		s = AlwaysOff()
	}
	if idx < 0 || idx >= Length {
		return s
	}
	b := []byte(s)
	if on {
		b[idx] = '1'
	} else {
		b[idx] = '0'
	}
	return string(b)
}
