package recur

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fieldSets holds the six field sets in one search order.
type fieldSets struct {
	seconds  FieldValueSet
	minutes  FieldValueSet
	hours    FieldValueSet
	days     FieldValueSet
	months   FieldValueSet // 0-based
	weekdays FieldValueSet // 0 = Sunday
}

// Rule is a parsed recurrence rule. It is immutable once built and safe for
// concurrent use.
type Rule struct {
	expr string
	asc  fieldSets
	desc fieldSets
}

// New builds a Rule from explicit field values. Months are 0-based and
// weekdays run 0 (Sunday) to 6. Values are sorted and deduplicated; every set
// must be non-empty and within bounds.
func New(seconds, minutes, hours, days, months, weekdays []int) (*Rule, error) {
	type input struct {
		name     string
		values   []int
		min, max int
	}
	inputs := [...]input{
		{"seconds", seconds, 0, 59},
		{"minutes", minutes, 0, 59},
		{"hours", hours, 0, 23},
		{"days", days, 1, 31},
		{"months", months, 0, 11},
		{"weekdays", weekdays, 0, 6},
	}

	var sets [6]FieldValueSet
	for i, in := range inputs {
		if len(in.values) == 0 {
			return nil, &ParseError{Token: in.name, Reason: "at least one value is required"}
		}
		set, err := normalize(in.values, in.min, in.max)
		if err != nil {
			return nil, &ParseError{Token: in.name, Reason: err.Error()}
		}
		sets[i] = set
	}

	r := &Rule{
		asc: fieldSets{
			seconds:  sets[0],
			minutes:  sets[1],
			hours:    sets[2],
			days:     sets[3],
			months:   sets[4],
			weekdays: sets[5],
		},
	}
	r.desc = fieldSets{
		seconds:  r.asc.seconds.reversed(),
		minutes:  r.asc.minutes.reversed(),
		hours:    r.asc.hours.reversed(),
		days:     r.asc.days.reversed(),
		months:   r.asc.months.reversed(),
		weekdays: r.asc.weekdays.reversed(),
	}
	return r, nil
}

func normalize(values []int, min, max int) (FieldValueSet, error) {
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	out := make(FieldValueSet, 0, len(sorted))
	for _, v := range sorted {
		if v < min || v > max {
			return nil, fmt.Errorf("value %d outside %d-%d", v, min, max)
		}
		if len(out) > 0 && out[len(out)-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// daysRestricted reports whether the day-of-month set excludes any day.
func (r *Rule) daysRestricted() bool { return len(r.asc.days) != DayField.Max }

// weekdaysRestricted reports whether the weekday set excludes any weekday.
func (r *Rule) weekdaysRestricted() bool { return len(r.asc.weekdays) != WeekdayField.Max+1 }

// dayMatches applies the day-of-month/weekday rule: OR when both fields are
// restricted, otherwise both must hold (an unrestricted field always does).
func (r *Rule) dayMatches(day, weekday int) bool {
	if r.daysRestricted() && r.weekdaysRestricted() {
		return r.asc.days.Contains(day) || r.asc.weekdays.Contains(weekday)
	}
	return r.asc.days.Contains(day) && r.asc.weekdays.Contains(weekday)
}

// Matches reports whether t satisfies every field of the rule.
func (r *Rule) Matches(t time.Time) bool {
	f := Fields(t)
	if !r.asc.seconds.Contains(f.Second) ||
		!r.asc.minutes.Contains(f.Minute) ||
		!r.asc.hours.Contains(f.Hour) ||
		!r.asc.months.Contains(f.Month) {
		return false
	}
	return r.dayMatches(f.Day, f.Weekday)
}

// Seconds returns a copy of the allowed seconds.
func (r *Rule) Seconds() []int { return append([]int(nil), r.asc.seconds...) }

// Minutes returns a copy of the allowed minutes.
func (r *Rule) Minutes() []int { return append([]int(nil), r.asc.minutes...) }

// Hours returns a copy of the allowed hours.
func (r *Rule) Hours() []int { return append([]int(nil), r.asc.hours...) }

// Days returns a copy of the allowed days of month.
func (r *Rule) Days() []int { return append([]int(nil), r.asc.days...) }

// Months returns a copy of the allowed months, 0-based.
func (r *Rule) Months() []int { return append([]int(nil), r.asc.months...) }

// Weekdays returns a copy of the allowed weekdays, 0 = Sunday.
func (r *Rule) Weekdays() []int { return append([]int(nil), r.asc.weekdays...) }

// String returns the expression the rule was parsed from, or a 6-field
// rendering of its value lists when it was built with New.
func (r *Rule) String() string {
	if r.expr != "" {
		return r.expr
	}
	months := make([]int, len(r.asc.months))
	for i, m := range r.asc.months {
		months[i] = m + 1
	}
	parts := []string{
		joinInts(r.asc.seconds),
		joinInts(r.asc.minutes),
		joinInts(r.asc.hours),
		joinInts(r.asc.days),
		joinInts(months),
		joinInts(r.asc.weekdays),
	}
	return strings.Join(parts, " ")
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// TimeFields is the calendar breakdown of a timestamp used by the search.
// Month is 0-based and Weekday is 0 for Sunday.
type TimeFields struct {
	Second  int
	Minute  int
	Hour    int
	Day     int
	Month   int
	Weekday int
	Year    int
}

// Fields decomposes t in its own location.
func Fields(t time.Time) TimeFields {
	return TimeFields{
		Second:  t.Second(),
		Minute:  t.Minute(),
		Hour:    t.Hour(),
		Day:     t.Day(),
		Month:   int(t.Month()) - 1,
		Weekday: int(t.Weekday()),
		Year:    t.Year(),
	}
}

// DaysInMonth returns the number of days in the 0-based month of year.
func DaysInMonth(year, month int) int {
	return time.Date(year, time.Month(month+2), 0, 0, 0, 0, 0, time.UTC).Day()
}
