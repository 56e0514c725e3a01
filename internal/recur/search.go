package recur

import (
	"fmt"
	"time"
)

// searchYears bounds the month iteration to len(months) * searchYears
// candidates, enough for every leap-year and weekday alignment.
const searchYears = 5

// direction carries everything that differs between forward and backward
// search. Both directions share one implementation so they cannot drift.
type direction struct {
	name string
	sign int // +1 forward, -1 backward
}

var (
	forward  = direction{name: "next", sign: 1}
	backward = direction{name: "previous", sign: -1}
)

// sets returns the rule's field sets in this direction's order, so the
// first element of each set is the earliest (forward) or latest (backward).
func (d direction) sets(r *Rule) *fieldSets {
	if d.sign > 0 {
		return &r.asc
	}
	return &r.desc
}

// reached reports whether v lies at or beyond start in this direction.
func (d direction) reached(v, start int) bool { return (v-start)*d.sign >= 0 }

// first returns the first value of set reached from start.
func (d direction) first(set FieldValueSet, start int) (int, bool) {
	for _, v := range set {
		if d.reached(v, start) {
			return v, true
		}
	}
	return 0, false
}

// closer returns whichever of a and b comes first in this direction.
func (d direction) closer(a, b int) int {
	if d.reached(b, a) {
		return a
	}
	return b
}

// monthStartDay is the day a search begins at in a month it enters fresh.
func (d direction) monthStartDay(year, month int) int {
	if d.sign > 0 {
		return 1
	}
	return DaysInMonth(year, month)
}

// weekdayDistance counts the days from weekday a to weekday b in this
// direction, wrapping around the week.
func (d direction) weekdayDistance(a, b int) int {
	return ((b-a)*d.sign + 7) % 7
}

// Next returns the first occurrence strictly after from. Sub-second parts of
// from are ignored. It fails with ErrSearchExhausted when the rule cannot
// fire within the search bound.
//
// Occurrences are wall-clock times in from's location. A wall time that is
// skipped by a forward offset change (spring forward) fires at the same
// wall time plus the gap, so 02:30 becomes 03:30 on a one-hour change. A
// wall time that occurs twice fires at whichever instant comes first in the
// search direction that is still strictly past from.
func (r *Rule) Next(from time.Time) (time.Time, error) {
	return r.search(forward, from)
}

// Prev returns the last occurrence strictly before from, at second
// granularity. Offset changes are handled as in Next.
func (r *Rule) Prev(from time.Time) (time.Time, error) {
	return r.search(backward, from)
}

// maxResolveAttempts bounds how many wall-clock candidates search tries
// when offset changes leave a candidate on the wrong side of from.
const maxResolveAttempts = 4

func (r *Rule) search(d direction, from time.Time) (time.Time, error) {
	loc := from.Location()
	f := Fields(from)
	for range maxResolveAttempts {
		w, ok := r.searchWall(d, f)
		if !ok {
			break
		}
		if t, ok := resolve(d, w, loc, from); ok {
			return t, nil
		}
		f = w
	}
	return time.Time{}, fmt.Errorf("%w: %s occurrence of %q from %s",
		ErrSearchExhausted, d.name, r.String(), from.Format(time.RFC3339))
}

// searchWall finds the first wall-clock time after (or before) f that the
// rule allows, without regard to any location.
func (r *Rule) searchWall(d direction, f TimeFields) (TimeFields, bool) {
	sets := d.sets(r)
	months := sets.months

	year := f.Year
	startIndex := -1
	for i, m := range months {
		if d.reached(m, f.Month) {
			startIndex = i
			break
		}
	}
	if startIndex == -1 {
		startIndex = 0
		year += d.sign
	}

	maxIterations := len(months) * searchYears
	for i := 0; i < maxIterations; i++ {
		y := year + d.sign*((startIndex+i)/len(months))
		m := months[(startIndex+i)%len(months)]
		isStartMonth := y == f.Year && m == f.Month

		startDay := d.monthStartDay(y, m)
		if isStartMonth {
			startDay = f.Day
		}
		day, ok := r.findDay(d, y, m, startDay)
		if !ok {
			continue
		}

		if isStartMonth && day == f.Day {
			if hour, minute, second, ok := r.findTime(d, f); ok {
				return wallFields(y, m, day, hour, minute, second), true
			}
			if day, ok = r.findDay(d, y, m, day+d.sign); !ok {
				continue
			}
		}
		return wallFields(y, m, day, sets.hours[0], sets.minutes[0], sets.seconds[0]), true
	}
	return TimeFields{}, false
}

func wallFields(year, month, day, hour, minute, second int) TimeFields {
	return Fields(time.Date(year, time.Month(month+1), day, hour, minute, second, 0, time.UTC))
}

// resolve maps the wall time w in loc to an instant strictly past from in
// direction d. It reports false when every instant showing w lies on the
// wrong side of from.
func resolve(d direction, w TimeFields, loc *time.Location, from time.Time) (time.Time, bool) {
	wall := time.Date(w.Year, time.Month(w.Month+1), w.Day, w.Hour, w.Minute, w.Second, 0, time.UTC)

	// The offsets a day either side of w bracket any change at w.
	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, after := wall.Add(24 * time.Hour).In(loc).Zone()
	offsets := []int{before}
	if after != before {
		offsets = append(offsets, after)
	}

	var best time.Time
	found, exists := false, false
	for _, off := range offsets {
		t := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if Fields(t) != w {
			continue
		}
		exists = true
		if !d.past(t, from) {
			continue
		}
		if !found || d.past(best, t) {
			best, found = t, true
		}
	}
	if exists {
		return best, found
	}

	// Skipped wall time: shift forward by the gap, read in the old offset.
	t := wall.Add(-time.Duration(before) * time.Second).In(loc)
	return t, d.past(t, from)
}

// past reports whether t lies strictly beyond from's second in direction d.
func (d direction) past(t, from time.Time) bool {
	return (t.Unix()-from.Unix())*int64(d.sign) > 0
}

// findDay returns the first allowed day of the 0-based month reached from
// startDay in direction d.
func (r *Rule) findDay(d direction, year, month, startDay int) (int, bool) {
	daysInMonth := DaysInMonth(year, month)
	if d.sign < 0 && startDay > daysInMonth {
		startDay = daysInMonth
	}
	if startDay < 1 || startDay > daysInMonth {
		return 0, false
	}

	daysRestricted := r.daysRestricted()
	weekdaysRestricted := r.weekdaysRestricted()
	if !daysRestricted && !weekdaysRestricted {
		return startDay, true
	}

	sets := d.sets(r)
	byDay, byDayOK := 0, false
	if daysRestricted {
		byDay, byDayOK = d.first(sets.days, startDay)
		if byDayOK && byDay > daysInMonth {
			byDayOK = false
		}
	}

	byWeekday, byWeekdayOK := 0, false
	if weekdaysRestricted {
		startWeekday := int(time.Date(year, time.Month(month+1), startDay, 0, 0, 0, 0, time.UTC).Weekday())
		target, ok := d.first(sets.weekdays, startWeekday)
		if !ok {
			target = sets.weekdays[0]
		}
		byWeekday = startDay + d.sign*d.weekdayDistance(startWeekday, target)
		byWeekdayOK = byWeekday >= 1 && byWeekday <= daysInMonth
	}

	switch {
	case byDayOK && byWeekdayOK:
		return d.closer(byDay, byWeekday), true
	case byDayOK:
		return byDay, true
	case byWeekdayOK:
		return byWeekday, true
	}
	return 0, false
}

// findTime searches the time of day on from's own date, moving strictly away
// from from's second. The cascade rolls seconds into minutes and minutes into
// hours, resetting lower fields to their first value in direction d.
func (r *Rule) findTime(d direction, from TimeFields) (hour, minute, second int, ok bool) {
	sets := d.sets(r)

	hour, ok = d.first(sets.hours, from.Hour)
	if !ok {
		return 0, 0, 0, false
	}
	if hour != from.Hour {
		return hour, sets.minutes[0], sets.seconds[0], true
	}

	if minute, ok = d.first(sets.minutes, from.Minute); ok {
		if minute != from.Minute {
			return hour, minute, sets.seconds[0], true
		}
		if second, ok = d.first(sets.seconds, from.Second+d.sign); ok {
			return hour, minute, second, true
		}
		if minute, ok = d.first(sets.minutes, from.Minute+d.sign); ok {
			return hour, minute, sets.seconds[0], true
		}
	}

	if hour, ok = d.first(sets.hours, from.Hour+d.sign); ok {
		return hour, sets.minutes[0], sets.seconds[0], true
	}
	return 0, 0, 0, false
}
