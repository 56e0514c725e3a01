package recur

import (
	"sort"
	"strconv"
	"strings"
)

// FieldConstraint bounds the values one schedule field may take. Aliases map
// lower-case names to the canonical numeral they stand for.
type FieldConstraint struct {
	Name    string
	Min     int
	Max     int
	Aliases map[string]string
}

// Constraints for the six schedule fields. Months use the external 1-12 form;
// Parse shifts them to 0-11 for storage.
var (
	SecondField = FieldConstraint{Name: "second", Min: 0, Max: 59}
	MinuteField = FieldConstraint{Name: "minute", Min: 0, Max: 59}
	HourField   = FieldConstraint{Name: "hour", Min: 0, Max: 23}
	DayField    = FieldConstraint{Name: "day-of-month", Min: 1, Max: 31}
	MonthField  = FieldConstraint{
		Name: "month",
		Min:  1,
		Max:  12,
		Aliases: map[string]string{
			"jan": "1", "feb": "2", "mar": "3", "apr": "4",
			"may": "5", "jun": "6", "jul": "7", "aug": "8",
			"sep": "9", "oct": "10", "nov": "11", "dec": "12",
		},
	}
	WeekdayField = FieldConstraint{
		Name: "weekday",
		Min:  0,
		Max:  6,
		Aliases: map[string]string{
			"7":   "0",
			"sun": "0", "mon": "1", "tue": "2", "wed": "3",
			"thu": "4", "fri": "5", "sat": "6",
		},
	}
)

// FieldValueSet is an ascending list of distinct field values.
type FieldValueSet []int

// Contains reports whether v is in the set.
func (s FieldValueSet) Contains(v int) bool {
	i := sort.SearchInts(s, v)
	return i < len(s) && s[i] == v
}

func (s FieldValueSet) reversed() FieldValueSet {
	out := make(FieldValueSet, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// bitset64 holds field values 0-63 while a token is being parsed.
type bitset64 uint64

func (b *bitset64) set(v int) { *b |= 1 << uint(v) }

func (b bitset64) values() FieldValueSet {
	var out FieldValueSet
	for v := 0; v < 64; v++ {
		if b&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}

// ParseField parses one field token against its constraint. The token is a
// comma separated list of terms, each one of: *, */step, start-end,
// start-end/step, or a single numeral or alias.
func ParseField(token string, c FieldConstraint) (FieldValueSet, error) {
	var bits bitset64
	for _, term := range strings.Split(token, ",") {
		if err := parseTerm(term, c, &bits); err != nil {
			return nil, err
		}
	}
	return bits.values(), nil
}

func parseTerm(term string, c FieldConstraint, bits *bitset64) error {
	if term == "" {
		return fieldError(c, term, "empty value")
	}

	rangeExpr, stepExpr, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepExpr)
		if err != nil || n < 1 {
			return fieldError(c, term, "step must be a positive integer")
		}
		step = n
	}

	var start, end int
	switch {
	case rangeExpr == "*":
		start, end = c.Min, c.Max
	case strings.Contains(rangeExpr, "-"):
		low, high, _ := strings.Cut(rangeExpr, "-")
		var err error
		if start, err = resolveValue(low, c, term); err != nil {
			return err
		}
		if end, err = resolveValue(high, c, term); err != nil {
			return err
		}
		if start > end {
			return fieldError(c, term, "range start "+strconv.Itoa(start)+" > end "+strconv.Itoa(end))
		}
	default:
		if hasStep {
			return fieldError(c, term, "step requires * or a range")
		}
		v, err := resolveValue(rangeExpr, c, term)
		if err != nil {
			return err
		}
		start, end = v, v
	}

	for v := start; v <= end; v += step {
		bits.set(v)
	}
	return nil
}

// resolveValue maps an alias or numeral to its value and range-checks it.
func resolveValue(s string, c FieldConstraint, term string) (int, error) {
	if canonical, ok := c.Aliases[strings.ToLower(s)]; ok {
		s = canonical
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fieldError(c, term, strconv.Quote(s)+" is not a valid number")
	}
	if v < c.Min || v > c.Max {
		return 0, fieldError(c, term, strconv.Itoa(v)+" out of range")
	}
	return v, nil
}
